package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestGuard(window time.Duration) (*Guard, *time.Time) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	g := New(window, NewMemoryStore(window), nil)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestAcceptThenRejectWithinWindow(t *testing.T) {
	g, now := newTestGuard(3 * time.Second)
	ctx := context.Background()

	ok, err := g.Accept(ctx, "team-1", "meeting.start", "mtg-1")
	if err != nil || !ok {
		t.Fatalf("first accept: ok=%v err=%v", ok, err)
	}

	*now = now.Add(time.Second)
	ok, err = g.Accept(ctx, "team-1", "meeting.start", "mtg-2")
	if err != nil {
		t.Fatalf("second accept errored: %v", err)
	}
	if ok {
		t.Error("duplicate within window should be rejected")
	}
}

func TestAcceptAgainAfterWindowElapses(t *testing.T) {
	g, now := newTestGuard(3 * time.Second)
	ctx := context.Background()

	if ok, _ := g.Accept(ctx, "team-1", "meeting.start", "mtg-1"); !ok {
		t.Fatal("first accept rejected")
	}
	*now = now.Add(3*time.Second + time.Millisecond)
	ok, err := g.Accept(ctx, "team-1", "meeting.start", "mtg-3")
	if err != nil {
		t.Fatalf("accept errored: %v", err)
	}
	if !ok {
		t.Error("request past the window should be accepted")
	}
}

func TestSameResourceRetryIsNotADuplicate(t *testing.T) {
	g, now := newTestGuard(3 * time.Second)
	ctx := context.Background()

	if ok, _ := g.Accept(ctx, "team-1", "meeting.start", "mtg-1"); !ok {
		t.Fatal("first accept rejected")
	}
	*now = now.Add(time.Second)
	// Cleanup retry for the already-completed resource passes.
	ok, err := g.Accept(ctx, "team-1", "meeting.start", "mtg-1")
	if err != nil {
		t.Fatalf("retry errored: %v", err)
	}
	if !ok {
		t.Error("retry for the same resource should be accepted")
	}
}

func TestScopesDoNotInterfere(t *testing.T) {
	g, _ := newTestGuard(3 * time.Second)
	ctx := context.Background()

	if ok, _ := g.Accept(ctx, "team-1", "meeting.start", "mtg-1"); !ok {
		t.Fatal("team-1 accept rejected")
	}
	if ok, _ := g.Accept(ctx, "team-2", "meeting.start", "mtg-2"); !ok {
		t.Error("team-2 should be unaffected by team-1's record")
	}
	if ok, _ := g.Accept(ctx, "team-1", "meeting.end", "mtg-3"); !ok {
		t.Error("a different action kind should be unaffected")
	}
}

func TestConcurrentAcceptsAdmitExactlyOne(t *testing.T) {
	g, _ := newTestGuard(3 * time.Second)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	accepted := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "mtg-" + string(rune('a'+n))
			ok, err := g.Accept(ctx, "team-1", "meeting.start", id)
			if err != nil {
				t.Errorf("accept errored: %v", err)
				return
			}
			if ok {
				accepted <- id
			}
		}(i)
	}
	wg.Wait()
	close(accepted)

	count := 0
	for range accepted {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly one accepted start, got %d", count)
	}
}

type fakeRecent struct {
	ids []string
}

func (f *fakeRecent) RecentResourceIDs(context.Context, string, string, time.Time) ([]string, error) {
	return f.ids, nil
}

func TestRecentReaderBacksTheWindow(t *testing.T) {
	// Simulates a restart: the in-process record store is empty but the
	// durable store still shows a fresh resource in the scope.
	window := 3 * time.Second
	g := New(window, NewMemoryStore(window), &fakeRecent{ids: []string{"mtg-existing"}})
	ctx := context.Background()

	ok, err := g.Accept(ctx, "team-1", "meeting.start", "mtg-new")
	if err != nil {
		t.Fatalf("accept errored: %v", err)
	}
	if ok {
		t.Error("recent persisted resource should reject the new start")
	}

	// The persisted resource retrying its own completion passes.
	ok, err = g.Accept(ctx, "team-1", "meeting.start", "mtg-existing")
	if err != nil {
		t.Fatalf("retry errored: %v", err)
	}
	if !ok {
		t.Error("own-resource retry should be accepted")
	}
}

func TestRecentReaderTieBreaksOnOldest(t *testing.T) {
	// Two racing starts on different nodes, both rows already persisted
	// and visible to the reader. Both resolve to the oldest row, so
	// exactly one caller is accepted.
	window := 3 * time.Second
	ids := []string{"mtg-early", "mtg-late"}
	nodeA := New(window, NewMemoryStore(window), &fakeRecent{ids: ids})
	nodeB := New(window, NewMemoryStore(window), &fakeRecent{ids: ids})
	ctx := context.Background()

	ok, err := nodeB.Accept(ctx, "team-1", "meeting.start", "mtg-late")
	if err != nil {
		t.Fatalf("late accept errored: %v", err)
	}
	if ok {
		t.Error("later insert should lose the tie-break")
	}

	ok, err = nodeA.Accept(ctx, "team-1", "meeting.start", "mtg-early")
	if err != nil {
		t.Fatalf("early accept errored: %v", err)
	}
	if !ok {
		t.Error("oldest insert should win the tie-break")
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisStoreWithClient(client)
	defer store.Close()
	ctx := context.Background()

	if _, found, err := store.LastAccepted(ctx, "team-1", "meeting.start"); err != nil || found {
		t.Fatalf("expected empty store, found=%v err=%v", found, err)
	}

	accepted := time.Now().UTC().Truncate(time.Millisecond)
	rec := Record{ResourceID: "mtg-1", AcceptedAt: accepted}
	if err := store.Record(ctx, "team-1", "meeting.start", rec, 3*time.Second); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, found, err := store.LastAccepted(ctx, "team-1", "meeting.start")
	if err != nil || !found {
		t.Fatalf("LastAccepted: found=%v err=%v", found, err)
	}
	if got.ResourceID != "mtg-1" || !got.AcceptedAt.Equal(accepted) {
		t.Errorf("unexpected record: %+v", got)
	}

	// Records age out with the window.
	s.FastForward(4 * time.Second)
	if _, found, _ := store.LastAccepted(ctx, "team-1", "meeting.start"); found {
		t.Error("record should have expired")
	}
}

func TestGuardWithRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisStoreWithClient(client)
	defer store.Close()

	g := New(3*time.Second, store, nil)
	ctx := context.Background()

	if ok, err := g.Accept(ctx, "team-1", "meeting.start", "mtg-1"); err != nil || !ok {
		t.Fatalf("first accept: ok=%v err=%v", ok, err)
	}
	if ok, err := g.Accept(ctx, "team-1", "meeting.start", "mtg-2"); err != nil || ok {
		t.Fatalf("duplicate should be rejected: ok=%v err=%v", ok, err)
	}
	s.FastForward(4 * time.Second)
	if ok, err := g.Accept(ctx, "team-1", "meeting.start", "mtg-3"); err != nil || !ok {
		t.Fatalf("post-window accept: ok=%v err=%v", ok, err)
	}
}
