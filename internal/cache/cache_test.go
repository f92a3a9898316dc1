package cache

import (
	"reflect"
	"testing"
)

func seedCache(t *testing.T) *Cache {
	t.Helper()
	c := New()
	c.Reconcile([]Entity{
		{Ref: Ref{Kind: "meeting", ID: "mtg-1"}, Fields: Fields{"teamId": "team-1", "phase": "reflect"}},
		{Ref: Ref{Kind: "stage", ID: "stg-1"}, Fields: Fields{"meetingId": "mtg-1", "name": "Start", "sortKey": 1.0}},
		{Ref: Ref{Kind: "stage", ID: "stg-2"}, Fields: Fields{"meetingId": "mtg-1", "name": "Stop", "sortKey": 2.0}},
		{Ref: Ref{Kind: "stage", ID: "stg-3"}, Fields: Fields{"meetingId": "mtg-1", "name": "Continue", "sortKey": 3.0}},
	}, "")
	return c
}

func TestApplyThenRollbackRestoresSnapshot(t *testing.T) {
	c := seedCache(t)
	ref := Ref{Kind: "stage", ID: "stg-1"}
	before, _ := c.Get(ref)

	change := NewChange("chg-1").Edit(ref, Fields{"sortKey": 2.5, "name": "Renamed"})
	if err := c.ApplySpeculative(change); err != nil {
		t.Fatalf("ApplySpeculative failed: %v", err)
	}

	during, _ := c.Get(ref)
	if during["sortKey"] != 2.5 || during["name"] != "Renamed" {
		t.Fatalf("speculative edit not visible: %v", during)
	}

	c.Rollback("chg-1")
	after, _ := c.Get(ref)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("rollback did not restore snapshot: before=%v after=%v", before, after)
	}
	if c.PendingCount() != 0 {
		t.Errorf("expected no pending changes, got %d", c.PendingCount())
	}
}

func TestRollbackRemovesSpeculativelyCreatedEntity(t *testing.T) {
	c := New()
	ref := Ref{Kind: "stage", ID: "stg-new"}
	change := NewChange("chg-1").Edit(ref, Fields{"name": "Fresh", "sortKey": 1.0})
	if err := c.ApplySpeculative(change); err != nil {
		t.Fatalf("ApplySpeculative failed: %v", err)
	}
	if _, ok := c.Get(ref); !ok {
		t.Fatal("speculatively created entity not visible")
	}
	c.Rollback("chg-1")
	if _, ok := c.Get(ref); ok {
		t.Error("entity should be gone after rollback of its creating change")
	}
}

func TestRollbackSkipsFieldsOwnedByLaterChange(t *testing.T) {
	c := seedCache(t)
	ref := Ref{Kind: "stage", ID: "stg-2"}

	first := NewChange("chg-1").Edit(ref, Fields{"sortKey": 1.5})
	if err := c.ApplySpeculative(first); err != nil {
		t.Fatalf("apply first: %v", err)
	}
	second := NewChange("chg-2").Edit(ref, Fields{"sortKey": 0.5})
	if err := c.ApplySpeculative(second); err != nil {
		t.Fatalf("apply second: %v", err)
	}

	// Rolling back the first change must not clobber the second change's
	// speculative value.
	c.Rollback("chg-1")
	fields, _ := c.Get(ref)
	if fields["sortKey"] != 0.5 {
		t.Errorf("expected later change's value 0.5 to survive, got %v", fields["sortKey"])
	}

	// Rolling back the second restores its own snapshot, which is the
	// first change's speculative value at the time it was applied.
	c.Rollback("chg-2")
	fields, _ = c.Get(ref)
	if fields["sortKey"] != 1.5 {
		t.Errorf("expected snapshot value 1.5, got %v", fields["sortKey"])
	}
}

func TestReconcileSupersedesSpeculativeChange(t *testing.T) {
	c := seedCache(t)
	ref := Ref{Kind: "stage", ID: "stg-1"}

	change := NewChange("chg-1").Edit(ref, Fields{"sortKey": 2.4})
	if err := c.ApplySpeculative(change); err != nil {
		t.Fatalf("ApplySpeculative failed: %v", err)
	}

	// Server settled on a slightly different value.
	c.Reconcile([]Entity{{Ref: ref, Fields: Fields{"sortKey": 2.400001}}}, "chg-1")

	fields, _ := c.Get(ref)
	if fields["sortKey"] != 2.400001 {
		t.Errorf("authoritative value should win, got %v", fields["sortKey"])
	}
	if c.PendingCount() != 0 {
		t.Errorf("origin change should be discarded, %d pending", c.PendingCount())
	}

	// A stale rollback after reconciliation must be a no-op.
	c.Rollback("chg-1")
	fields, _ = c.Get(ref)
	if fields["sortKey"] != 2.400001 {
		t.Errorf("stale rollback clobbered authoritative value: %v", fields["sortKey"])
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	c := seedCache(t)
	payload := []Entity{
		{Ref: Ref{Kind: "stage", ID: "stg-1"}, Fields: Fields{"sortKey": 9.0}},
		{Ref: Ref{Kind: "stage", ID: "stg-9"}, Fields: Fields{"meetingId": "mtg-1", "sortKey": 10.0}},
	}
	c.Reconcile(payload, "")
	once, _ := c.Get(Ref{Kind: "stage", ID: "stg-1"})
	c.Reconcile(payload, "")
	twice, _ := c.Get(Ref{Kind: "stage", ID: "stg-1"})
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("reconcile not idempotent: %v vs %v", once, twice)
	}
	if _, ok := c.Get(Ref{Kind: "stage", ID: "stg-9"}); !ok {
		t.Error("payload-created entity missing")
	}
}

func TestReconcileInsertsUnknownEntity(t *testing.T) {
	c := New()
	ref := Ref{Kind: "meeting", ID: "mtg-7"}
	c.Reconcile([]Entity{{Ref: ref, Fields: Fields{"phase": "lobby"}}}, "")
	fields, ok := c.Get(ref)
	if !ok || fields["phase"] != "lobby" {
		t.Errorf("expected inserted entity, got %v ok=%v", fields, ok)
	}
}

func TestListOrdered(t *testing.T) {
	c := seedCache(t)
	stages := c.ListOrdered("stage", "meetingId", "mtg-1")
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(stages))
	}
	want := []string{"stg-1", "stg-2", "stg-3"}
	for i, stage := range stages {
		if stage.Ref.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], stage.Ref.ID)
		}
	}

	// A speculative sortKey edit reorders the view immediately.
	change := NewChange("chg-1").Edit(Ref{Kind: "stage", ID: "stg-3"}, Fields{"sortKey": 0.5})
	if err := c.ApplySpeculative(change); err != nil {
		t.Fatalf("ApplySpeculative failed: %v", err)
	}
	stages = c.ListOrdered("stage", "meetingId", "mtg-1")
	if stages[0].Ref.ID != "stg-3" {
		t.Errorf("expected stg-3 first after speculative move, got %s", stages[0].Ref.ID)
	}
}

func TestApplySpeculativeRejectsDuplicateChangeID(t *testing.T) {
	c := seedCache(t)
	ref := Ref{Kind: "stage", ID: "stg-1"}
	if err := c.ApplySpeculative(NewChange("chg-1").Edit(ref, Fields{"name": "A"})); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if err := c.ApplySpeculative(NewChange("chg-1").Edit(ref, Fields{"name": "B"})); err == nil {
		t.Error("expected error for duplicate change id")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c := seedCache(t)
	ref := Ref{Kind: "meeting", ID: "mtg-1"}
	fields, _ := c.Get(ref)
	fields["phase"] = "tampered"
	fresh, _ := c.Get(ref)
	if fresh["phase"] != "reflect" {
		t.Error("Get must return a copy, not internal state")
	}
}
