// Package guard rejects duplicate state-creating requests. A second start
// of the same action kind in the same scope inside the duplicate window is
// refused, leaving the system as if the duplicate never ran.
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultWindow matches the observed double-start threshold.
const DefaultWindow = 3 * time.Second

// Record is the retained trace of the most recently accepted creation
// request for a (scope, action kind) pair.
type Record struct {
	ResourceID string    `json:"resourceId"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// RecordStore persists idempotency records for the rolling window.
type RecordStore interface {
	LastAccepted(ctx context.Context, scopeID, kind string) (Record, bool, error)
	Record(ctx context.Context, scopeID, kind string, rec Record, ttl time.Duration) error
}

// RecentReader reads recently persisted resources of a kind in a scope from
// the durable store, oldest first. It backs the window across process
// restarts; node-local records alone would miss a duplicate arriving after a
// redeploy.
type RecentReader interface {
	RecentResourceIDs(ctx context.Context, scopeID, kind string, since time.Time) ([]string, error)
}

type Guard struct {
	window  time.Duration
	records RecordStore
	recent  RecentReader
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(window time.Duration, records RecordStore, recent RecentReader) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Guard{
		window:  window,
		records: records,
		recent:  recent,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// scopeLock returns the mutex serializing check-and-record for one
// (scope, kind) pair. Other scopes proceed without contention.
func (g *Guard) scopeLock(key string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[key] = lock
	}
	return lock
}

// Accept reports whether a creation request for resourceID may proceed.
// The check and the record write are atomic per (scope, kind). Requests
// that refer to the already-accepted resource itself pass, so cleanup
// retries for a completed resource are never treated as duplicates. On a
// false return the caller must compensate any side effect the duplicate
// attempt already applied before surfacing the rejection.
func (g *Guard) Accept(ctx context.Context, scopeID, kind, resourceID string) (bool, error) {
	key := scopeID + "|" + kind
	lock := g.scopeLock(key)
	lock.Lock()
	defer lock.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)

	rec, found, err := g.records.LastAccepted(ctx, scopeID, kind)
	if err != nil {
		return false, fmt.Errorf("read idempotency record: %w", err)
	}
	if found && rec.ResourceID != resourceID && rec.AcceptedAt.After(cutoff) {
		return false, nil
	}

	if g.recent != nil {
		ids, err := g.recent.RecentResourceIDs(ctx, scopeID, kind, cutoff)
		if err != nil {
			return false, fmt.Errorf("read recent resources: %w", err)
		}
		// Only the oldest recent resource wins. Two racing inserts that
		// each see the other's row both resolve to the same winner instead
		// of both backing out.
		if len(ids) > 0 && ids[0] != resourceID {
			return false, nil
		}
	}

	if err := g.records.Record(ctx, scopeID, kind, Record{ResourceID: resourceID, AcceptedAt: now}, g.window); err != nil {
		return false, fmt.Errorf("write idempotency record: %w", err)
	}
	return true, nil
}
