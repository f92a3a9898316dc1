package guard

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore keeps idempotency records in-process. Records expire with the
// duplicate window; nothing deletes them explicitly.
type MemoryStore struct {
	c *gocache.Cache
}

func NewMemoryStore(window time.Duration) *MemoryStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryStore{c: gocache.New(window, time.Minute)}
}

func (m *MemoryStore) LastAccepted(_ context.Context, scopeID, kind string) (Record, bool, error) {
	v, ok := m.c.Get(scopeID + "|" + kind)
	if !ok {
		return Record{}, false, nil
	}
	rec, ok := v.(Record)
	return rec, ok, nil
}

func (m *MemoryStore) Record(_ context.Context, scopeID, kind string, rec Record, ttl time.Duration) error {
	m.c.Set(scopeID+"|"+kind, rec, ttl)
	return nil
}
