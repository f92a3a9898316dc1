// Package cache holds a per-connection normalized view of shared entities.
// Speculative edits are applied immediately and either superseded by an
// authoritative payload or rolled back to the exact pre-edit snapshot.
package cache

import (
	"fmt"
	"sort"
	"sync"
)

// Ref identifies an entity by kind and id.
type Ref struct {
	Kind string
	ID   string
}

type Fields map[string]any

// Entity is a point-in-time copy of an entity's known fields.
type Entity struct {
	Ref    Ref
	Fields Fields
}

// Change is a pending speculative mutation: the field edits it made, and the
// pre-change values needed to undo exactly those edits.
type Change struct {
	ID    string
	edits map[Ref]Fields
	prior map[Ref]priorState
}

type priorState struct {
	existed bool
	fields  map[string]fieldValue
}

type fieldValue struct {
	present bool
	value   any
}

func NewChange(id string) *Change {
	return &Change{
		ID:    id,
		edits: make(map[Ref]Fields),
		prior: make(map[Ref]priorState),
	}
}

// Edit records a field edit on the change. Later edits to the same field
// overwrite earlier ones within the same change.
func (c *Change) Edit(ref Ref, fields Fields) *Change {
	existing, ok := c.edits[ref]
	if !ok {
		existing = make(Fields, len(fields))
		c.edits[ref] = existing
	}
	for name, value := range fields {
		existing[name] = value
	}
	return c
}

// Refs returns the entities the change touches.
func (c *Change) Refs() []Ref {
	refs := make([]Ref, 0, len(c.edits))
	for ref := range c.edits {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].ID < refs[j].ID
	})
	return refs
}

type entityRecord struct {
	fields Fields
	// owners maps a field name to the id of the pending change whose
	// speculative value currently occupies it. Rollback only reverts
	// fields still owned by the rolled-back change.
	owners map[string]string
}

type Cache struct {
	mu       sync.Mutex
	entities map[Ref]*entityRecord
	pending  map[string]*Change
}

func New() *Cache {
	return &Cache{
		entities: make(map[Ref]*entityRecord),
		pending:  make(map[string]*Change),
	}
}

// ApplySpeculative merges the change's edits into the cached entities and
// records the change as pending. Snapshots of the overwritten values are
// taken so Rollback can restore them byte for byte.
func (c *Cache) ApplySpeculative(change *Change) error {
	if change == nil || change.ID == "" {
		return fmt.Errorf("change must have an id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[change.ID]; exists {
		return fmt.Errorf("change %s already pending", change.ID)
	}
	for ref, edits := range change.edits {
		rec, known := c.entities[ref]
		if !known {
			rec = &entityRecord{fields: make(Fields), owners: make(map[string]string)}
			c.entities[ref] = rec
		}
		snap := priorState{existed: known, fields: make(map[string]fieldValue, len(edits))}
		for name, value := range edits {
			prev, present := rec.fields[name]
			snap.fields[name] = fieldValue{present: present, value: prev}
			rec.fields[name] = value
			rec.owners[name] = change.ID
		}
		change.prior[ref] = snap
	}
	c.pending[change.ID] = change
	return nil
}

// Rollback restores the pre-change values for every field the given pending
// change still owns, then discards the change. Fields a later change has
// since overwritten are left alone.
func (c *Cache) Rollback(changeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	change, ok := c.pending[changeID]
	if !ok {
		return
	}
	for ref, snap := range change.prior {
		rec, known := c.entities[ref]
		if !known {
			continue
		}
		for name, prev := range snap.fields {
			if rec.owners[name] != changeID {
				continue
			}
			if prev.present {
				rec.fields[name] = prev.value
			} else {
				delete(rec.fields, name)
			}
			delete(rec.owners, name)
		}
		if !snap.existed && len(rec.fields) == 0 && len(rec.owners) == 0 {
			delete(c.entities, ref)
		}
	}
	delete(c.pending, changeID)
}

// Reconcile overwrites the cached entities with an authoritative payload.
// Fields present in the payload always win over speculative values; entities
// not previously known are inserted. When originChangeID names a pending
// change it is discarded in the same step: its optimistic effect is
// superseded, not rolled back and reapplied. Reconcile is idempotent.
func (c *Cache) Reconcile(entities []Entity, originChangeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entity := range entities {
		rec, known := c.entities[entity.Ref]
		if !known {
			rec = &entityRecord{fields: make(Fields), owners: make(map[string]string)}
			c.entities[entity.Ref] = rec
		}
		for name, value := range entity.Fields {
			rec.fields[name] = value
			delete(rec.owners, name)
		}
	}
	if originChangeID == "" {
		return
	}
	if _, ok := c.pending[originChangeID]; !ok {
		return
	}
	delete(c.pending, originChangeID)
	// The settled change no longer exists; release any fields it still
	// owned so a stale rollback cannot fire later.
	for _, rec := range c.entities {
		for name, owner := range rec.owners {
			if owner == originChangeID {
				delete(rec.owners, name)
			}
		}
	}
}

// Get returns a copy of the entity's fields.
func (c *Cache) Get(ref Ref) (Fields, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.entities[ref]
	if !ok {
		return nil, false
	}
	return copyFields(rec.fields), true
}

// PendingCount reports how many speculative changes are unsettled.
func (c *Cache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ListOrdered returns the entities of the given kind whose parentField equals
// parentID, sorted ascending by their sortKey field.
func (c *Cache) ListOrdered(kind, parentField, parentID string) []Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]Entity, 0)
	for ref, rec := range c.entities {
		if ref.Kind != kind {
			continue
		}
		if parent, _ := rec.fields[parentField].(string); parent != parentID {
			continue
		}
		items = append(items, Entity{Ref: ref, Fields: copyFields(rec.fields)})
	}
	sort.Slice(items, func(i, j int) bool {
		left := SortKey(items[i].Fields)
		right := SortKey(items[j].Fields)
		if left != right {
			return left < right
		}
		return items[i].Ref.ID < items[j].Ref.ID
	})
	return items
}

// SortKey extracts the numeric sortKey field, tolerating the float64 that
// JSON decoding produces as well as plain numeric literals.
func SortKey(fields Fields) float64 {
	switch v := fields["sortKey"].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

func copyFields(fields Fields) Fields {
	out := make(Fields, len(fields))
	for name, value := range fields {
		out[name] = value
	}
	return out
}
