// Package gateway orchestrates client-initiated mutations: a speculative
// write to the local cache, a request to the server of record, and
// reconciliation of the authoritative result or rollback on failure.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"huddle/api/internal/broadcast"
	"huddle/api/internal/cache"
	"huddle/api/internal/order"
)

const (
	ActionStartMeeting = "meeting.start"
	ActionEndMeeting   = "meeting.end"
	ActionReorderStage = "stage.reorder"
	ActionUpdateEntity = "entity.update"
)

const DefaultTimeout = 10 * time.Second

// seenLimit bounds the settled-correlation-id memory used for broadcast
// de-duplication.
const seenLimit = 256

var (
	// ErrTransient marks network failures and timeouts: the edit was
	// rolled back and is safe to retry.
	ErrTransient = errors.New("could not save")
	// ErrAbandoned marks mutations cancelled client-side before a
	// response arrived.
	ErrAbandoned = errors.New("mutation abandoned")
)

// RemoteError is a server-side rejection carried back through the transport.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Request is a mutation submission to the server of record.
type Request struct {
	ScopeID       string
	Action        string
	CorrelationID string
	Payload       map[string]any
}

// Response carries the authoritative event for an accepted mutation.
type Response struct {
	Event broadcast.Event
}

// Transport submits a mutation and waits for the server's verdict. A
// rejection comes back as a *RemoteError; any other error is treated as
// transient.
type Transport interface {
	Submit(ctx context.Context, req Request) (Response, error)
}

// Gateway owns one connection's cache and in-flight mutations. It is bound
// to a single scope for its lifetime.
type Gateway struct {
	scopeID   string
	cache     *cache.Cache
	alloc     *order.Allocator
	transport Transport
	timeout   time.Duration

	mu        sync.Mutex
	inflight  map[string]*Mutation
	lastByRef map[cache.Ref]*Mutation
	seen      map[string]struct{}
	seenOrder []string
}

func New(scopeID string, store *cache.Cache, alloc *order.Allocator, transport Transport, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gateway{
		scopeID:   scopeID,
		cache:     store,
		alloc:     alloc,
		transport: transport,
		timeout:   timeout,
		inflight:  make(map[string]*Mutation),
		lastByRef: make(map[cache.Ref]*Mutation),
		seen:      make(map[string]struct{}),
	}
}

// Cache exposes the gateway's view for reads.
func (g *Gateway) Cache() *cache.Cache {
	return g.cache
}

// Bootstrap seeds the cache from a scope snapshot taken at join time.
func (g *Gateway) Bootstrap(entities []broadcast.EntityPayload) {
	g.cache.Reconcile(entitiesFromPayload(entities), "")
}

// Reorder moves a stage to targetIndex within its meeting's stage list. The
// new sort key is visible locally before any network round trip. Moving a
// stage to its current position returns a nil mutation: no change is
// created and nothing is sent.
func (g *Gateway) Reorder(ctx context.Context, meetingID, stageID string, targetIndex int) (*Mutation, error) {
	stages := g.cache.ListOrdered("stage", "meetingId", meetingID)
	current := -1
	for i, stage := range stages {
		if stage.Ref.ID == stageID {
			current = i
			break
		}
	}
	if current < 0 {
		return nil, fmt.Errorf("stage %s not found in meeting %s", stageID, meetingID)
	}
	if targetIndex < 0 || targetIndex >= len(stages) {
		return nil, fmt.Errorf("target index %d out of range for %d stages", targetIndex, len(stages))
	}
	if targetIndex == current {
		return nil, nil
	}

	keys := make([]float64, 0, len(stages)-1)
	for i, stage := range stages {
		if i == current {
			continue
		}
		keys = append(keys, cache.SortKey(stage.Fields))
	}
	newKey, err := g.alloc.KeyAt(keys, targetIndex)
	if err != nil {
		return nil, err
	}

	ref := cache.Ref{Kind: "stage", ID: stageID}
	change := cache.NewChange(uuid.NewString()).Edit(ref, cache.Fields{"sortKey": newKey})
	return g.dispatch(ctx, change, ActionReorderStage, map[string]any{
		"meetingId": meetingID,
		"stageId":   stageID,
		"sortKey":   newKey,
	})
}

// MutateEntity applies field edits speculatively and submits them.
func (g *Gateway) MutateEntity(ctx context.Context, ref cache.Ref, fields cache.Fields) (*Mutation, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("no field edits")
	}
	change := cache.NewChange(uuid.NewString()).Edit(ref, fields)
	return g.dispatch(ctx, change, ActionUpdateEntity, map[string]any{
		"kind":   ref.Kind,
		"id":     ref.ID,
		"fields": map[string]any(fields),
	})
}

// StartSession asks the server to start a meeting of the given kind. No
// speculative entity is created: the meeting's identity is unknown until the
// authoritative payload arrives and reconciliation inserts it.
func (g *Gateway) StartSession(ctx context.Context, kind string) (*Mutation, error) {
	return g.dispatch(ctx, nil, ActionStartMeeting, map[string]any{"kind": kind})
}

// EndSession asks the server to end a meeting. The ended state lands via
// reconciliation like any other authoritative payload.
func (g *Gateway) EndSession(ctx context.Context, meetingID string) (*Mutation, error) {
	return g.dispatch(ctx, nil, ActionEndMeeting, map[string]any{"meetingId": meetingID})
}

func (g *Gateway) dispatch(ctx context.Context, change *cache.Change, action string, payload map[string]any) (*Mutation, error) {
	var correlationID string
	var refs []cache.Ref
	if change != nil {
		if err := g.cache.ApplySpeculative(change); err != nil {
			return nil, err
		}
		correlationID = change.ID
		refs = change.Refs()
	} else {
		correlationID = uuid.NewString()
	}

	m := newMutation(correlationID, refs)

	g.mu.Lock()
	for _, ref := range refs {
		if prev, ok := g.lastByRef[ref]; ok {
			m.prev = append(m.prev, prev.Done())
		}
		g.lastByRef[ref] = m
	}
	g.inflight[correlationID] = m
	g.mu.Unlock()

	go g.submit(ctx, m, Request{
		ScopeID:       g.scopeID,
		Action:        action,
		CorrelationID: correlationID,
		Payload:       payload,
	})
	return m, nil
}

func (g *Gateway) submit(ctx context.Context, m *Mutation, req Request) {
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	resp, err := g.transport.Submit(sctx, req)
	cancel()

	// Mutations touching the same entity reconcile in issue order.
	for _, prev := range m.prev {
		<-prev
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	defer g.retire(m)

	if err != nil {
		var remote *RemoteError
		if m.abandoned {
			// Interest already dropped; the rollback already ran.
			return
		}
		g.cache.Rollback(m.CorrelationID)
		if errors.As(err, &remote) {
			m.settle(RolledBack, remote)
		} else {
			m.settle(RolledBack, fmt.Errorf("%w: %v", ErrTransient, err))
		}
		return
	}

	if m.abandoned {
		// The request was not cancelled server-side; the authoritative
		// values still land in the shared cache.
		g.cache.Reconcile(entitiesFromPayload(resp.Event.Entities), "")
		return
	}
	if m.settle(Committed, nil) {
		g.cache.Reconcile(entitiesFromPayload(resp.Event.Entities), m.CorrelationID)
	}
}

// retire drops the in-flight entry and remembers the correlation id so a
// redundant broadcast delivery is not applied a second time. Callers hold
// g.mu.
func (g *Gateway) retire(m *Mutation) {
	delete(g.inflight, m.CorrelationID)
	g.seen[m.CorrelationID] = struct{}{}
	g.seenOrder = append(g.seenOrder, m.CorrelationID)
	for len(g.seenOrder) > seenLimit {
		delete(g.seen, g.seenOrder[0])
		g.seenOrder = g.seenOrder[1:]
	}
}

// Abandon drops client-side interest in a pending mutation, rolling back its
// speculative effect. The server request keeps running; if a response or
// broadcast arrives later its payload is still reconciled.
func (g *Gateway) Abandon(m *Mutation) {
	if m == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if m.State() != Pending {
		return
	}
	m.abandoned = true
	g.cache.Rollback(m.CorrelationID)
	m.settle(RolledBack, ErrAbandoned)
}

// HandleEvent reconciles a broadcast event into the cache. Events carrying a
// correlation id this gateway originated and already settled are skipped:
// their effect is present (committed) or intentionally gone (rolled back).
func (g *Gateway) HandleEvent(evt broadcast.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if evt.CorrelationID != "" {
		if m, ok := g.inflight[evt.CorrelationID]; ok {
			// Broadcast outran the response.
			if m.abandoned {
				g.cache.Reconcile(entitiesFromPayload(evt.Entities), "")
				return
			}
			if m.settle(Committed, nil) {
				g.cache.Reconcile(entitiesFromPayload(evt.Entities), m.CorrelationID)
			}
			return
		}
		if _, dup := g.seen[evt.CorrelationID]; dup {
			return
		}
	}
	g.cache.Reconcile(entitiesFromPayload(evt.Entities), "")
}

// Run consumes a subscription until the context ends or the stream closes.
func (g *Gateway) Run(ctx context.Context, sub *broadcast.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			g.HandleEvent(evt)
		}
	}
}

func entitiesFromPayload(payload []broadcast.EntityPayload) []cache.Entity {
	entities := make([]cache.Entity, 0, len(payload))
	for _, p := range payload {
		entities = append(entities, cache.Entity{
			Ref:    cache.Ref{Kind: p.Kind, ID: p.ID},
			Fields: cache.Fields(p.Fields),
		})
	}
	return entities
}
