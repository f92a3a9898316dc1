package gateway

import (
	"sync"

	"huddle/api/internal/cache"
)

// State tracks a mutation's two-phase lifecycle: applied speculatively, then
// either confirmed by an authoritative payload or rolled back.
type State int

const (
	Pending State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Mutation is the future handed back for every submitted change. Done is
// closed once the mutation settles; Err reports why a rollback happened.
type Mutation struct {
	CorrelationID string

	refs      []cache.Ref
	prev      []<-chan struct{}
	abandoned bool

	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
}

func newMutation(correlationID string, refs []cache.Ref) *Mutation {
	return &Mutation{
		CorrelationID: correlationID,
		refs:          refs,
		done:          make(chan struct{}),
	}
}

// Done is closed when the mutation is committed or rolled back.
func (m *Mutation) Done() <-chan struct{} {
	return m.done
}

func (m *Mutation) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mutation) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// settle transitions out of Pending exactly once.
func (m *Mutation) settle(state State, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Pending {
		return false
	}
	m.state = state
	m.err = err
	close(m.done)
	return true
}
