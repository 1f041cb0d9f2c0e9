package call

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quorumchat/calls/internal/domain"
)

var (
	ErrCallExists   = errors.New("call already exists")
	ErrCallNotFound = errors.New("call not found")
)

// Registry is the process-wide directory of live call machines. The critical
// section covers only insert, lookup and remove; machines serialize their own
// state.
type Registry struct {
	mu    sync.RWMutex
	calls map[domain.CallID]*Machine
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[domain.CallID]*Machine)}
}

func (r *Registry) Add(id domain.CallID, m *Machine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[id]; ok {
		return ErrCallExists
	}
	r.calls[id] = m
	log.Info().Str("module", "call.registry").Str("call", string(id)).Msg("call registered")
	return nil
}

func (r *Registry) Get(id domain.CallID) (*Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.calls[id]
	return m, ok
}

// Remove drops a call and stops its mailbox. Callers remove only after the
// machine reached a terminal state and teardown completed.
func (r *Registry) Remove(id domain.CallID) {
	r.mu.Lock()
	m, ok := r.calls[id]
	delete(r.calls, id)
	r.mu.Unlock()
	if ok {
		m.Close()
		log.Info().Str("module", "call.registry").Str("call", string(id)).Msg("call removed")
	}
}

func (r *Registry) List() []*Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Machine, 0, len(r.calls))
	for _, m := range r.calls {
		out = append(out, m)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}
