package coordinator

import (
	"sync"

	"runlab/internal/exec/model"
)

// Store is the in-memory record of every execution this instance owns.
// Terminal states are immutable: a transition on a terminal record is
// refused, which makes races between natural completion, watcher breaches
// and cancellation resolve to whichever terminal write lands first.
type Store struct {
	mu    sync.Mutex
	execs map[string]*model.Execution
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{execs: make(map[string]*model.Execution)}
}

// Put inserts or replaces a record. Used only for the initial queued insert.
func (s *Store) Put(exec model.Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := exec
	s.execs[exec.ID] = &cp
}

// Get returns a copy of the record.
func (s *Store) Get(executionID string) (model.Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return model.Execution{}, false
	}
	return *exec, true
}

// Transition moves the record to the given status, applying mutate to fill
// the rest of the record under the same lock. It reports false, without
// side effects, when the record is missing or already terminal.
func (s *Store) Transition(executionID string, to model.ExecStatus, mutate func(*model.Execution)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok || exec.Status.IsTerminal() {
		return false
	}
	exec.Status = to
	if mutate != nil {
		mutate(exec)
	}
	return true
}

// Delete drops a record, typically after its retention linger.
func (s *Store) Delete(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execs, executionID)
}

// Len reports how many records are held. Test hook.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.execs)
}
