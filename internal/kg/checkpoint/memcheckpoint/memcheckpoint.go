// Package memcheckpoint is an in-memory checkpoint.Store for tests.
package memcheckpoint

import (
	"context"
	"sync"

	"manifold/internal/kg/checkpoint"
)

type Store struct {
	mu    sync.Mutex
	state map[string]checkpoint.State
}

func New() *Store { return &Store{state: make(map[string]checkpoint.State)} }

func (s *Store) Load(ctx context.Context, jobID, fingerprint string) (checkpoint.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[jobID]
	if !ok {
		return checkpoint.State{}, false, nil
	}
	if st.InputFingerprint != fingerprint {
		return checkpoint.State{}, false, checkpoint.ErrFingerprintMismatch
	}
	return st, true, nil
}

func (s *Store) Save(ctx context.Context, state checkpoint.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[state.JobID] = state
	return nil
}

func (s *Store) Clear(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, jobID)
	return nil
}
