// Package memvocab is an in-memory vocabulary.Store, used in tests and as
// a reference implementation of the port.
package memvocab

import (
	"context"
	"sync"
	"time"

	"manifold/internal/kg/vocabulary"
)

type Store struct {
	mu      sync.Mutex
	entries map[string]vocabulary.Entry
	edges   []edge
	skipped map[string]int
	audit   []vocabulary.AuditRow
}

type edge struct {
	From, To, RelType string
}

func New() *Store {
	return &Store{entries: make(map[string]vocabulary.Entry), skipped: make(map[string]int)}
}

// SeedEdge registers a relationship edge for RewriteEdgeType tests.
func (s *Store) SeedEdge(from, to, relType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, edge{from, to, relType})
}

func (s *Store) EdgesOfType(relType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.edges {
		if e.RelType == relType {
			n++
		}
	}
	return n
}

func (s *Store) ListActive(ctx context.Context) ([]vocabulary.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []vocabulary.Entry
	for _, e := range s.entries {
		if e.IsActive {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, relType string) (vocabulary.Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[relType]
	return e, ok, nil
}

func (s *Store) Add(ctx context.Context, e vocabulary.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.IsActive = true
	s.entries[e.RelType] = e
	return nil
}

func (s *Store) Deactivate(ctx context.Context, relType, target, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[relType]
	if !ok {
		e = vocabulary.Entry{RelType: relType}
	}
	e.IsActive = false
	e.DeprecationReason = reason
	s.entries[relType] = e

	tgt, ok := s.entries[target]
	if !ok {
		tgt = vocabulary.Entry{RelType: target, IsActive: true}
	}
	tgt.Synonyms = appendUnique(tgt.Synonyms, relType)
	// transitively flatten: anything that already points at relType now
	// points at target directly.
	for k, v := range s.entries {
		for i, syn := range v.Synonyms {
			if syn == relType {
				v.Synonyms[i] = target
				s.entries[k] = v
			}
		}
	}
	tgt.Synonyms = appendUnique(tgt.Synonyms, e.Synonyms...)
	s.entries[target] = tgt
	return nil
}

// Prune deactivates relType and drops its edges, with no surviving target.
func (s *Store) Prune(ctx context.Context, relType, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[relType]
	if !ok {
		e = vocabulary.Entry{RelType: relType}
	}
	e.IsActive = false
	e.DeprecationReason = reason
	s.entries[relType] = e

	kept := s.edges[:0]
	for _, ed := range s.edges {
		if ed.RelType != relType {
			kept = append(kept, ed)
		}
	}
	s.edges = kept
	return nil
}

func appendUnique(list []string, vals ...string) []string {
	seen := make(map[string]bool, len(list))
	for _, v := range list {
		seen[v] = true
	}
	for _, v := range vals {
		if !seen[v] {
			list = append(list, v)
			seen[v] = true
		}
	}
	return list
}

func (s *Store) RewriteEdgeType(ctx context.Context, fromType, toType string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i, e := range s.edges {
		if e.RelType == fromType {
			s.edges[i].RelType = toType
			n++
		}
	}
	return n, nil
}

func (s *Store) RecordSkipped(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped[name]++
	return nil
}

func (s *Store) SkippedCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped[name]
}

func (s *Store) AppendAudit(ctx context.Context, row vocabulary.AuditRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, row)
	return nil
}

func (s *Store) Audit() []vocabulary.AuditRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]vocabulary.AuditRow, len(s.audit))
	copy(out, s.audit)
	return out
}
