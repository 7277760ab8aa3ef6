package auxdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/etienne-leroy/FTILlite/protocol"
)

// MemorySource answers registered queries from in-memory rows. It stands in
// for PostgreSQL in tests and local clusters.
type MemorySource struct {
	mu      sync.RWMutex
	results map[string][][]any
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{results: make(map[string][][]any)}
}

// Set registers the rows returned for query.
func (s *MemorySource) Set(query string, rows [][]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[query] = rows
}

// Read returns the rows registered for query.
func (s *MemorySource) Read(_ context.Context, query string, tcs []protocol.TypeCode) ([]Column, error) {
	s.mu.RLock()
	rows, ok := s.results[query]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown query %q", query)
	}

	cols, err := newColumns(tcs)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := appendRow(cols, row); err != nil {
			return nil, err
		}
	}
	return cols, nil
}
