package store

import (
	"context"
	"sync"

	"github.com/i474232898/discovergy-poller/internal/readings"
)

// MemorySink is a concurrency-safe in-memory Sink.
type MemorySink struct {
	mu sync.RWMutex

	// key: series, then period key
	data map[string]map[string][]readings.Row
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{data: make(map[string]map[string][]readings.Row)}
}

func (s *MemorySink) Name() string { return "memory" }

// Merge adds the rows whose timestamps the partition does not hold yet.
func (s *MemorySink) Merge(_ context.Context, series, key string, rows []readings.Row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts, ok := s.data[series]
	if !ok {
		parts = make(map[string][]readings.Row)
		s.data[series] = parts
	}
	merged, added := mergeRows(parts[key], rows)
	parts[key] = merged
	return added, nil
}

// Load returns a copy of the partition.
func (s *MemorySink) Load(_ context.Context, series, key string) ([]readings.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, ok := s.data[series][key]
	if !ok || len(rows) == 0 {
		return nil, ErrNotFound
	}
	return append([]readings.Row(nil), rows...), nil
}
