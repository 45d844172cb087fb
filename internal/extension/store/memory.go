package store

import (
	"context"
	"database/sql"
	"errors"
	"maps"
	"sync"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// MemoryToggles is an in-memory ToggleStore for tests and for running
// without a data directory.
type MemoryToggles struct {
	mu      sync.Mutex
	toggles map[string]bool
}

// NewMemoryToggles creates an empty in-memory toggle store.
func NewMemoryToggles() *MemoryToggles {
	return &MemoryToggles{toggles: make(map[string]bool)}
}

func (s *MemoryToggles) Load(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.toggles), nil
}

func (s *MemoryToggles) Save(ctx context.Context, toggles map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggles = maps.Clone(toggles)
	return nil
}
