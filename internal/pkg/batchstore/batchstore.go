// Package batchstore persists the batch collection so a restart or a
// second replica sees the same items and statuses.
package batchstore

import (
	"context"
	"sync"

	"github.com/mx-space/imagetag/internal/models"
)

// Store keeps batch items in insertion order.
type Store interface {
	// Replace drops the current collection and stores items.
	Replace(ctx context.Context, items []models.BatchItem) error
	// Save upserts one item, keeping its position.
	Save(ctx context.Context, item models.BatchItem) error
	List(ctx context.Context) ([]models.BatchItem, error)
	Clear(ctx context.Context) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	items map[string]models.BatchItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]models.BatchItem)}
}

func (s *MemoryStore) Replace(_ context.Context, items []models.BatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = make([]string, 0, len(items))
	s.items = make(map[string]models.BatchItem, len(items))
	for _, item := range items {
		if _, dup := s.items[item.ID]; !dup {
			s.order = append(s.order, item.ID)
		}
		s.items[item.ID] = item
	}
	return nil
}

func (s *MemoryStore) Save(_ context.Context, item models.BatchItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		s.order = append(s.order, item.ID)
	}
	s.items[item.ID] = item
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]models.BatchItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BatchItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	return s.Replace(ctx, nil)
}
