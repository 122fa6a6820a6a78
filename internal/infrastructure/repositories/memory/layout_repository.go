package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
)

// LayoutRepository keeps layouts for the lifetime of the process. Stored
// values are copied so callers never share maps with the repository.
type LayoutRepository struct {
	layouts map[string][]byte
	mu      sync.RWMutex
}

func NewLayoutRepository() *LayoutRepository {
	return &LayoutRepository{
		layouts: make(map[string][]byte),
	}
}

func (r *LayoutRepository) Save(ctx context.Context, layout *domain.Layout) error {
	data, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("failed to marshal layout: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.layouts[layout.Session] = data
	return nil
}

// Load returns nil without error for an unknown session.
func (r *LayoutRepository) Load(ctx context.Context, session string) (*domain.Layout, error) {
	r.mu.RLock()
	data, ok := r.layouts[session]
	r.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var layout domain.Layout
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal layout: %w", err)
	}
	return &layout, nil
}

func (r *LayoutRepository) Delete(ctx context.Context, session string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.layouts, session)
	return nil
}

var _ ports.LayoutRepository = (*LayoutRepository)(nil)
