package ports

import (
	"context"

	"rillmix/internal/core/domain"
)

type LayoutRepository interface {
	Save(ctx context.Context, layout *domain.Layout) error
	Load(ctx context.Context, session string) (*domain.Layout, error)
	Delete(ctx context.Context, session string) error
}
