package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

type LayoutRepository struct {
	client *redis.Client
	keys   Keys
}

func NewLayoutRepository(client *redis.Client, namespace string) *LayoutRepository {
	return &LayoutRepository{client: client, keys: NewKeys(namespace)}
}

func (r *LayoutRepository) Save(ctx context.Context, layout *domain.Layout) error {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "save_layout", "redis")
	defer span.End()

	data, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("failed to marshal layout: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keys.Layout(layout.Session), data, 0)
		pipe.SAdd(ctx, r.keys.Sessions(), layout.Session)
		return nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to save layout in Redis: %w", err)
	}
	return nil
}

func (r *LayoutRepository) Load(ctx context.Context, session string) (*domain.Layout, error) {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "load_layout", "redis")
	defer span.End()

	data, err := r.client.Get(ctx, r.keys.Layout(session)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("failed to get layout from Redis: %w", err)
	}

	var layout domain.Layout
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, fmt.Errorf("failed to unmarshal layout: %w", err)
	}
	return &layout, nil
}

func (r *LayoutRepository) Delete(ctx context.Context, session string) error {
	ctx, span := tracing.TraceRepositoryOperation(ctx, "delete_layout", "redis")
	defer span.End()

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.keys.Layout(session))
		pipe.SRem(ctx, r.keys.Sessions(), session)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete layout from Redis: %w", err)
	}
	return nil
}

// Sessions lists every session with a stored layout.
func (r *LayoutRepository) Sessions(ctx context.Context) ([]string, error) {
	return r.client.SMembers(ctx, r.keys.Sessions()).Result()
}

var _ ports.LayoutRepository = (*LayoutRepository)(nil)
