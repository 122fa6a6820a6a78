package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/pkg/tracing"

	bolt "go.etcd.io/bbolt"
)

const layoutsBucket = "layouts_v1"

// LayoutRepository stores one JSON layout per session in a bbolt file.
type LayoutRepository struct {
	db *bolt.DB
}

func Open(path string) (*LayoutRepository, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open layout db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(layoutsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create layouts bucket: %w", err)
	}
	return &LayoutRepository{db: db}, nil
}

func (r *LayoutRepository) Save(ctx context.Context, layout *domain.Layout) error {
	_, span := tracing.TraceRepositoryOperation(ctx, "save_layout", "bolt")
	defer span.End()

	data, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("failed to marshal layout: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(layoutsBucket)).Put([]byte(layout.Session), data)
	})
}

// Load returns nil without error for an unknown session.
func (r *LayoutRepository) Load(ctx context.Context, session string) (*domain.Layout, error) {
	_, span := tracing.TraceRepositoryOperation(ctx, "load_layout", "bolt")
	defer span.End()

	var layout *domain.Layout
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(layoutsBucket)).Get([]byte(session))
		if data == nil {
			return nil
		}
		layout = &domain.Layout{}
		return json.Unmarshal(data, layout)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load layout: %w", err)
	}
	return layout, nil
}

func (r *LayoutRepository) Delete(ctx context.Context, session string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(layoutsBucket)).Delete([]byte(session))
	})
}

// Sessions lists every session with a stored layout.
func (r *LayoutRepository) Sessions() ([]string, error) {
	var sessions []string
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(layoutsBucket)).ForEach(func(k, _ []byte) error {
			sessions = append(sessions, string(k))
			return nil
		})
	})
	return sessions, err
}

func (r *LayoutRepository) Close() error {
	return r.db.Close()
}

var _ ports.LayoutRepository = (*LayoutRepository)(nil)
