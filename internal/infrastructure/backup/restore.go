package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/pkg/backup"

	"go.uber.org/zap"
)

var ErrLayoutExists = errors.New("session already has a stored layout")

// RestoreService writes a snapshotted layout back into the repository,
// where the next mixer start picks it up.
type RestoreService struct {
	backupService *backup.BackupService
	repo          ports.LayoutRepository
	logger        *zap.SugaredLogger
}

func NewRestoreService(backupService *backup.BackupService, repo ports.LayoutRepository, logger *zap.SugaredLogger) *RestoreService {
	return &RestoreService{
		backupService: backupService,
		repo:          repo,
		logger:        logger,
	}
}

type RestoreOptions struct {
	// Name selects a snapshot; empty picks by PointInTime or the newest.
	Name              string
	OverwriteExisting bool
	PointInTime       *time.Time
}

// RestoreLayout restores a snapshot of session into the repository.
func (rs *RestoreService) RestoreLayout(ctx context.Context, session string, opts RestoreOptions) (*domain.Layout, error) {
	kind := LayoutKind(session)
	name := opts.Name
	var err error
	switch {
	case name != "":
	case opts.PointInTime != nil:
		name, err = rs.backupService.FindBefore(ctx, kind, *opts.PointInTime)
	default:
		name, err = rs.backupService.Latest(ctx, kind)
		if err == nil && name == "" {
			err = fmt.Errorf("session %q: %w", session, backup.ErrNoBackup)
		}
	}
	if err != nil {
		return nil, err
	}

	existing, err := rs.repo.Load(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("failed to load current layout: %w", err)
	}
	if existing != nil && !opts.OverwriteExisting {
		return nil, fmt.Errorf("session %q: %w", session, ErrLayoutExists)
	}

	var layout domain.Layout
	if _, err := rs.backupService.RestoreBackup(ctx, name, &layout); err != nil {
		return nil, err
	}
	layout.Session = session
	if err := rs.repo.Save(ctx, &layout); err != nil {
		return nil, fmt.Errorf("failed to save restored layout: %w", err)
	}

	rs.logger.Infow("layout restored",
		"session", session,
		"backup_name", name,
		"inputs", len(layout.Inputs),
		"outputs", len(layout.Outputs),
	)
	return &layout, nil
}
