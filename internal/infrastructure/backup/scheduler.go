package backup

import (
	"context"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/pkg/backup"

	"go.uber.org/zap"
)

// Scheduler periodically snapshots the persisted layout of one session.
type Scheduler struct {
	backupService *backup.BackupService
	repo          ports.LayoutRepository
	session       string
	interval      time.Duration
	retention     time.Duration
	logger        *zap.SugaredLogger

	lastUpdated time.Time
}

type Config struct {
	Interval time.Duration
	// Retention is how long snapshots are kept. The newest snapshot
	// survives pruning regardless.
	Retention time.Duration
}

func NewScheduler(backupService *backup.BackupService, repo ports.LayoutRepository, session string, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Scheduler{
		backupService: backupService,
		repo:          repo,
		session:       session,
		interval:      cfg.Interval,
		retention:     cfg.Retention,
		logger:        logger,
	}
}

// LayoutKind names the snapshots of session.
func LayoutKind(session string) string {
	return "layout." + session
}

// Start snapshots once, then every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce snapshots the layout if it changed since the previous snapshot
// and prunes expired ones. It returns the new snapshot name, if any.
func (s *Scheduler) RunOnce(ctx context.Context) string {
	layout, err := s.repo.Load(ctx, s.session)
	if err != nil {
		s.logger.Errorw("failed to load layout for backup", "session", s.session, "error", err)
		return ""
	}
	if layout == nil || layout.UpdatedAt.Equal(s.lastUpdated) {
		return ""
	}

	name, err := s.backupService.CreateBackup(ctx, LayoutKind(s.session), layout, metadata(layout))
	if err != nil {
		s.logger.Errorw("failed to create backup", "session", s.session, "error", err)
		return ""
	}
	s.lastUpdated = layout.UpdatedAt
	s.logger.Infow("layout backup created", "session", s.session, "backup_name", name)

	if s.retention > 0 {
		deleted, err := s.backupService.Prune(ctx, LayoutKind(s.session), time.Now().Add(-s.retention))
		if err != nil {
			s.logger.Warnw("failed to prune old backups", "error", err)
		}
		for _, d := range deleted {
			s.logger.Infow("deleted old backup", "backup_name", d)
		}
	}
	return name
}

func metadata(layout *domain.Layout) map[string]interface{} {
	return map[string]interface{}{
		"input_count":  len(layout.Inputs),
		"output_count": len(layout.Outputs),
		"backup_type":  "scheduled",
	}
}
