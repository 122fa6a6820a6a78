package main

import (
	"context"
	"fmt"
	"time"

	backupinfra "rillmix/internal/infrastructure/backup"
	"rillmix/internal/infrastructure/repositories"
	"rillmix/pkg/backup"
	"rillmix/pkg/config"
	"rillmix/pkg/logger"

	"github.com/spf13/cobra"
)

type restoreOptions struct {
	Session string
	Name    string
	At      string
	Force   bool
	List    bool
}

// newRestoreCommand writes a layout snapshot back into the repository.
// The mixer must be stopped; the restored layout applies on its next start.
func newRestoreCommand(root *rootOptions) *cobra.Command {
	opts := &restoreOptions{}

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a session layout from a backup snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.ConfigPath)
			if err != nil {
				return err
			}
			if opts.Session != "" {
				cfg.Control.Session = opts.Session
			}
			return runRestore(cmd, cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Session, "session", "", "session to restore (defaults to control.session)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "snapshot file name (defaults to the newest)")
	cmd.Flags().StringVar(&opts.At, "at", "", "restore the newest snapshot taken at or before this RFC3339 time")
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "overwrite a layout that is already stored")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list snapshots instead of restoring")
	return cmd
}

func runRestore(cmd *cobra.Command, cfg *config.Config, opts *restoreOptions) error {
	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	backups, err := newBackupService(cfg)
	if err != nil {
		return err
	}

	if opts.List {
		names, err := backups.ListBackups(ctx, backupinfra.LayoutKind(cfg.Control.Session))
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	}

	restoreOpts := backupinfra.RestoreOptions{Name: opts.Name, OverwriteExisting: opts.Force}
	if opts.At != "" {
		at, err := time.Parse(time.RFC3339, opts.At)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		restoreOpts.PointInTime = &at
	}

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		return fmt.Errorf("create repository factory: %w", err)
	}
	defer repoFactory.Close()

	layout, err := backupinfra.NewRestoreService(backups, repoFactory.LayoutRepository(), log).
		RestoreLayout(ctx, cfg.Control.Session, restoreOpts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "restored session %q: %d inputs, %d outputs\n", layout.Session, len(layout.Inputs), len(layout.Outputs))
	return nil
}

func newBackupService(cfg *config.Config) (*backup.BackupService, error) {
	storage, err := backup.NewFileStorage(cfg.Backup.Dir)
	if err != nil {
		return nil, err
	}
	return backup.NewBackupService(storage, version), nil
}
