package backup

import (
	"context"
	"testing"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/infrastructure/repositories/memory"
	"rillmix/pkg/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newBackupService(t *testing.T) *backup.BackupService {
	t.Helper()
	storage, err := backup.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return backup.NewBackupService(storage, "1")
}

func testLayout(session string, updated time.Time) *domain.Layout {
	return &domain.Layout{
		Session: session,
		Options: map[string]interface{}{"bgcolor": float64(0x102030)},
		Inputs: []domain.InputSpec{
			{ID: "cam", URL: "testsrc://?w=64&h=36", Options: map[string]interface{}{"z": float64(1)}},
		},
		Outputs:   []domain.OutputSpec{{ID: "live", URL: "rtmp://example.com/app/key"}},
		UpdatedAt: updated,
	}
}

func TestScheduler_RunOnce(t *testing.T) {
	ctx := context.Background()
	svc := newBackupService(t)
	repo := memory.NewLayoutRepository()
	sched := NewScheduler(svc, repo, "main", Config{Interval: time.Minute, Retention: time.Hour}, zaptest.NewLogger(t).Sugar())

	assert.Empty(t, sched.RunOnce(ctx), "nothing stored yet")

	updated := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.Save(ctx, testLayout("main", updated)))
	name := sched.RunOnce(ctx)
	require.NotEmpty(t, name)
	assert.Empty(t, sched.RunOnce(ctx), "unchanged layouts are not snapshotted again")

	names, err := svc.ListBackups(ctx, LayoutKind("main"))
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)
}

func TestRestoreService_RestoreLayout(t *testing.T) {
	ctx := context.Background()
	svc := newBackupService(t)
	repo := memory.NewLayoutRepository()
	logger := zaptest.NewLogger(t).Sugar()

	require.NoError(t, repo.Save(ctx, testLayout("main", time.Now())))
	name := NewScheduler(svc, repo, "main", Config{}, logger).RunOnce(ctx)
	require.NotEmpty(t, name)

	restore := NewRestoreService(svc, repo, logger)

	_, err := restore.RestoreLayout(ctx, "main", RestoreOptions{})
	assert.ErrorIs(t, err, ErrLayoutExists)

	require.NoError(t, repo.Delete(ctx, "main"))
	layout, err := restore.RestoreLayout(ctx, "main", RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, "main", layout.Session)
	require.Len(t, layout.Inputs, 1)
	assert.Equal(t, domain.InputID("cam"), layout.Inputs[0].ID)

	stored, err := repo.Load(ctx, "main")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "rtmp://example.com/app/key", stored.Outputs[0].URL)

	layout, err = restore.RestoreLayout(ctx, "main", RestoreOptions{Name: name, OverwriteExisting: true})
	require.NoError(t, err)
	assert.Len(t, layout.Outputs, 1)
}

func TestRestoreService_NoBackup(t *testing.T) {
	ctx := context.Background()
	restore := NewRestoreService(newBackupService(t), memory.NewLayoutRepository(), zaptest.NewLogger(t).Sugar())

	_, err := restore.RestoreLayout(ctx, "ghost", RestoreOptions{})
	assert.ErrorIs(t, err, backup.ErrNoBackup)

	before := time.Now().Add(-time.Hour)
	_, err = restore.RestoreLayout(ctx, "ghost", RestoreOptions{PointInTime: &before})
	assert.ErrorIs(t, err, backup.ErrNoBackup)
}
