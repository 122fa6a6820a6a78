package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const (
	namePrefix = "backup-"
	nameSuffix = ".json"
	kindSep    = "@"
	timeLayout = "20060102-150405.000"
)

var (
	ErrInvalidBackup = errors.New("invalid backup")
	ErrNoBackup      = errors.New("no backup found")
)

// BackupData is one snapshot. Payload holds the caller's state as JSON.
type BackupData struct {
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	Payload   json.RawMessage        `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupService handles backup operations
type BackupService struct {
	storage Storage
	version string
	now     func() time.Time
}

func NewBackupService(storage Storage, version string) *BackupService {
	return &BackupService{
		storage: storage,
		version: version,
		now:     time.Now,
	}
}

// CreateBackup encodes v as a snapshot of kind and stores it under a
// timestamped name, which is returned.
func (bs *BackupService) CreateBackup(ctx context.Context, kind string, v interface{}, metadata map[string]interface{}) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup payload: %w", err)
	}

	data := BackupData{
		Version:   bs.version,
		Timestamp: bs.now().UTC(),
		Kind:      kind,
		Payload:   payload,
		Metadata:  metadata,
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup data: %w", err)
	}

	name := backupName(kind, data.Timestamp)
	if err := bs.storage.Save(ctx, name, bytes.NewReader(encoded)); err != nil {
		return "", fmt.Errorf("failed to save backup: %w", err)
	}
	return name, nil
}

// RestoreBackup loads the snapshot name and decodes its payload into v.
func (bs *BackupService) RestoreBackup(ctx context.Context, name string, v interface{}) (*BackupData, error) {
	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup data: %w", err)
	}

	var data BackupData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if data.Version == "" || len(data.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing version or payload", ErrInvalidBackup)
	}
	if v != nil {
		if err := json.Unmarshal(data.Payload, v); err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrInvalidBackup, err)
		}
	}
	return &data, nil
}

// ListBackups returns the snapshots of kind, oldest first.
func (bs *BackupService) ListBackups(ctx context.Context, kind string) ([]string, error) {
	names, err := bs.storage.List(ctx, namePrefix+kind+kindSep)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Latest returns the newest snapshot of kind, or "" when there is none.
func (bs *BackupService) Latest(ctx context.Context, kind string) (string, error) {
	names, err := bs.ListBackups(ctx, kind)
	if err != nil || len(names) == 0 {
		return "", err
	}
	return names[len(names)-1], nil
}

// FindBefore returns the newest snapshot of kind taken at or before t.
func (bs *BackupService) FindBefore(ctx context.Context, kind string, t time.Time) (string, error) {
	names, err := bs.ListBackups(ctx, kind)
	if err != nil {
		return "", err
	}
	for i := len(names) - 1; i >= 0; i-- {
		if ts, ok := parseTimestamp(kind, names[i]); ok && !ts.After(t) {
			return names[i], nil
		}
	}
	return "", fmt.Errorf("no %s backup at or before %s: %w", kind, t.Format(time.RFC3339), ErrNoBackup)
}

func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}

// Prune deletes snapshots of kind taken before cutoff, always keeping the
// newest one. It returns the deleted names.
func (bs *BackupService) Prune(ctx context.Context, kind string, cutoff time.Time) ([]string, error) {
	names, err := bs.ListBackups(ctx, kind)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for i, name := range names {
		if i == len(names)-1 {
			break
		}
		ts, ok := parseTimestamp(kind, name)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if err := bs.storage.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("failed to delete %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}

func backupName(kind string, ts time.Time) string {
	return namePrefix + kind + kindSep + ts.Format(timeLayout) + nameSuffix
}

func parseTimestamp(kind, name string) (time.Time, bool) {
	s := strings.TrimPrefix(name, namePrefix+kind+kindSep)
	s = strings.TrimSuffix(s, nameSuffix)
	ts, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
