package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidName = errors.New("invalid backup name")

// FileStorage keeps snapshots as files in one directory.
type FileStorage struct {
	basePath string
}

func NewFileStorage(basePath string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &FileStorage{basePath: basePath}, nil
}

func (fs *FileStorage) path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(fs.basePath, name), nil
}

// Save writes to a temporary file and renames it into place, so a reader
// never sees a partial snapshot.
func (fs *FileStorage) Save(ctx context.Context, name string, data io.Reader) error {
	filePath, err := fs.path(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(fs.basePath, ".tmp-"+name+"-*")
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write backup data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close backup file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to move backup file: %w", err)
	}
	return nil
}

func (fs *FileStorage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	filePath, err := fs.path(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup file: %w", err)
	}
	return file, nil
}

// List returns the file names starting with prefix.
func (fs *FileStorage) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

func (fs *FileStorage) Delete(ctx context.Context, name string) error {
	filePath, err := fs.path(name)
	if err != nil {
		return err
	}
	return os.Remove(filePath)
}

var _ Storage = (*FileStorage)(nil)
