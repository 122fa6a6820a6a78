package flv

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"

	"go.uber.org/zap"
)

// FileSender records the published tag stream into a local FLV file.
type FileSender struct {
	path   string
	logger *zap.SugaredLogger

	mu       sync.Mutex
	file     *os.File
	buf      *bufio.Writer
	writer   *Writer
	packager *Packager
	state    domain.OutputState
}

// PathFromURL extracts the filesystem path of a file:// URL.
func PathFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("%q: %w", u.Scheme, domain.ErrUnsupportedScheme)
	}
	path := u.Host + u.Path
	if path == "" {
		return "", fmt.Errorf("file url without path: %w", domain.ErrInvalidOption)
	}
	return path, nil
}

// NewFileSender creates the file (and its directory) and writes the FLV
// header.
func NewFileSender(rawURL string, meta Meta, logger *zap.SugaredLogger) (*FileSender, error) {
	path, err := PathFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create flv file: %w", err)
	}

	buf := bufio.NewWriter(f)
	s := &FileSender{
		path:     path,
		logger:   logger.With("path", path),
		file:     f,
		buf:      buf,
		writer:   NewWriter(buf),
		packager: NewPackager(meta, false),
		state:    domain.StateStreaming,
	}
	if err := s.writer.WriteHeader(meta.Width > 0, meta.SampleRate > 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write flv header: %w", err)
	}
	s.logger.Infow("recording flv file")
	return s, nil
}

func (s *FileSender) Send(_ context.Context, pkt *domain.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return domain.ErrClosed
	}

	tags, err := s.packager.Package(pkt)
	if err != nil {
		return err
	}
	for _, t := range tags {
		if err := s.writer.WriteTag(t); err != nil {
			s.state = domain.StateDisconnected
			return fmt.Errorf("write flv tag: %w", err)
		}
	}
	return nil
}

func (s *FileSender) State() domain.OutputState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BytesWritten reports the file size so far, header included.
func (s *FileSender) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Written()
}

func (s *FileSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == domain.StateClosed {
		return domain.ErrClosed
	}
	s.state = domain.StateClosed
	err := errors.Join(s.buf.Flush(), s.file.Close())
	s.logger.Infow("flv file closed", "bytes", s.writer.Written())
	return err
}

var _ ports.Sender = (*FileSender)(nil)
