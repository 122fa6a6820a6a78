package rtmp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/internal/infrastructure/flv"
	"rillmix/pkg/circuitbreaker"
	"rillmix/pkg/retry"
	"rillmix/pkg/utils"

	"go.uber.org/zap"
)

// SenderConfig controls connection setup and reconnect policy.
type SenderConfig struct {
	Dial    DialConfig
	Retry   retry.Config
	Breaker circuitbreaker.Config
	Meta    flv.Meta
}

func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Dial:    DialConfig{DialTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, ChunkSize: PublishChunkSize},
		Retry:   retry.DefaultConfig(),
		Breaker: circuitbreaker.DefaultConfig(),
	}
}

type publishFunc func(ctx context.Context, ep Endpoint, cfg DialConfig, logger *zap.SugaredLogger) (*Conn, error)

// Sender publishes packets to one RTMP endpoint. It connects on the first
// packet and reconnects after a write failure; while the endpoint keeps
// failing the circuit breaker makes Send drop packets without dialing.
type Sender struct {
	ep      Endpoint
	cfg     SenderConfig
	logger  *zap.SugaredLogger
	breaker *circuitbreaker.CircuitBreaker
	publish publishFunc

	ctx    context.Context
	cancel context.CancelFunc

	state      atomic.Value
	reconnects atomic.Uint64
	live       atomic.Pointer[Conn]

	mu        sync.Mutex
	conn      *Conn
	packager  *flv.Packager
	connected bool
	closed    bool
}

func NewSender(rawURL string, cfg SenderConfig, logger *zap.SugaredLogger) (*Sender, error) {
	ep, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		ep:       ep,
		cfg:      cfg,
		logger:   logger.With("url", utils.RedactURL(rawURL)),
		breaker:  circuitbreaker.New(cfg.Breaker),
		publish:  Publish,
		ctx:      ctx,
		cancel:   cancel,
		packager: flv.NewPackager(cfg.Meta, true),
	}
	s.state.Store(domain.StateDisconnected)
	s.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		s.logger.Warnw("rtmp circuit breaker state changed", "from", from.String(), "to", to.String())
	})
	return s, nil
}

// Send packages pkt into FLV tags and writes them. A packet that cannot be
// packaged is dropped alone; a write failure drops the connection and
// returns an error wrapping domain.ErrNotConnected.
func (s *Sender) Send(ctx context.Context, pkt *domain.Packet) error {
	switch pkt.Codec {
	case domain.CodecH264, domain.CodecAAC:
	default:
		return fmt.Errorf("rtmp cannot carry %s: %w", pkt.Codec, domain.ErrUnsupportedCodec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrClosed
	}
	if s.conn == nil {
		if err := s.connectLocked(ctx); err != nil {
			return err
		}
	}

	tags, err := s.packager.Package(pkt)
	if err != nil {
		return err
	}
	for _, t := range tags {
		if err := s.conn.WriteTag(t); err != nil {
			s.dropLocked(err)
			return fmt.Errorf("rtmp write: %v: %w", err, domain.ErrNotConnected)
		}
	}
	return nil
}

func (s *Sender) connectLocked(ctx context.Context) error {
	if !s.breaker.Allow() {
		s.setState(domain.StateReconnecting)
		return fmt.Errorf("%w: %w, retry in %s", domain.ErrNotConnected, circuitbreaker.ErrOpen, s.breaker.RetryAfter().Round(time.Millisecond))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	var conn *Conn
	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		s.setState(domain.StateHandshaking)
		c, err := s.publish(ctx, s.ep, s.cfg.Dial, s.logger)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		s.setState(domain.StateReconnecting)
		s.logger.Warnw("rtmp connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	})
	s.breaker.Record(err)
	if err != nil {
		s.setState(domain.StateReconnecting)
		s.logger.Errorw("rtmp connect failed", "error", err)
		return fmt.Errorf("%w: %w", domain.ErrNotConnected, err)
	}

	if s.connected {
		s.reconnects.Add(1)
		s.logger.Infow("rtmp reconnected", "reconnects", s.reconnects.Load())
	}
	s.connected = true
	s.conn = conn
	s.live.Store(conn)
	s.packager.Reset()
	s.setState(domain.StateStreaming)
	return nil
}

func (s *Sender) dropLocked(cause error) {
	s.logger.Warnw("rtmp connection lost", "error", cause)
	_ = s.conn.Close()
	s.conn = nil
	s.live.Store(nil)
	s.packager.Reset()
	s.breaker.Record(cause)
	s.setState(domain.StateReconnecting)
}

func (s *Sender) setState(st domain.OutputState) {
	s.state.Store(st)
}

func (s *Sender) State() domain.OutputState {
	return s.state.Load().(domain.OutputState)
}

// Reconnects counts successful connects after the first one.
func (s *Sender) Reconnects() uint64 {
	return s.reconnects.Load()
}

// Close aborts a pending connect and closes the connection, failing a
// write that is blocked in Send. A second Close returns domain.ErrClosed.
func (s *Sender) Close() error {
	s.cancel()
	if c := s.live.Load(); c != nil {
		_ = c.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	s.closed = true
	s.setState(domain.StateClosed)

	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
		s.live.Store(nil)
	}
	if err != nil && !errors.Is(err, ErrConnClosed) {
		return err
	}
	s.logger.Infow("rtmp sender closed")
	return nil
}

var _ ports.Sender = (*Sender)(nil)
