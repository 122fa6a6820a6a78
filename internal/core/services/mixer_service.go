package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/pkg/tracing"
	"rillmix/pkg/validation"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type mixerService struct {
	muxer   *Muxer
	repo    ports.LayoutRepository
	session string
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	inputs  map[domain.InputID]*domain.InputSpec
	outputs map[domain.OutputID]*domain.OutputSpec
	options map[string]interface{}
}

// NewMixerService exposes muxer as a control surface and persists every
// change of its layout under session. repo may be nil.
func NewMixerService(muxer *Muxer, repo ports.LayoutRepository, session string, logger *zap.SugaredLogger) ports.MixerService {
	return newMixerService(muxer, repo, session, logger)
}

func newMixerService(muxer *Muxer, repo ports.LayoutRepository, session string, logger *zap.SugaredLogger) *mixerService {
	return &mixerService{
		muxer:   muxer,
		repo:    repo,
		session: session,
		logger:  logger,
		inputs:  make(map[domain.InputID]*domain.InputSpec),
		outputs: make(map[domain.OutputID]*domain.OutputSpec),
		options: make(map[string]interface{}),
	}
}

// RestoreLayout re-creates the persisted inputs and outputs of session.
// Peer inputs are skipped; their publishers have to reconnect.
func RestoreLayout(ctx context.Context, svc ports.MixerService) error {
	s, ok := svc.(*mixerService)
	if !ok || s.repo == nil {
		return nil
	}
	layout, err := s.repo.Load(ctx, s.session)
	if err != nil {
		return fmt.Errorf("failed to load layout: %w", err)
	}
	if layout == nil {
		return nil
	}

	if len(layout.Options) > 0 {
		if err := s.SetOptions(ctx, layout.Options); err != nil {
			s.logger.Warnw("failed to restore mixer options", "error", err)
		}
	}
	for _, in := range layout.Inputs {
		if in.Peer {
			continue
		}
		if err := s.AddInput(ctx, in.ID, in.URL, in.Options); err != nil {
			s.logger.Warnw("failed to restore input", "input", in.ID, "error", err)
		}
	}
	for _, out := range layout.Outputs {
		if err := s.AddOutput(ctx, out.ID, out.URL, out.Options); err != nil {
			s.logger.Warnw("failed to restore output", "output", out.ID, "error", err)
		}
	}
	s.logger.Infow("layout restored", "session", s.session, "inputs", len(layout.Inputs), "outputs", len(layout.Outputs))
	return nil
}

func (s *mixerService) AddInput(ctx context.Context, id domain.InputID, url string, opts map[string]interface{}) error {
	ctx, span := tracing.TraceMixerOperation(ctx, "add_input", string(id))
	defer span.End()

	if id == "" {
		id = domain.InputID(uuid.NewString())
	}
	if err := validation.ValidateEntityID("input", string(id)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOption, err)
	}
	if err := validation.ValidateMediaURL(url); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnsupportedScheme, err)
	}

	if err := s.muxer.AddInput(id, url, opts); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	tracing.AddSpanAttributes(ctx, attribute.String("input.url", url))

	s.mu.Lock()
	s.inputs[id] = &domain.InputSpec{ID: id, URL: url, Options: copyOptions(opts), CreatedAt: time.Now()}
	s.mu.Unlock()
	s.persist(ctx)
	return nil
}

func (s *mixerService) AddStreamInput(ctx context.Context, id domain.InputID, stream ports.SinkAddRemover, opts map[string]interface{}) error {
	ctx, span := tracing.TraceMixerOperation(ctx, "add_stream_input", string(id))
	defer span.End()

	if id == "" {
		id = domain.InputID(uuid.NewString())
	}
	if err := validation.ValidateEntityID("input", string(id)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOption, err)
	}
	if err := s.muxer.AddStreamInput(id, stream, opts); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	s.mu.Lock()
	s.inputs[id] = &domain.InputSpec{ID: id, Peer: true, Options: copyOptions(opts), CreatedAt: time.Now()}
	s.mu.Unlock()
	s.persist(ctx)
	return nil
}

func (s *mixerService) SetInputOptions(ctx context.Context, id domain.InputID, opts map[string]interface{}) error {
	ctx, span := tracing.TraceMixerOperation(ctx, "set_input_options", string(id))
	defer span.End()

	if err := s.muxer.ModInputOption(id, opts); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	s.mu.Lock()
	if spec, ok := s.inputs[id]; ok {
		spec.Options = mergeOptions(spec.Options, opts)
	}
	s.mu.Unlock()
	s.persist(ctx)
	return nil
}

func (s *mixerService) RemoveInput(ctx context.Context, id domain.InputID) error {
	ctx, span := tracing.TraceMixerOperation(ctx, "remove_input", string(id))
	defer span.End()

	if err := s.muxer.RemoveInput(id); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	s.mu.Lock()
	delete(s.inputs, id)
	s.mu.Unlock()
	s.persist(ctx)
	return nil
}

func (s *mixerService) AddOutput(ctx context.Context, id domain.OutputID, url string, opts map[string]interface{}) error {
	ctx, span := tracing.TraceMixerOperation(ctx, "add_output", string(id))
	defer span.End()

	if id == "" {
		id = domain.OutputID(uuid.NewString())
	}
	if err := validation.ValidateEntityID("output", string(id)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOption, err)
	}
	if err := validation.ValidateMediaURL(url); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnsupportedScheme, err)
	}

	if err := s.muxer.AddOutput(id, url, opts); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	s.mu.Lock()
	s.outputs[id] = &domain.OutputSpec{ID: id, URL: url, Options: copyOptions(opts), CreatedAt: time.Now()}
	s.mu.Unlock()
	s.persist(ctx)
	return nil
}

func (s *mixerService) SetOutputOptions(ctx context.Context, id domain.OutputID, opts map[string]interface{}) error {
	ctx, span := tracing.TraceMixerOperation(ctx, "set_output_options", string(id))
	defer span.End()

	if err := s.muxer.ModOutputOption(id, opts); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	s.mu.Lock()
	if spec, ok := s.outputs[id]; ok {
		spec.Options = mergeOptions(spec.Options, opts)
	}
	s.mu.Unlock()
	s.persist(ctx)
	return nil
}

func (s *mixerService) RemoveOutput(ctx context.Context, id domain.OutputID) error {
	ctx, span := tracing.TraceMixerOperation(ctx, "remove_output", string(id))
	defer span.End()

	if err := s.muxer.RemoveOutput(id); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	s.mu.Lock()
	delete(s.outputs, id)
	s.mu.Unlock()
	s.persist(ctx)
	return nil
}

func (s *mixerService) SetOptions(ctx context.Context, opts map[string]interface{}) error {
	ctx, span := tracing.TraceMixerOperation(ctx, "set_options", s.session)
	defer span.End()

	if err := s.muxer.SetOptions(opts); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	s.mu.Lock()
	s.options = mergeOptions(s.options, opts)
	s.mu.Unlock()
	s.persist(ctx)
	return nil
}

func (s *mixerService) Stats(ctx context.Context) (*domain.MixerStats, error) {
	stats := s.muxer.Stats()
	return &stats, nil
}

// persist stores the current layout. Failures are logged; the mixer keeps
// running with the in-memory state.
func (s *mixerService) persist(ctx context.Context) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, s.snapshot()); err != nil {
		s.logger.Warnw("failed to persist layout", "session", s.session, "error", err)
	}
}

func (s *mixerService) snapshot() *domain.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()

	layout := &domain.Layout{
		Session:   s.session,
		Options:   copyOptions(s.options),
		Inputs:    make([]domain.InputSpec, 0, len(s.inputs)),
		Outputs:   make([]domain.OutputSpec, 0, len(s.outputs)),
		UpdatedAt: time.Now(),
	}
	for _, in := range s.inputs {
		layout.Inputs = append(layout.Inputs, *in)
	}
	for _, out := range s.outputs {
		layout.Outputs = append(layout.Outputs, *out)
	}
	sort.Slice(layout.Inputs, func(i, j int) bool {
		return layout.Inputs[i].CreatedAt.Before(layout.Inputs[j].CreatedAt)
	})
	sort.Slice(layout.Outputs, func(i, j int) bool {
		return layout.Outputs[i].CreatedAt.Before(layout.Outputs[j].CreatedAt)
	})
	return layout
}

func copyOptions(opts map[string]interface{}) map[string]interface{} {
	if len(opts) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(opts))
	for k, v := range opts {
		out[k] = v
	}
	return out
}

func mergeOptions(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
	return dst
}
