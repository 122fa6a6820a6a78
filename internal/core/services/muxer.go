package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/pkg/option"

	"go.uber.org/zap"
)

type MuxerConfig struct {
	Width     int
	Height    int
	VideoTick time.Duration
	AudioTick time.Duration
	// PacingLimit is the audio queue depth an input needs before it is
	// mixed on a tick.
	PacingLimit int
	BgColor     int
	AutoLayout  bool

	Input  InputConfig
	Output OutputConfig
}

func DefaultMuxerConfig() MuxerConfig {
	return MuxerConfig{
		Width:       1280,
		Height:      720,
		VideoTick:   domain.VideoTick,
		AudioTick:   domain.AudioFrameDuration() / 2,
		PacingLimit: 3,
		BgColor:     domain.DefaultBgColor,
		AutoLayout:  true,
		Input:       DefaultInputConfig(),
		Output:      DefaultOutputConfig(),
	}
}

type MuxerDeps struct {
	Codecs      ports.CodecFactory
	Receivers   ports.ReceiverFactory
	Resamplers  ports.ResamplerFactory
	Senders     ports.SenderFactory
	NewRescaler func() ports.Rescaler
	Metrics     ports.MixerMetrics
}

// Muxer owns the inputs and outputs of one session and drives the video
// and audio ticks between them.
type Muxer struct {
	*option.Map

	cfg    MuxerConfig
	deps   MuxerDeps
	logger *zap.SugaredLogger

	compositor *Compositor
	mixer      *AudioMixer
	clock      *Clock
	layout     *GridLayout

	inputsMu   sync.RWMutex
	inputs     map[domain.InputID]*Input
	inputOrder []domain.InputID
	autoPlaced map[domain.InputID]bool

	outputsMu sync.RWMutex
	outputs   map[domain.OutputID]*Output

	videoComposed atomic.Uint64
	audioMixed    atomic.Uint64

	runMu     sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time
}

func NewMuxer(cfg MuxerConfig, deps MuxerDeps, logger *zap.SugaredLogger) (*Muxer, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("canvas %dx%d: %w", cfg.Width, cfg.Height, domain.ErrInvalidDimensions)
	}
	if cfg.VideoTick <= 0 {
		cfg.VideoTick = domain.VideoTick
	}
	if cfg.AudioTick <= 0 {
		cfg.AudioTick = domain.AudioFrameDuration() / 2
	}
	if cfg.PacingLimit <= 0 {
		cfg.PacingLimit = 1
	}
	deps.Metrics = metricsOrNoop(deps.Metrics)

	compositor, err := NewCompositor(cfg.Width, cfg.Height, deps.NewRescaler, logger.With("component", "compositor"))
	if err != nil {
		return nil, err
	}

	m := &Muxer{
		Map:        option.New(),
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		compositor: compositor,
		mixer:      NewAudioMixer(cfg.Input.Channels, logger.With("component", "mixer")),
		clock:      NewClock(),
		layout:     NewGridLayout(cfg.Width, cfg.Height),
		inputs:     make(map[domain.InputID]*Input),
		autoPlaced: make(map[domain.InputID]bool),
		outputs:    make(map[domain.OutputID]*Output),
	}
	m.SetInt(domain.OptBgColor, cfg.BgColor)
	return m, nil
}

// Start launches the video and audio tick loops.
func (m *Muxer) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return errors.New("muxer already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.startedAt = time.Now()

	m.wg.Add(2)
	go m.loop(ctx, m.cfg.VideoTick, m.MixVideo)
	go m.loop(ctx, m.cfg.AudioTick, m.MixAudio)

	m.logger.Infow("muxer started",
		"width", m.cfg.Width,
		"height", m.cfg.Height,
		"video_tick", m.cfg.VideoTick,
		"audio_tick", m.cfg.AudioTick,
	)
	return nil
}

// Stop ends both loops, then stops every input and output.
func (m *Muxer) Stop() {
	m.runMu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		m.cancel = nil
	}
	m.runMu.Unlock()

	m.inputsMu.Lock()
	inputs := m.inputs
	m.inputs = make(map[domain.InputID]*Input)
	m.inputOrder = nil
	m.inputsMu.Unlock()
	for _, in := range inputs {
		in.Stop()
	}

	m.outputsMu.Lock()
	outputs := m.outputs
	m.outputs = make(map[domain.OutputID]*Output)
	m.outputsMu.Unlock()
	for _, o := range outputs {
		o.Stop()
	}
	m.logger.Infow("muxer stopped")
}

func (m *Muxer) loop(ctx context.Context, every time.Duration, tick func() bool) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// MixVideo composes one canvas from every visible input and feeds it to
// the outputs. It reports whether a frame was produced.
func (m *Muxer) MixVideo() bool {
	if m.Bool(domain.OptAudioOnly) {
		return false
	}

	layers := m.gatherLayers()
	if len(layers) == 0 {
		return false
	}

	start := time.Now()
	canvas, err := m.compositor.Compose(layers, m.IntOr(domain.OptBgColor, m.cfg.BgColor))
	if err != nil {
		m.logger.Errorw("compose failed", "error", err)
		return false
	}
	m.FeedOutputs(canvas)
	canvas.Release()

	m.videoComposed.Add(1)
	m.deps.Metrics.RecordVideoComposed(time.Since(start).Seconds())
	return true
}

func (m *Muxer) gatherLayers() []Layer {
	inputs := m.orderedInputs()
	layers := make([]Layer, 0, len(inputs))
	for _, in := range inputs {
		if in.Bool(domain.OptHidden) {
			continue
		}
		f, _, ok := in.GetVideo()
		if !ok {
			continue
		}

		w, h := in.TargetSize(f)
		scaled, err := m.compositor.Scale(string(in.ID()), f, w, h)
		if err != nil {
			m.logger.Warnw("rescale failed, skipping input", "input", in.ID(), "w", w, "h", h, "error", err)
			continue
		}
		layers = append(layers, Layer{
			Frame: scaled,
			X:     in.IntOr(domain.OptX, f.X),
			Y:     in.IntOr(domain.OptY, f.Y),
			Z:     in.IntOr(domain.OptZ, f.Z),
		})
	}
	return layers
}

// MixAudio sums one frame from every unmuted input that has kept pace.
// Under-paced inputs are left out of this tick; the tick itself is never
// skipped while at least one input is ready.
func (m *Muxer) MixAudio() bool {
	inputs := m.orderedInputs()
	frames := make([]*domain.Frame, 0, len(inputs))
	for _, in := range inputs {
		if in.Bool(domain.OptMuted) {
			continue
		}
		if f, ok := in.GetAudio(m.cfg.PacingLimit); ok {
			frames = append(frames, f)
		}
	}
	if len(frames) == 0 {
		return false
	}

	out := m.mixer.Mix(frames)
	m.FeedOutputs(out)
	out.Release()

	m.audioMixed.Add(1)
	m.deps.Metrics.RecordAudioMixed()
	return true
}

// FeedOutputs stamps f with the session clock and queues it on every
// output. Each accepting output holds its own reference.
func (m *Muxer) FeedOutputs(f *domain.Frame) {
	f.PTS = m.clock.Stamp()

	m.outputsMu.RLock()
	defer m.outputsMu.RUnlock()
	for id, o := range m.outputs {
		f.Retain()
		if !o.Push(f) {
			f.Release()
			m.logger.Debugw("output stopping, frame dropped", "output", id, "kind", f.Kind.String())
		}
	}
}

func (m *Muxer) orderedInputs() []*Input {
	m.inputsMu.RLock()
	defer m.inputsMu.RUnlock()
	out := make([]*Input, 0, len(m.inputOrder))
	for _, id := range m.inputOrder {
		if in, ok := m.inputs[id]; ok {
			out = append(out, in)
		}
	}
	return out
}

// AddInput creates an input receiving from url.
func (m *Muxer) AddInput(id domain.InputID, url string, opts map[string]interface{}) error {
	in, err := m.newInput(id, opts)
	if err != nil {
		return err
	}
	if err := in.Start(url); err != nil {
		return err
	}
	return m.registerInput(in, opts)
}

// AddStreamInput creates an input fed by a push-based stream.
func (m *Muxer) AddStreamInput(id domain.InputID, stream ports.SinkAddRemover, opts map[string]interface{}) error {
	in, err := m.newInput(id, opts)
	if err != nil {
		return err
	}
	in.StartStream(stream)
	return m.registerInput(in, opts)
}

func (m *Muxer) newInput(id domain.InputID, opts map[string]interface{}) (*Input, error) {
	if id == "" {
		return nil, fmt.Errorf("empty input id: %w", domain.ErrInvalidOption)
	}
	m.inputsMu.RLock()
	_, exists := m.inputs[id]
	m.inputsMu.RUnlock()
	if exists {
		return nil, domain.ErrInputExists
	}

	in := NewInput(id, m.cfg.Input, InputDeps{
		Codecs:     m.deps.Codecs,
		Receivers:  m.deps.Receivers,
		Resamplers: m.deps.Resamplers,
		Metrics:    m.deps.Metrics,
	}, m.logger)
	if err := in.Apply(opts); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidOption, err)
	}
	if err := validateGeometry(in.Map); err != nil {
		return nil, err
	}
	return in, nil
}

func (m *Muxer) registerInput(in *Input, opts map[string]interface{}) error {
	m.inputsMu.Lock()
	if _, exists := m.inputs[in.ID()]; exists {
		m.inputsMu.Unlock()
		in.Stop()
		return domain.ErrInputExists
	}
	m.inputs[in.ID()] = in
	m.inputOrder = append(m.inputOrder, in.ID())
	auto := m.cfg.AutoLayout && !hasPlacement(opts)
	if auto {
		m.autoPlaced[in.ID()] = true
	}
	m.inputsMu.Unlock()

	if auto {
		_ = in.Apply(m.layout.Add(in.ID()).Options())
	}

	m.deps.Metrics.RecordInputAdded()
	m.logger.Infow("input added", "input", in.ID(), "url", in.URL(), "auto_layout", auto)
	return nil
}

// ModInputOption updates options of a running input.
func (m *Muxer) ModInputOption(id domain.InputID, opts map[string]interface{}) error {
	in, ok := m.Input(id)
	if !ok {
		return domain.ErrInputNotFound
	}
	next := in.Clone()
	if err := next.Apply(opts); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOption, err)
	}
	if err := validateGeometry(next); err != nil {
		return err
	}
	if err := in.Apply(opts); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOption, err)
	}
	if hasPlacement(opts) {
		m.inputsMu.Lock()
		delete(m.autoPlaced, id)
		m.inputsMu.Unlock()
	}
	return nil
}

// RemoveInput stops and forgets an input. Remaining auto-placed inputs
// are laid out again.
func (m *Muxer) RemoveInput(id domain.InputID) error {
	m.inputsMu.Lock()
	in, ok := m.inputs[id]
	if !ok {
		m.inputsMu.Unlock()
		return domain.ErrInputNotFound
	}
	delete(m.inputs, id)
	for i, existing := range m.inputOrder {
		if existing == id {
			m.inputOrder = append(m.inputOrder[:i], m.inputOrder[i+1:]...)
			break
		}
	}
	wasAuto := m.autoPlaced[id]
	delete(m.autoPlaced, id)
	m.inputsMu.Unlock()

	in.Stop()
	m.compositor.Forget(string(id))

	if wasAuto {
		for otherID, p := range m.layout.Remove(id) {
			if other, ok := m.Input(otherID); ok && m.isAutoPlaced(otherID) {
				_ = other.Apply(p.Options())
			}
		}
	}

	m.deps.Metrics.RecordInputRemoved()
	m.logger.Infow("input removed", "input", id)
	return nil
}

func (m *Muxer) isAutoPlaced(id domain.InputID) bool {
	m.inputsMu.RLock()
	defer m.inputsMu.RUnlock()
	return m.autoPlaced[id]
}

func (m *Muxer) Input(id domain.InputID) (*Input, bool) {
	m.inputsMu.RLock()
	defer m.inputsMu.RUnlock()
	in, ok := m.inputs[id]
	return in, ok
}

// AddOutput creates an output publishing to url.
func (m *Muxer) AddOutput(id domain.OutputID, url string, opts map[string]interface{}) error {
	o, err := m.newOutput(id, opts)
	if err != nil {
		return err
	}
	if err := o.Start(url); err != nil {
		return err
	}
	return m.registerOutput(o)
}

// AddSinkOutput creates an output delivering raw composed frames to sink.
func (m *Muxer) AddSinkOutput(id domain.OutputID, sink ports.FrameSink, opts map[string]interface{}) error {
	o, err := m.newOutput(id, opts)
	if err != nil {
		return err
	}
	o.StartSink(sink)
	return m.registerOutput(o)
}

func (m *Muxer) newOutput(id domain.OutputID, opts map[string]interface{}) (*Output, error) {
	if id == "" {
		return nil, fmt.Errorf("empty output id: %w", domain.ErrInvalidOption)
	}
	if _, exists := m.Output(id); exists {
		return nil, domain.ErrOutputExists
	}
	o := NewOutput(id, m.cfg.Output, OutputDeps{
		Codecs:  m.deps.Codecs,
		Senders: m.deps.Senders,
		Metrics: m.deps.Metrics,
	}, m.logger)
	if err := o.Apply(opts); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidOption, err)
	}
	return o, nil
}

func (m *Muxer) registerOutput(o *Output) error {
	m.outputsMu.Lock()
	if _, exists := m.outputs[o.ID()]; exists {
		m.outputsMu.Unlock()
		o.Stop()
		return domain.ErrOutputExists
	}
	m.outputs[o.ID()] = o
	m.outputsMu.Unlock()

	m.deps.Metrics.RecordOutputAdded()
	m.logger.Infow("output added", "output", o.ID(), "url", o.URL())
	return nil
}

func (m *Muxer) ModOutputOption(id domain.OutputID, opts map[string]interface{}) error {
	o, ok := m.Output(id)
	if !ok {
		return domain.ErrOutputNotFound
	}
	if err := o.Apply(opts); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOption, err)
	}
	return nil
}

func (m *Muxer) RemoveOutput(id domain.OutputID) error {
	m.outputsMu.Lock()
	o, ok := m.outputs[id]
	if ok {
		delete(m.outputs, id)
	}
	m.outputsMu.Unlock()
	if !ok {
		return domain.ErrOutputNotFound
	}

	o.Stop()
	m.deps.Metrics.RecordOutputRemoved()
	m.logger.Infow("output removed", "output", id)
	return nil
}

func (m *Muxer) Output(id domain.OutputID) (*Output, bool) {
	m.outputsMu.RLock()
	defer m.outputsMu.RUnlock()
	o, ok := m.outputs[id]
	return o, ok
}

// SetOptions updates muxer-wide options such as the background color.
func (m *Muxer) SetOptions(opts map[string]interface{}) error {
	if err := m.Apply(opts); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidOption, err)
	}
	return nil
}

func (m *Muxer) Stats() domain.MixerStats {
	stats := domain.MixerStats{
		Width:               m.cfg.Width,
		Height:              m.cfg.Height,
		VideoFramesComposed: m.videoComposed.Load(),
		AudioFramesMixed:    m.audioMixed.Load(),
	}
	m.runMu.Lock()
	if !m.startedAt.IsZero() {
		stats.Uptime = time.Since(m.startedAt)
	}
	m.runMu.Unlock()

	for _, in := range m.orderedInputs() {
		stats.Inputs = append(stats.Inputs, in.Stats())
	}

	m.outputsMu.RLock()
	for _, o := range m.outputs {
		stats.Outputs = append(stats.Outputs, o.Stats())
	}
	m.outputsMu.RUnlock()
	return stats
}

func hasPlacement(opts map[string]interface{}) bool {
	for _, k := range []string{domain.OptX, domain.OptY, domain.OptWidth, domain.OptHeight} {
		if _, ok := opts[k]; ok {
			return true
		}
	}
	return false
}

func validateGeometry(opts *option.Map) error {
	for _, k := range []string{domain.OptWidth, domain.OptHeight} {
		if v, ok := opts.GetInt(k); ok && v <= 0 {
			return fmt.Errorf("%s=%d: %w", k, v, domain.ErrInvalidDimensions)
		}
	}
	return nil
}
