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

const (
	VideoQueueLen = 10
	AudioQueueLen = 100
)

type InputConfig struct {
	// Channels of the canonical PCM produced by PushAudio, 1 or 2.
	Channels int
	// ReceiveTimeout aborts a receive attempt after this much silence.
	ReceiveTimeout time.Duration
	// RetryDelay separates reconnect attempts of URL inputs.
	RetryDelay time.Duration
}

func DefaultInputConfig() InputConfig {
	return InputConfig{
		Channels:       domain.AudioChannels,
		ReceiveTimeout: 10 * time.Second,
		RetryDelay:     time.Second,
	}
}

type InputDeps struct {
	Codecs     ports.CodecFactory
	Receivers  ports.ReceiverFactory
	Resamplers ports.ResamplerFactory
	Metrics    ports.MixerMetrics
}

type audioFormat struct {
	format   domain.SampleFormat
	rate     int
	channels int
}

// Input buffers decoded frames of one source between its receive loop and
// the muxer ticks.
type Input struct {
	*option.Map

	id     domain.InputID
	cfg    InputConfig
	deps   InputDeps
	logger *zap.SugaredLogger

	videoQ *Queue[*domain.Frame]
	audioQ *Queue[*domain.Frame]

	lastMu    sync.Mutex
	lastVideo *domain.Frame

	sampleMu     sync.Mutex
	samples      []byte
	resampler    ports.Resampler
	resampleFmt  audioFormat
	resampleFail *audioFormat

	urlMu  sync.RWMutex
	url    string
	stream ports.SinkAddRemover

	exit     atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	videoFrames       atomic.Uint64
	audioFrames       atomic.Uint64
	videoDropped      atomic.Uint64
	audioBytesDropped atomic.Uint64
}

func NewInput(id domain.InputID, cfg InputConfig, deps InputDeps, logger *zap.SugaredLogger) *Input {
	if cfg.Channels != 1 {
		cfg.Channels = domain.AudioChannels
	}
	deps.Metrics = metricsOrNoop(deps.Metrics)
	return &Input{
		Map:     option.New(),
		id:      id,
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("input", string(id)),
		videoQ:  NewQueue[*domain.Frame](VideoQueueLen),
		audioQ:  NewQueue[*domain.Frame](AudioQueueLen),
		samples: make([]byte, 0, domain.AudioFrameBytes(cfg.Channels)*4),
	}
}

func (in *Input) ID() domain.InputID {
	return in.id
}

func (in *Input) URL() string {
	in.urlMu.RLock()
	defer in.urlMu.RUnlock()
	return in.url
}

// SetOption stores a runtime option such as position or mute state.
func (in *Input) SetOption(key string, value interface{}) error {
	return in.Set(key, value)
}

// Start launches the receive loop for url. The loop reopens the source
// until Stop is called.
func (in *Input) Start(url string) error {
	if in.deps.Receivers == nil || in.deps.Codecs == nil {
		return fmt.Errorf("input %s: receiver and codec factories are required", in.id)
	}
	if _, err := in.deps.Receivers.NewReceiver(url); err != nil {
		return fmt.Errorf("input %s: %w", in.id, err)
	}

	in.urlMu.Lock()
	in.url = url
	in.urlMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	in.cancel = cancel
	in.done = make(chan struct{})
	go in.receiveLoop(ctx, url)
	return nil
}

// StartStream attaches the input to a push-based source.
func (in *Input) StartStream(stream ports.SinkAddRemover) {
	in.urlMu.Lock()
	in.stream = stream
	in.urlMu.Unlock()
	stream.AddSink(string(in.id), in)
}

// Stop ends the receive loop and waits for it to return.
func (in *Input) Stop() {
	in.stopOnce.Do(func() {
		in.exit.Store(true)

		in.urlMu.RLock()
		stream := in.stream
		in.urlMu.RUnlock()
		if stream != nil {
			stream.RemoveSink(string(in.id))
		}

		if in.cancel != nil {
			in.cancel()
			<-in.done
		}
		in.logger.Infow("input stopped")
	})
}

func (in *Input) receiveLoop(ctx context.Context, url string) {
	defer close(in.done)

	for !in.exit.Load() {
		err := in.receiveOnce(ctx, url)
		if in.exit.Load() || ctx.Err() != nil {
			return
		}
		if err != nil {
			in.logger.Warnw("receive failed, reconnecting", "url", url, "error", err, "retry_in", in.cfg.RetryDelay)
		} else {
			in.logger.Infow("source ended, reconnecting", "url", url)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(in.cfg.RetryDelay):
		}
	}
}

func (in *Input) receiveOnce(ctx context.Context, url string) error {
	receiver, err := in.deps.Receivers.NewReceiver(url)
	if err != nil {
		return err
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	timeout := in.cfg.ReceiveTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	watchdog := time.AfterFunc(timeout, func() {
		in.logger.Warnw("receiver timeout", "timeout", timeout)
		cancel()
	})
	defer watchdog.Stop()

	decoders := make(map[domain.Codec]ports.Decoder)
	defer func() {
		for _, d := range decoders {
			_ = d.Close()
		}
	}()

	return receiver.Receive(rctx, url, func(pkt *domain.Packet) error {
		if in.exit.Load() {
			return domain.ErrClosed
		}
		watchdog.Reset(timeout)

		dec, ok := decoders[pkt.Codec]
		if !ok {
			dec, err = in.deps.Codecs.NewDecoder(pkt.Codec)
			if err != nil {
				in.logger.Warnw("no decoder, dropping packet", "codec", pkt.Codec, "kind", pkt.Kind.String(), "error", err)
				return nil
			}
			decoders[pkt.Codec] = dec
		}

		if err := dec.Decode(pkt, in.handleFrame); err != nil {
			if errors.Is(err, domain.ErrClosed) {
				return err
			}
			in.logger.Debugw("decode failed, dropping packet", "codec", pkt.Codec, "error", err)
		}
		return nil
	})
}

func (in *Input) handleFrame(f *domain.Frame) error {
	if in.exit.Load() {
		return domain.ErrClosed
	}
	switch f.Kind {
	case domain.KindVideo:
		in.PushVideo(f)
	case domain.KindAudio:
		in.PushAudio(f)
	}
	return nil
}

// OnFrame implements ports.FrameSink for push-based sources.
func (in *Input) OnFrame(f *domain.Frame) {
	if in.exit.Load() || f == nil {
		return
	}
	_ = in.handleFrame(f)
}

func (in *Input) OnStart() {
	in.logger.Infow("stream started")
}

// OnStop hides the input once its source goes away.
func (in *Input) OnStop() {
	in.SetInt(domain.OptHidden, 1)
	in.logger.Infow("stream stopped, input hidden")
}

// PushVideo queues a decoded frame, evicting the oldest on overflow.
func (in *Input) PushVideo(f *domain.Frame) {
	if err := f.Validate(); err != nil || f.Kind != domain.KindVideo {
		in.logger.Warnw("dropping malformed video frame", "error", err)
		return
	}

	// The decoded frame may be shared with other sinks.
	x, y, z := f.X, f.Y, f.Z
	if v, ok := in.GetInt(domain.OptX); ok {
		x = v
	}
	if v, ok := in.GetInt(domain.OptY); ok {
		y = v
	}
	if v, ok := in.GetInt(domain.OptZ); ok {
		z = v
	}
	f = f.Placed(x, y, z)

	in.videoFrames.Add(1)
	if _, dropped := in.videoQ.ForcePush(f); dropped {
		in.videoDropped.Add(1)
		in.deps.Metrics.RecordVideoDropped(in.id)
	}
}

// PopVideo returns the oldest queued frame, one per call, or the last one
// seen when the queue is empty. The frame is nil only before the first push.
func (in *Input) PopVideo() (*domain.Frame, int) {
	in.lastMu.Lock()
	defer in.lastMu.Unlock()

	if f, ok := in.videoQ.TryPop(); ok {
		in.lastVideo = f
	}
	return in.lastVideo, in.videoQ.Len()
}

// GetVideo is the compositor-facing accessor.
func (in *Input) GetVideo() (*domain.Frame, int, bool) {
	f, n := in.PopVideo()
	return f, n, f != nil
}

// PushAudio resamples f to the canonical format and slices whole frames
// into the audio queue.
func (in *Input) PushAudio(f *domain.Frame) {
	if err := f.Validate(); err != nil || f.Kind != domain.KindAudio {
		in.logger.Warnw("dropping malformed audio frame", "error", err)
		return
	}

	in.sampleMu.Lock()
	defer in.sampleMu.Unlock()

	rs, err := in.resamplerFor(f)
	if err != nil {
		return
	}

	buf, err := rs.Resample(f)
	if err != nil {
		in.logger.Warnw("resample failed, dropping audio frame", "error", err)
		return
	}
	in.samples = append(in.samples, buf...)

	frameBytes := domain.AudioFrameBytes(in.cfg.Channels)
	for len(in.samples) >= frameBytes {
		data := make([]byte, frameBytes)
		copy(data, in.samples[:frameBytes])
		n := copy(in.samples, in.samples[frameBytes:])
		in.samples = in.samples[:n]

		af := domain.NewAudioFrame(data, in.cfg.Channels)
		af.PTS = f.PTS
		in.audioFrames.Add(1)
		if _, dropped := in.audioQ.ForcePush(af); dropped {
			in.audioBytesDropped.Add(uint64(frameBytes))
			in.deps.Metrics.RecordAudioDropped(in.id, frameBytes)
		}
	}
}

// resamplerFor returns a resampler for f's layout. A failed layout stays
// disabled until a different one arrives.
func (in *Input) resamplerFor(f *domain.Frame) (ports.Resampler, error) {
	key := audioFormat{format: f.SampleFormat, rate: f.SampleRate, channels: f.Channels}
	if in.resampler != nil && in.resampleFmt == key {
		return in.resampler, nil
	}
	if in.resampleFail != nil && *in.resampleFail == key {
		return nil, domain.ErrUnsupportedCodec
	}
	if in.deps.Resamplers == nil {
		return nil, domain.ErrUnsupportedCodec
	}

	rs, err := in.deps.Resamplers.NewResampler(f.SampleFormat, f.SampleRate, f.Channels, in.cfg.Channels)
	if err != nil {
		in.resampler = nil
		in.resampleFail = &key
		in.logger.Errorw("resampler init failed, audio disabled until format changes",
			"format", f.SampleFormat, "rate", f.SampleRate, "channels", f.Channels, "error", err)
		return nil, err
	}
	in.resampler = rs
	in.resampleFmt = key
	in.resampleFail = nil
	return rs, nil
}

// PopAudioLatest pops one audio frame only when at least limit are queued.
func (in *Input) PopAudioLatest(limit int) (*domain.Frame, bool) {
	return in.audioQ.PopIfAtLeast(limit)
}

// GetAudio is the mixer-facing accessor.
func (in *Input) GetAudio(limit int) (*domain.Frame, bool) {
	return in.PopAudioLatest(limit)
}

// PendingAudioBytes reports the accumulated bytes not yet sliced into a
// frame.
func (in *Input) PendingAudioBytes() int {
	in.sampleMu.Lock()
	defer in.sampleMu.Unlock()
	return len(in.samples)
}

// TargetSize returns the configured draw size for f.
func (in *Input) TargetSize(f *domain.Frame) (int, int) {
	w := in.IntOr(domain.OptWidth, f.Width)
	h := in.IntOr(domain.OptHeight, f.Height)
	return w, h
}

func (in *Input) Stats() domain.InputStats {
	s := domain.InputStats{
		ID:                in.id,
		URL:               in.URL(),
		Hidden:            in.Bool(domain.OptHidden),
		Muted:             in.Bool(domain.OptMuted),
		VideoQueue:        in.videoQ.Len(),
		AudioQueue:        in.audioQ.Len(),
		VideoFrames:       in.videoFrames.Load(),
		AudioFrames:       in.audioFrames.Load(),
		VideoDropped:      in.videoDropped.Load(),
		AudioBytesDropped: in.audioBytesDropped.Load(),
	}
	in.lastMu.Lock()
	if in.lastVideo != nil {
		s.Width, s.Height = in.TargetSize(in.lastVideo)
	}
	in.lastMu.Unlock()
	return s
}
