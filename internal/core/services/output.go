package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/pkg/option"

	"go.uber.org/zap"
)

const OutputQueueLen = 64

type OutputConfig struct {
	QueueSize    int
	VideoBitrate int
	AudioBitrate int
}

func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		QueueSize:    OutputQueueLen,
		VideoBitrate: domain.DefaultVideoBitrate,
		AudioBitrate: domain.DefaultAudioBitrate,
	}
}

type OutputDeps struct {
	Codecs  ports.CodecFactory
	Senders ports.SenderFactory
	Metrics ports.MixerMetrics
}

type encoderState struct {
	enc     ports.Encoder
	bitrate int
}

// Output encodes composed frames and hands the packets to a sender, or
// forwards raw frames to a sink.
type Output struct {
	*option.Map

	id     domain.OutputID
	cfg    OutputConfig
	deps   OutputDeps
	logger *zap.SugaredLogger

	queue *Queue[*domain.Frame]
	wake  chan struct{}

	url      string
	sender   ports.Sender
	sink     ports.FrameSink
	encoders map[domain.StreamKind]*encoderState
	// kinds the sender refused as unsupported, owned by the send loop
	unsupported map[domain.StreamKind]bool

	exit     atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	packets atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
}

func NewOutput(id domain.OutputID, cfg OutputConfig, deps OutputDeps, logger *zap.SugaredLogger) *Output {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = OutputQueueLen
	}
	deps.Metrics = metricsOrNoop(deps.Metrics)
	o := &Output{
		Map:      option.New(),
		id:       id,
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With("output", string(id)),
		queue:    NewQueue[*domain.Frame](cfg.QueueSize),
		wake:     make(chan struct{}, 1),
		encoders: make(map[domain.StreamKind]*encoderState),

		unsupported: make(map[domain.StreamKind]bool),
	}
	o.SetInt(domain.OptVideoBitrate, cfg.VideoBitrate)
	o.SetInt(domain.OptAudioBitrate, cfg.AudioBitrate)
	return o
}

func (o *Output) ID() domain.OutputID {
	return o.id
}

func (o *Output) URL() string {
	return o.url
}

// Start opens a sender for url and launches the send loop.
func (o *Output) Start(url string) error {
	if o.deps.Senders == nil || o.deps.Codecs == nil {
		return fmt.Errorf("output %s: sender and codec factories are required", o.id)
	}
	sender, err := o.deps.Senders.NewSender(url)
	if err != nil {
		return fmt.Errorf("output %s: %w", o.id, err)
	}
	o.url = url
	o.sender = sender
	o.run()
	return nil
}

// StartSink delivers composed frames to sink without encoding.
func (o *Output) StartSink(sink ports.FrameSink) {
	o.sink = sink
	sink.OnStart()
	o.run()
}

func (o *Output) run() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.sendLoop(ctx)
}

// Push queues f without blocking, evicting the oldest queued frame when
// full. The output takes ownership of one reference only when it reports
// true; it is false once the output is stopping.
func (o *Output) Push(f *domain.Frame) bool {
	if o.exit.Load() {
		return false
	}
	if old, ok := o.queue.ForcePush(f); ok {
		old.Release()
		o.dropped.Add(1)
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop ends the send loop, waits for it and releases encoder and sender.
func (o *Output) Stop() {
	o.stopOnce.Do(func() {
		o.exit.Store(true)
		if o.cancel != nil {
			o.cancel()
		}
		// Closing the sender first fails a send stuck on a stalled peer.
		if o.sender != nil {
			if err := o.sender.Close(); err != nil {
				o.logger.Warnw("failed to close sender", "error", err)
			}
		}
		if o.done != nil {
			<-o.done
		}
		for _, f := range o.queue.Drain() {
			f.Release()
		}
		for kind, st := range o.encoders {
			if err := st.enc.Close(); err != nil {
				o.logger.Warnw("failed to close encoder", "kind", kind.String(), "error", err)
			}
		}
		if o.sink != nil {
			o.sink.OnStop()
		}
		o.logger.Infow("output stopped")
	})
}

func (o *Output) sendLoop(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}

		for !o.exit.Load() {
			f, ok := o.queue.TryPop()
			if !ok {
				break
			}
			o.process(ctx, f)
			f.Release()
		}
	}
}

func (o *Output) process(ctx context.Context, f *domain.Frame) {
	if o.sink != nil {
		o.sink.OnFrame(f)
		return
	}

	enc, err := o.encoderFor(f.Kind)
	if err != nil {
		o.dropped.Add(1)
		o.logger.Warnw("no encoder, dropping frame", "kind", f.Kind.String(), "error", err)
		return
	}

	err = enc.Encode(f, func(pkt *domain.Packet) error {
		if err := o.sender.Send(ctx, pkt); err != nil {
			o.dropped.Add(1)
			o.logSendError(pkt, err)
			return nil
		}
		o.packets.Add(1)
		o.bytes.Add(uint64(len(pkt.Data)))
		o.deps.Metrics.RecordBytesSent(o.id, len(pkt.Data))
		return nil
	})
	if err != nil {
		o.dropped.Add(1)
		o.logger.Warnw("encode failed, frame dropped", "kind", f.Kind.String(), "error", err)
	}
}

// logSendError warns once per kind about a codec the sender cannot carry;
// repeats go to debug.
func (o *Output) logSendError(pkt *domain.Packet, err error) {
	if !errors.Is(err, domain.ErrUnsupportedCodec) {
		o.logger.Warnw("send failed, packet dropped", "kind", pkt.Kind.String(), "pts", pkt.PTS, "error", err)
		return
	}
	if o.unsupported[pkt.Kind] {
		o.logger.Debugw("unsupported codec, packet dropped", "kind", pkt.Kind.String(), "codec", pkt.Codec)
		return
	}
	o.unsupported[pkt.Kind] = true
	o.logger.Warnw("sender cannot carry codec, dropping packets of this kind",
		"kind", pkt.Kind.String(), "codec", pkt.Codec, "error", err)
}

// encoderFor returns the encoder of kind, creating it on first use and
// applying bitrate changes from the option map.
func (o *Output) encoderFor(kind domain.StreamKind) (ports.Encoder, error) {
	key := domain.OptVideoBitrate
	if kind == domain.KindAudio {
		key = domain.OptAudioBitrate
	}
	bitrate := o.IntOr(key, 0)

	st, ok := o.encoders[kind]
	if !ok {
		enc, err := o.deps.Codecs.NewEncoder(kind)
		if err != nil {
			return nil, err
		}
		st = &encoderState{enc: enc, bitrate: -1}
		o.encoders[kind] = st
	}
	if st.bitrate != bitrate {
		st.enc.SetBitrate(bitrate)
		st.bitrate = bitrate
	}
	return st.enc, nil
}

func (o *Output) Stats() domain.OutputStats {
	state := domain.StateStreaming
	if o.sender != nil {
		state = o.sender.State()
	}
	if o.exit.Load() {
		state = domain.StateClosed
	}
	stats := domain.OutputStats{
		ID:          o.id,
		URL:         o.url,
		State:       state,
		Queue:       o.queue.Len(),
		PacketsSent: o.packets.Load(),
		BytesSent:   o.bytes.Load(),
		Dropped:     o.dropped.Load(),
	}
	if rc, ok := o.sender.(interface{ Reconnects() uint64 }); ok {
		stats.Reconnects = rc.Reconnects()
	}
	return stats
}
