package monitoring

import (
	"context"
	"strconv"
	"sync"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// StatsFunc returns a snapshot of the mixer.
type StatsFunc func(ctx context.Context) (*domain.MixerStats, error)

type PrometheusCollector struct {
	inputsActive  prometheus.Gauge
	outputsActive prometheus.Gauge

	videoComposed   prometheus.Counter
	audioMixed      prometheus.Counter
	composeDuration prometheus.Histogram

	videoDropped      *prometheus.CounterVec
	audioBytesDropped *prometheus.CounterVec
	bytesSent         *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	commands          *prometheus.CounterVec

	inputQueue      *prometheus.GaugeVec
	outputStreaming *prometheus.GaugeVec

	mu             sync.Mutex
	seenReconnects map[domain.OutputID]uint64
	seenInputs     map[domain.InputID]struct{}
}

// NewPrometheusCollector registers the mixer collectors with reg, or with
// the default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		inputsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillmix_inputs_active",
			Help: "Number of inputs attached to the mixer",
		}),

		outputsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rillmix_outputs_active",
			Help: "Number of outputs attached to the mixer",
		}),

		videoComposed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillmix_video_frames_composed_total",
			Help: "Total number of composed video canvases",
		}),

		audioMixed: factory.NewCounter(prometheus.CounterOpts{
			Name: "rillmix_audio_frames_mixed_total",
			Help: "Total number of mixed audio frames",
		}),

		composeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rillmix_compose_duration_seconds",
			Help:    "Time spent composing one video canvas",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.04, 0.08},
		}),

		videoDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillmix_video_frames_dropped_total",
			Help: "Video frames dropped from full input queues",
		}, []string{"input"}),

		audioBytesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillmix_audio_bytes_dropped_total",
			Help: "PCM bytes dropped from full input queues",
		}, []string{"input"}),

		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillmix_output_bytes_sent_total",
			Help: "Encoded bytes handed to output senders",
		}, []string{"output"}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillmix_output_reconnects_total",
			Help: "Successful output reconnects",
		}, []string{"output"}),

		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rillmix_control_commands_total",
			Help: "Control commands by type and result code",
		}, []string{"type", "code"}),

		inputQueue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillmix_input_queue_depth",
			Help: "Frames waiting in an input queue",
		}, []string{"input", "kind"}),

		outputStreaming: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rillmix_output_streaming",
			Help: "1 while an output is streaming, 0 otherwise",
		}, []string{"output"}),

		seenReconnects: make(map[domain.OutputID]uint64),
		seenInputs:     make(map[domain.InputID]struct{}),
	}
}

func (p *PrometheusCollector) RecordInputAdded() {
	p.inputsActive.Inc()
}

func (p *PrometheusCollector) RecordInputRemoved() {
	p.inputsActive.Dec()
}

func (p *PrometheusCollector) RecordOutputAdded() {
	p.outputsActive.Inc()
}

func (p *PrometheusCollector) RecordOutputRemoved() {
	p.outputsActive.Dec()
}

func (p *PrometheusCollector) RecordVideoComposed(seconds float64) {
	p.videoComposed.Inc()
	p.composeDuration.Observe(seconds)
}

func (p *PrometheusCollector) RecordAudioMixed() {
	p.audioMixed.Inc()
}

func (p *PrometheusCollector) RecordVideoDropped(input domain.InputID) {
	p.videoDropped.WithLabelValues(string(input)).Inc()
}

func (p *PrometheusCollector) RecordAudioDropped(input domain.InputID, bytes int) {
	p.audioBytesDropped.WithLabelValues(string(input)).Add(float64(bytes))
}

func (p *PrometheusCollector) RecordBytesSent(output domain.OutputID, bytes int) {
	p.bytesSent.WithLabelValues(string(output)).Add(float64(bytes))
}

func (p *PrometheusCollector) RecordReconnect(output domain.OutputID) {
	p.reconnects.WithLabelValues(string(output)).Inc()
}

func (p *PrometheusCollector) RecordCommand(command string, code int) {
	p.commands.WithLabelValues(command, strconv.Itoa(code)).Inc()
}

// Observe folds a stats snapshot into the gauges. Reconnect counters only
// ever move forward by the growth seen since the previous snapshot.
func (p *PrometheusCollector) Observe(stats *domain.MixerStats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inputs := make(map[domain.InputID]struct{}, len(stats.Inputs))
	for _, in := range stats.Inputs {
		inputs[in.ID] = struct{}{}
		p.inputQueue.WithLabelValues(string(in.ID), "video").Set(float64(in.VideoQueue))
		p.inputQueue.WithLabelValues(string(in.ID), "audio").Set(float64(in.AudioQueue))
	}
	for id := range p.seenInputs {
		if _, ok := inputs[id]; !ok {
			p.inputQueue.DeleteLabelValues(string(id), "video")
			p.inputQueue.DeleteLabelValues(string(id), "audio")
		}
	}
	p.seenInputs = inputs

	outputs := make(map[domain.OutputID]uint64, len(stats.Outputs))
	for _, out := range stats.Outputs {
		outputs[out.ID] = out.Reconnects
		if prev := p.seenReconnects[out.ID]; out.Reconnects > prev {
			p.reconnects.WithLabelValues(string(out.ID)).Add(float64(out.Reconnects - prev))
		}
		streaming := 0.0
		if out.State == domain.StateStreaming {
			streaming = 1
		}
		p.outputStreaming.WithLabelValues(string(out.ID)).Set(streaming)
	}
	for id := range p.seenReconnects {
		if _, ok := outputs[id]; !ok {
			p.outputStreaming.DeleteLabelValues(string(id))
		}
	}
	p.seenReconnects = outputs
}

// Watch polls stats every interval until ctx is done.
func (p *PrometheusCollector) Watch(ctx context.Context, stats StatsFunc, interval time.Duration, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot, err := stats(ctx)
			if err != nil {
				logger.Warnw("failed to collect mixer stats", "error", err)
				continue
			}
			p.Observe(snapshot)
		}
	}
}

var _ ports.MixerMetrics = (*PrometheusCollector)(nil)
