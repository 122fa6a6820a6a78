package services

import (
	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
)

type noopMetrics struct{}

func (noopMetrics) RecordInputAdded() {}
func (noopMetrics) RecordInputRemoved() {}
func (noopMetrics) RecordOutputAdded() {}
func (noopMetrics) RecordOutputRemoved() {}
func (noopMetrics) RecordVideoComposed(float64) {}
func (noopMetrics) RecordAudioMixed() {}
func (noopMetrics) RecordVideoDropped(domain.InputID) {}
func (noopMetrics) RecordAudioDropped(domain.InputID, int) {}
func (noopMetrics) RecordBytesSent(domain.OutputID, int) {}
func (noopMetrics) RecordReconnect(domain.OutputID) {}
func (noopMetrics) RecordCommand(string, int) {}

// NoopMetrics discards every observation.
func NoopMetrics() ports.MixerMetrics {
	return noopMetrics{}
}

func metricsOrNoop(m ports.MixerMetrics) ports.MixerMetrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
