package services

import (
	"encoding/binary"
	"math"

	"rillmix/internal/core/domain"
	"rillmix/pkg/optimize"

	"go.uber.org/zap"
)

// AudioMixer sums canonical S16 frames with saturation.
type AudioMixer struct {
	channels int
	logger   *zap.SugaredLogger
	pool     *optimize.BytePool
}

func NewAudioMixer(channels int, logger *zap.SugaredLogger) *AudioMixer {
	if channels != 1 {
		channels = domain.AudioChannels
	}
	return &AudioMixer{
		channels: channels,
		logger:   logger,
		pool:     optimize.NewBytePool(domain.AudioFrameBytes(channels)),
	}
}

// Mix adds every frame into one silent canonical frame. Frames with a
// different size or layout are skipped.
func (m *AudioMixer) Mix(frames []*domain.Frame) *domain.Frame {
	buf := m.pool.GetZeroed()
	for _, f := range frames {
		if f == nil || len(f.Data) == 0 {
			m.logger.Warnw("nil audio frame in mix list, skipping")
			continue
		}
		if f.Channels != m.channels || len(f.Data[0]) != len(buf) {
			m.logger.Warnw("audio frame layout mismatch, skipping",
				"channels", f.Channels, "bytes", len(f.Data[0]), "want_bytes", len(buf))
			continue
		}
		MixS16(buf, f.Data[0])
	}

	out := domain.NewAudioFrame(buf, m.channels)
	out.SetReleaser(func(*domain.Frame) {
		m.pool.Put(buf)
	})
	return out
}

// MixS16 adds little-endian S16 samples of src into dst, clamping each sum
// to the int16 range.
func MixS16(dst, src []byte) {
	n := min(len(dst), len(src)) &^ 1
	for i := 0; i < n; i += 2 {
		a := int32(int16(binary.LittleEndian.Uint16(dst[i:])))
		b := int32(int16(binary.LittleEndian.Uint16(src[i:])))
		binary.LittleEndian.PutUint16(dst[i:], uint16(saturate16(a+b)))
	}
}

func saturate16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
