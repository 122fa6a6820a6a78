package flv

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/icza/bitio"
)

var ErrNotADTS = errors.New("not an adts frame")

// Audio tag header for AAC: format 10, 44 kHz, 16 bit, stereo. FLV
// readers take the real layout from the AudioSpecificConfig.
const aacTagHeader = 0xAF

const (
	AACPacketSequenceHeader = 0
	AACPacketRaw            = 1
)

var adtsSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSHeader holds the fields of an ADTS fixed and variable header.
type ADTSHeader struct {
	ProtectionAbsent bool
	Profile          int
	SampleRateIndex  int
	ChannelConfig    int
	FrameLength      int
	HeaderLength     int
}

// IsADTS reports whether data starts with the ADTS syncword.
func IsADTS(data []byte) bool {
	return len(data) >= 7 && data[0] == 0xFF && data[1]&0xF6 == 0xF0
}

// ParseADTS reads the header at the start of data.
func ParseADTS(data []byte) (ADTSHeader, error) {
	var h ADTSHeader
	if !IsADTS(data) {
		return h, ErrNotADTS
	}
	r := bitio.NewReader(bytes.NewReader(data[:7]))

	r.TryReadBits(12) // syncword
	r.TryReadBits(1)  // id
	r.TryReadBits(2)  // layer
	h.ProtectionAbsent = r.TryReadBool()
	h.Profile = int(r.TryReadBits(2))
	h.SampleRateIndex = int(r.TryReadBits(4))
	r.TryReadBits(1) // private
	h.ChannelConfig = int(r.TryReadBits(3))
	r.TryReadBits(4) // original, home, copyright bits
	h.FrameLength = int(r.TryReadBits(13))
	r.TryReadBits(11) // buffer fullness
	blocks := int(r.TryReadBits(2))
	if r.TryError != nil {
		return h, fmt.Errorf("adts header: %w", r.TryError)
	}

	h.HeaderLength = 7
	if !h.ProtectionAbsent {
		h.HeaderLength = 9
	}
	if blocks != 0 {
		return h, fmt.Errorf("adts with %d raw blocks: %w", blocks+1, ErrNotADTS)
	}
	if h.SampleRateIndex >= len(adtsSampleRates) {
		return h, fmt.Errorf("adts sample rate index %d: %w", h.SampleRateIndex, ErrNotADTS)
	}
	if h.FrameLength < h.HeaderLength || h.FrameLength > len(data) {
		return h, fmt.Errorf("adts frame length %d of %d bytes: %w", h.FrameLength, len(data), ErrNotADTS)
	}
	return h, nil
}

func (h ADTSHeader) SampleRate() int {
	return adtsSampleRates[h.SampleRateIndex]
}

// Config derives the AudioSpecificConfig the header describes.
func (h ADTSHeader) Config() mpeg4audio.AudioSpecificConfig {
	channels := h.ChannelConfig
	if channels == 7 {
		channels = 8
	}
	return mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectType(h.Profile + 1),
		SampleRate:   h.SampleRate(),
		ChannelCount: channels,
	}
}

// SplitADTS strips ADTS headers from data, returning the raw AAC frames and
// the config of the first header.
func SplitADTS(data []byte) ([][]byte, mpeg4audio.AudioSpecificConfig, error) {
	var frames [][]byte
	var conf mpeg4audio.AudioSpecificConfig
	for len(data) > 0 {
		h, err := ParseADTS(data)
		if err != nil {
			return nil, conf, err
		}
		if frames == nil {
			conf = h.Config()
		}
		frames = append(frames, data[h.HeaderLength:h.FrameLength])
		data = data[h.FrameLength:]
	}
	return frames, conf, nil
}

// AACConfig builds an AAC-LC config for a sample rate and channel count.
func AACConfig(sampleRate, channels int) mpeg4audio.AudioSpecificConfig {
	return mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}
}

// AudioTagBody prefixes payload with the AAC audio tag header.
func AudioTagBody(packetType byte, payload []byte) []byte {
	b := make([]byte, 2, 2+len(payload))
	b[0] = aacTagHeader
	b[1] = packetType
	return append(b, payload...)
}
