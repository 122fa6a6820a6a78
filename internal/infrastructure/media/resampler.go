package media

import (
	"encoding/binary"
	"fmt"
	"math"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
)

// ResamplerFactory builds linear resamplers targeting the canonical rate.
type ResamplerFactory struct {
	// OutRate defaults to domain.AudioSampleRate.
	OutRate int
}

func NewResamplerFactory() *ResamplerFactory {
	return &ResamplerFactory{OutRate: domain.AudioSampleRate}
}

func (f *ResamplerFactory) NewResampler(format domain.SampleFormat, rate, channels, outChannels int) (ports.Resampler, error) {
	outRate := f.OutRate
	if outRate <= 0 {
		outRate = domain.AudioSampleRate
	}
	return NewLinearResampler(format, rate, channels, outRate, outChannels)
}

// LinearResampler converts S16/F32, packed or planar, to interleaved S16
// with linear interpolation. It keeps the last input sample of every
// channel and the fractional read position so consecutive calls join
// without clicks.
type LinearResampler struct {
	format      domain.SampleFormat
	inRate      int
	inChannels  int
	outRate     int
	outChannels int

	step float64
	pos  float64
	prev []float64
	have bool
}

func NewLinearResampler(format domain.SampleFormat, inRate, inChannels, outRate, outChannels int) (*LinearResampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d -> %d: %w", inRate, outRate, domain.ErrUnsupportedCodec)
	}
	if inChannels <= 0 || inChannels > 8 {
		return nil, fmt.Errorf("invalid input channel count %d: %w", inChannels, domain.ErrUnsupportedCodec)
	}
	if outChannels != 1 && outChannels != 2 {
		return nil, fmt.Errorf("invalid output channel count %d: %w", outChannels, domain.ErrUnsupportedCodec)
	}
	switch format {
	case domain.SampleS16, domain.SampleS16P, domain.SampleF32, domain.SampleF32P:
	default:
		return nil, fmt.Errorf("sample format %d: %w", format, domain.ErrUnsupportedCodec)
	}
	return &LinearResampler{
		format:      format,
		inRate:      inRate,
		inChannels:  inChannels,
		outRate:     outRate,
		outChannels: outChannels,
		step:        float64(inRate) / float64(outRate),
		prev:        make([]float64, outChannels),
	}, nil
}

func (r *LinearResampler) Resample(src *domain.Frame) ([]byte, error) {
	if src.SampleFormat != r.format || src.SampleRate != r.inRate || src.Channels != r.inChannels {
		return nil, fmt.Errorf("frame layout changed: %w", domain.ErrInvalidFrame)
	}

	in, err := r.mixdown(src)
	if err != nil {
		return nil, err
	}
	n := len(in) / r.outChannels
	if n == 0 {
		return nil, nil
	}

	if r.inRate == r.outRate {
		out := make([]byte, len(in)*2)
		for i, s := range in {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(toS16(s)))
		}
		copy(r.prev, in[len(in)-r.outChannels:])
		r.have = true
		return out, nil
	}

	// Sample -1 is the last sample of the previous call.
	at := func(i, ch int) float64 {
		if i < 0 {
			if r.have {
				return r.prev[ch]
			}
			return in[ch]
		}
		return in[i*r.outChannels+ch]
	}

	out := make([]byte, 0, int(float64(n)/r.step+2)*r.outChannels*2)
	pos := r.pos
	for pos < float64(n-1) {
		i := int(math.Floor(pos))
		frac := pos - float64(i)
		for ch := 0; ch < r.outChannels; ch++ {
			s := at(i, ch)*(1-frac) + at(i+1, ch)*frac
			out = binary.LittleEndian.AppendUint16(out, uint16(toS16(s)))
		}
		pos += r.step
	}

	r.pos = pos - float64(n)
	copy(r.prev, in[len(in)-r.outChannels:])
	r.have = true
	return out, nil
}

// mixdown decodes src into interleaved float samples with outChannels
// channels in [-1, 1].
func (r *LinearResampler) mixdown(src *domain.Frame) ([]float64, error) {
	bps := r.format.BytesPerSample()
	var samples int
	if r.format.Planar() {
		if len(src.Data) < r.inChannels {
			return nil, domain.ErrInvalidFrame
		}
		samples = len(src.Data[0]) / bps
		for ch := 1; ch < r.inChannels; ch++ {
			if l := len(src.Data[ch]) / bps; l < samples {
				samples = l
			}
		}
	} else {
		samples = len(src.Data[0]) / (bps * r.inChannels)
	}
	if src.Samples > 0 && src.Samples < samples {
		samples = src.Samples
	}

	read := func(i, ch int) float64 {
		var b []byte
		if r.format.Planar() {
			b = src.Data[ch][i*bps:]
		} else {
			b = src.Data[0][(i*r.inChannels+ch)*bps:]
		}
		if bps == 4 {
			return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
		}
		return float64(int16(binary.LittleEndian.Uint16(b))) / 32768
	}

	out := make([]float64, samples*r.outChannels)
	for i := 0; i < samples; i++ {
		switch {
		case r.outChannels == r.inChannels:
			for ch := 0; ch < r.outChannels; ch++ {
				out[i*r.outChannels+ch] = read(i, ch)
			}
		case r.outChannels == 1:
			var sum float64
			for ch := 0; ch < r.inChannels; ch++ {
				sum += read(i, ch)
			}
			out[i] = sum / float64(r.inChannels)
		case r.inChannels == 1:
			s := read(i, 0)
			out[i*2], out[i*2+1] = s, s
		default:
			// More than two input channels: keep front left/right.
			out[i*2], out[i*2+1] = read(i, 0), read(i, 1)
		}
	}
	return out, nil
}

func toS16(s float64) int16 {
	v := math.Round(s * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
