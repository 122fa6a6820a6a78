package media

import (
	"fmt"
	"sync"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
)

// RawVideoSize is the byte length of a tightly packed I420 image.
func RawVideoSize(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}

// PackI420 copies the planes of f into a tightly packed buffer.
func PackI420(f *domain.Frame) []byte {
	buf := make([]byte, 0, RawVideoSize(f.Width, f.Height))
	for p := 0; p < 3; p++ {
		w, h := f.PlaneSize(p)
		for y := 0; y < h; y++ {
			off := y * f.Stride[p]
			buf = append(buf, f.Data[p][off:off+w]...)
		}
	}
	return buf
}

// UnpackI420 builds a frame from a tightly packed I420 buffer.
func UnpackI420(data []byte, width, height int) (*domain.Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, domain.ErrInvalidDimensions
	}
	if len(data) < RawVideoSize(width, height) {
		return nil, fmt.Errorf("rawvideo %dx%d needs %d bytes, got %d: %w",
			width, height, RawVideoSize(width, height), len(data), domain.ErrInvalidFrame)
	}
	f, err := domain.NewVideoFrame(width, height)
	if err != nil {
		return nil, err
	}
	off := 0
	for p := 0; p < 3; p++ {
		w, h := f.PlaneSize(p)
		for y := 0; y < h; y++ {
			copy(f.Data[p][y*f.Stride[p]:], data[off:off+w])
			off += w
		}
	}
	return f, nil
}

// rawDecoder turns rawvideo and pcm_s16le packets into frames.
type rawDecoder struct{}

func (rawDecoder) Decode(pkt *domain.Packet, handle func(*domain.Frame) error) error {
	switch pkt.Codec {
	case domain.CodecRawVideo:
		f, err := UnpackI420(pkt.Data, pkt.Width, pkt.Height)
		if err != nil {
			return err
		}
		f.PTS = pkt.PTS
		return handle(f)
	case domain.CodecPCMS16:
		if pkt.Channels <= 0 || pkt.SampleRate <= 0 {
			return fmt.Errorf("pcm packet without layout: %w", domain.ErrInvalidFrame)
		}
		data := make([]byte, len(pkt.Data))
		copy(data, pkt.Data)
		f := domain.NewAudioFrame(data, pkt.Channels)
		f.SampleRate = pkt.SampleRate
		f.PTS = pkt.PTS
		return handle(f)
	default:
		return fmt.Errorf("raw decoder got %s: %w", pkt.Codec, domain.ErrUnsupportedCodec)
	}
}

func (rawDecoder) Close() error { return nil }

// rawEncoder emits frames unchanged as rawvideo or pcm_s16le packets.
type rawEncoder struct {
	mu      sync.Mutex
	bitrate int
}

func (e *rawEncoder) Encode(f *domain.Frame, handle func(*domain.Packet) error) error {
	switch f.Kind {
	case domain.KindVideo:
		return handle(&domain.Packet{
			Kind:     domain.KindVideo,
			Codec:    domain.CodecRawVideo,
			PTS:      f.PTS,
			DTS:      f.PTS,
			Data:     PackI420(f),
			KeyFrame: true,
			Width:    f.Width,
			Height:   f.Height,
		})
	case domain.KindAudio:
		if f.SampleFormat != domain.SampleS16 {
			return fmt.Errorf("raw audio encoder needs s16: %w", domain.ErrUnsupportedCodec)
		}
		data := make([]byte, len(f.Data[0]))
		copy(data, f.Data[0])
		return handle(&domain.Packet{
			Kind:       domain.KindAudio,
			Codec:      domain.CodecPCMS16,
			PTS:        f.PTS,
			DTS:        f.PTS,
			Data:       data,
			KeyFrame:   true,
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
		})
	default:
		return domain.ErrInvalidFrame
	}
}

func (e *rawEncoder) SetBitrate(kbps int) {
	e.mu.Lock()
	e.bitrate = kbps
	e.mu.Unlock()
}

func (e *rawEncoder) Close() error { return nil }

var (
	_ ports.Decoder = rawDecoder{}
	_ ports.Encoder = (*rawEncoder)(nil)
)
