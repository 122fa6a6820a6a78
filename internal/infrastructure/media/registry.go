package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
)

type DecoderFunc func(codec domain.Codec) (ports.Decoder, error)

type EncoderFunc func(kind domain.StreamKind) (ports.Encoder, error)

// Registry maps codecs to constructors. It starts with the raw codecs;
// native codecs are plugged in with RegisterDecoder/RegisterEncoder.
type Registry struct {
	mu       sync.RWMutex
	decoders map[domain.Codec]DecoderFunc
	encoders map[domain.StreamKind]EncoderFunc
}

func NewRegistry() *Registry {
	r := &Registry{
		decoders: make(map[domain.Codec]DecoderFunc),
		encoders: make(map[domain.StreamKind]EncoderFunc),
	}
	raw := func(domain.Codec) (ports.Decoder, error) { return rawDecoder{}, nil }
	r.RegisterDecoder(domain.CodecRawVideo, raw)
	r.RegisterDecoder(domain.CodecPCMS16, raw)
	rawEnc := func(domain.StreamKind) (ports.Encoder, error) { return &rawEncoder{}, nil }
	r.RegisterEncoder(domain.KindVideo, rawEnc)
	r.RegisterEncoder(domain.KindAudio, rawEnc)
	return r
}

// RegisterDecoder replaces the decoder constructor for codec.
func (r *Registry) RegisterDecoder(codec domain.Codec, fn DecoderFunc) {
	r.mu.Lock()
	r.decoders[codec] = fn
	r.mu.Unlock()
}

// RegisterEncoder replaces the encoder constructor for kind.
func (r *Registry) RegisterEncoder(kind domain.StreamKind, fn EncoderFunc) {
	r.mu.Lock()
	r.encoders[kind] = fn
	r.mu.Unlock()
}

func (r *Registry) NewDecoder(codec domain.Codec) (ports.Decoder, error) {
	r.mu.RLock()
	fn, ok := r.decoders[codec]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("decoder %q: %w", codec, domain.ErrUnsupportedCodec)
	}
	dec, err := fn(codec)
	if err != nil {
		return nil, err
	}
	return &decoderHandle{dec: dec}, nil
}

func (r *Registry) NewEncoder(kind domain.StreamKind) (ports.Encoder, error) {
	r.mu.RLock()
	fn, ok := r.encoders[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("encoder for %s: %w", kind, domain.ErrUnsupportedCodec)
	}
	enc, err := fn(kind)
	if err != nil {
		return nil, err
	}
	return &encoderHandle{enc: enc}, nil
}

// decoderHandle refuses use after Close and closes the codec once.
type decoderHandle struct {
	dec    ports.Decoder
	closed atomic.Bool
}

func (h *decoderHandle) Decode(pkt *domain.Packet, handle func(*domain.Frame) error) error {
	if h.closed.Load() {
		return domain.ErrClosed
	}
	return h.dec.Decode(pkt, handle)
}

func (h *decoderHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return domain.ErrClosed
	}
	return h.dec.Close()
}

type encoderHandle struct {
	enc    ports.Encoder
	closed atomic.Bool
}

func (h *encoderHandle) Encode(f *domain.Frame, handle func(*domain.Packet) error) error {
	if h.closed.Load() {
		return domain.ErrClosed
	}
	return h.enc.Encode(f, handle)
}

func (h *encoderHandle) SetBitrate(kbps int) {
	if !h.closed.Load() {
		h.enc.SetBitrate(kbps)
	}
}

func (h *encoderHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return domain.ErrClosed
	}
	return h.enc.Close()
}

var _ ports.CodecFactory = (*Registry)(nil)
