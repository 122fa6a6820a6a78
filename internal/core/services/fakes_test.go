package services

import (
	"context"
	"sync"
	"testing"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"

	"github.com/stretchr/testify/mock"
)

// s16Resampler passes canonical S16 through unchanged.
type s16Resampler struct{}

func (s16Resampler) Resample(src *domain.Frame) ([]byte, error) {
	out := make([]byte, len(src.Data[0]))
	copy(out, src.Data[0])
	return out, nil
}

type mockResamplerFactory struct {
	mock.Mock
}

func (m *mockResamplerFactory) NewResampler(format domain.SampleFormat, rate, channels, outChannels int) (ports.Resampler, error) {
	args := m.Called(format, rate, channels, outChannels)
	if rs := args.Get(0); rs != nil {
		return rs.(ports.Resampler), args.Error(1)
	}
	return nil, args.Error(1)
}

type passthroughResamplers struct{}

func (passthroughResamplers) NewResampler(domain.SampleFormat, int, int, int) (ports.Resampler, error) {
	return s16Resampler{}, nil
}

// cropRescaler returns a frame of the requested size filled with the
// source's first luma sample.
type cropRescaler struct{}

func (cropRescaler) Rescale(src *domain.Frame, w, h int) (*domain.Frame, error) {
	out, err := domain.NewVideoFrame(w, h)
	if err != nil {
		return nil, err
	}
	Fill(out, src.Data[0][0], src.Data[1][0], src.Data[2][0])
	return out, nil
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, pkt *domain.Packet) error {
	return m.Called(ctx, pkt).Error(0)
}

func (m *mockSender) State() domain.OutputState {
	return domain.StateStreaming
}

func (m *mockSender) Close() error {
	return m.Called().Error(0)
}

// blockingSender stalls every Send until Close, like a peer that stopped
// reading its socket.
type blockingSender struct {
	entered chan struct{}
	unblock chan struct{}
	once    sync.Once
}

func (b *blockingSender) Send(ctx context.Context, pkt *domain.Packet) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.unblock
	return domain.ErrClosed
}

func (b *blockingSender) State() domain.OutputState {
	return domain.StateStreaming
}

func (b *blockingSender) Close() error {
	b.once.Do(func() { close(b.unblock) })
	return nil
}

type senderFactory struct {
	sender ports.Sender
	err    error
}

func (f senderFactory) NewSender(string) (ports.Sender, error) {
	return f.sender, f.err
}

// rawCodecs turns frames into packets and back without compression.
type rawCodecs struct{}

func (rawCodecs) NewDecoder(codec domain.Codec) (ports.Decoder, error) {
	if codec != domain.CodecRawVideo && codec != domain.CodecPCMS16 {
		return nil, domain.ErrUnsupportedCodec
	}
	return rawDecoder{}, nil
}

func (rawCodecs) NewEncoder(kind domain.StreamKind) (ports.Encoder, error) {
	return &rawEncoder{}, nil
}

type rawDecoder struct{}

func (rawDecoder) Decode(pkt *domain.Packet, handle func(*domain.Frame) error) error {
	switch pkt.Kind {
	case domain.KindVideo:
		f, err := domain.NewVideoFrame(pkt.Width, pkt.Height)
		if err != nil {
			return err
		}
		Fill(f, pkt.Data[0], 128, 128)
		f.PTS = pkt.PTS
		return handle(f)
	case domain.KindAudio:
		f := domain.NewAudioFrame(pkt.Data, pkt.Channels)
		f.SampleRate = pkt.SampleRate
		f.PTS = pkt.PTS
		return handle(f)
	}
	return domain.ErrInvalidFrame
}

func (rawDecoder) Close() error { return nil }

type rawEncoder struct {
	mu      sync.Mutex
	bitrate int
}

func (e *rawEncoder) Encode(f *domain.Frame, handle func(*domain.Packet) error) error {
	codec := domain.CodecRawVideo
	if f.Kind == domain.KindAudio {
		codec = domain.CodecPCMS16
	}
	return handle(&domain.Packet{Kind: f.Kind, Codec: codec, PTS: f.PTS, DTS: f.PTS, Data: f.Data[0]})
}

func (e *rawEncoder) SetBitrate(kbps int) {
	e.mu.Lock()
	e.bitrate = kbps
	e.mu.Unlock()
}

func (e *rawEncoder) Close() error { return nil }

// scriptedReceiver replays packets once per Receive call, then blocks until
// the context ends.
type scriptedReceiver struct {
	packets []*domain.Packet
}

func (r scriptedReceiver) Receive(ctx context.Context, _ string, handle func(*domain.Packet) error) error {
	for _, p := range r.packets {
		if err := handle(p); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type receiverFactory struct {
	receiver ports.Receiver
	err      error
}

func (f receiverFactory) NewReceiver(string) (ports.Receiver, error) {
	return f.receiver, f.err
}

// recordingSink collects frames delivered by a stream or output.
type recordingSink struct {
	mu      sync.Mutex
	frames  []*domain.Frame
	pts     []int64
	first   []byte
	started int
	stopped int
}

func (s *recordingSink) OnFrame(f *domain.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.pts = append(s.pts, f.PTS)
	if len(f.Data) > 0 && len(f.Data[0]) > 0 {
		s.first = append(s.first, f.Data[0][0])
	}
	s.mu.Unlock()
}

func (s *recordingSink) OnStart() {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
}

func (s *recordingSink) OnStop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) firstBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.first...)
}

func (s *recordingSink) timestamps() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.pts...)
}

func solidFrame(t testing.TB, w, h int, y uint8) *domain.Frame {
	f, err := domain.NewVideoFrame(w, h)
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	Fill(f, y, 128, 128)
	return f
}

// s16Frame builds an interleaved canonical frame with every sample set to v.
func s16Frame(samples, channels int, v int16) *domain.Frame {
	data := make([]byte, samples*channels*2)
	for i := 0; i < len(data); i += 2 {
		data[i] = byte(uint16(v))
		data[i+1] = byte(uint16(v) >> 8)
	}
	return domain.NewAudioFrame(data, channels)
}
