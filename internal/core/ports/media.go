package ports

import (
	"context"

	"rillmix/internal/core/domain"
)

// Receiver pulls compressed packets from a URL until ctx is cancelled or the
// source fails.
type Receiver interface {
	Receive(ctx context.Context, url string, handle func(*domain.Packet) error) error
}

type ReceiverFactory interface {
	NewReceiver(url string) (Receiver, error)
}

// Decoder turns packets into frames. Implementations are opaque codecs.
type Decoder interface {
	Decode(pkt *domain.Packet, handle func(*domain.Frame) error) error
	Close() error
}

// Encoder turns composed frames into packets.
type Encoder interface {
	Encode(frame *domain.Frame, handle func(*domain.Packet) error) error
	SetBitrate(kbps int)
	Close() error
}

type CodecFactory interface {
	NewDecoder(codec domain.Codec) (Decoder, error)
	NewEncoder(kind domain.StreamKind) (Encoder, error)
}

// Sender serializes encoded packets onto the wire.
type Sender interface {
	Send(ctx context.Context, pkt *domain.Packet) error
	State() domain.OutputState
	Close() error
}

type SenderFactory interface {
	NewSender(url string) (Sender, error)
}

// FrameSink receives frames pushed by a stream.
type FrameSink interface {
	OnFrame(frame *domain.Frame)
	OnStart()
	OnStop()
}

// SinkAddRemover is a push-based frame source.
type SinkAddRemover interface {
	AddSink(id string, sink FrameSink)
	RemoveSink(id string)
	SendFrame(frame *domain.Frame)
}

// Rescaler resizes planar video.
type Rescaler interface {
	Rescale(src *domain.Frame, width, height int) (*domain.Frame, error)
}

// Resampler converts PCM of any layout into canonical interleaved S16.
type Resampler interface {
	Resample(src *domain.Frame) ([]byte, error)
}

type ResamplerFactory interface {
	NewResampler(format domain.SampleFormat, rate, channels, outChannels int) (Resampler, error)
}
