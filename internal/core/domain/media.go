package domain

import (
	"sync/atomic"
	"time"
)

type StreamKind int

const (
	KindUnknown StreamKind = iota
	KindVideo
	KindAudio
	KindData
)

func (k StreamKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

type Codec string

const (
	CodecRawVideo Codec = "rawvideo"
	CodecPCMS16   Codec = "pcm_s16le"
	CodecH264     Codec = "h264"
	CodecAAC      Codec = "aac"
	CodecOpus     Codec = "opus"
	CodecMP3      Codec = "mp3"
)

type SampleFormat int

const (
	SampleS16 SampleFormat = iota
	SampleS16P
	SampleF32
	SampleF32P
)

// BytesPerSample returns the size of one sample of one channel.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleF32, SampleF32P:
		return 4
	default:
		return 2
	}
}

func (f SampleFormat) Planar() bool {
	return f == SampleS16P || f == SampleF32P
}

// Canonical audio format every input is resampled into.
const (
	AudioSampleRate = 44100
	AudioChannels   = 2
	AudioFrameSize  = 1024
)

// Video canvas pacing.
const (
	VideoTick = 40 * time.Millisecond
	VideoFPS  = 25
)

// AudioFrameBytes is the byte size of one canonical S16 frame.
func AudioFrameBytes(channels int) int {
	return AudioFrameSize * channels * SampleS16.BytesPerSample()
}

// AudioFrameDuration is the play time of one canonical frame.
func AudioFrameDuration() time.Duration {
	return time.Duration(AudioFrameSize) * time.Second / AudioSampleRate
}

// Packet is one compressed unit moving between pipeline stages.
type Packet struct {
	Kind     StreamKind
	Codec    Codec
	PTS      int64
	DTS      int64
	Data     []byte
	KeyFrame bool

	Width  int
	Height int

	SampleRate int
	Channels   int
}

// Frame holds decoded pixels (planar I420) or PCM samples.
//
// Video frames use Data[0..2] for Y, U and V with Stride giving the byte
// length of one row. Interleaved audio keeps every sample in Data[0];
// planar audio stores one slice per channel.
type Frame struct {
	Kind  StreamKind
	Codec Codec
	PTS   int64

	Width  int
	Height int

	SampleFormat SampleFormat
	SampleRate   int
	Channels     int
	Samples      int

	Data   [][]byte
	Stride []int

	X int
	Y int
	Z int

	refs    atomic.Int32
	release func(*Frame)
}

// VideoBufferSize is the byte size of an I420 frame with rows padded to
// 32 bytes.
func VideoBufferSize(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return align(width, 32)*height + 2*align(cw, 32)*ch
}

// NewVideoFrame allocates an I420 frame. Rows are padded to a multiple of
// 32 bytes.
func NewVideoFrame(width, height int) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}
	return NewVideoFrameFromBuffer(width, height, make([]byte, VideoBufferSize(width, height)))
}

// NewVideoFrameFromBuffer lays the three planes out inside buf, which must
// hold at least VideoBufferSize bytes.
func NewVideoFrameFromBuffer(width, height int, buf []byte) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, ErrInvalidDimensions
	}
	if len(buf) < VideoBufferSize(width, height) {
		return nil, ErrInvalidFrame
	}
	f := &Frame{
		Kind:   KindVideo,
		Codec:  CodecRawVideo,
		Width:  width,
		Height: height,
		Data:   make([][]byte, 3),
		Stride: make([]int, 3),
	}
	off := 0
	for i := 0; i < 3; i++ {
		w, h := f.PlaneSize(i)
		f.Stride[i] = align(w, 32)
		n := f.Stride[i] * h
		f.Data[i] = buf[off : off+n : off+n]
		off += n
	}
	f.refs.Store(1)
	return f, nil
}

// NewAudioFrame wraps interleaved S16 samples at the canonical rate.
func NewAudioFrame(data []byte, channels int) *Frame {
	f := &Frame{
		Kind:         KindAudio,
		Codec:        CodecPCMS16,
		SampleFormat: SampleS16,
		SampleRate:   AudioSampleRate,
		Channels:     channels,
		Data:         [][]byte{data},
		Stride:       []int{len(data)},
	}
	if channels > 0 {
		f.Samples = len(data) / (channels * SampleS16.BytesPerSample())
	}
	f.refs.Store(1)
	return f
}

// PlaneSize returns the pixel width and height of plane i.
func (f *Frame) PlaneSize(i int) (int, int) {
	if i == 0 {
		return f.Width, f.Height
	}
	return (f.Width + 1) / 2, (f.Height + 1) / 2
}

// Validate checks that plane buffers cover the declared geometry.
func (f *Frame) Validate() error {
	if f == nil {
		return ErrInvalidFrame
	}
	switch f.Kind {
	case KindVideo:
		if f.Width <= 0 || f.Height <= 0 {
			return ErrInvalidDimensions
		}
		if len(f.Data) < 3 || len(f.Stride) < 3 {
			return ErrInvalidFrame
		}
		for i := 0; i < 3; i++ {
			w, h := f.PlaneSize(i)
			if f.Stride[i] < w || len(f.Data[i]) < f.Stride[i]*(h-1)+w {
				return ErrInvalidFrame
			}
		}
	case KindAudio:
		if f.Channels <= 0 || f.SampleRate <= 0 || len(f.Data) == 0 {
			return ErrInvalidFrame
		}
		want := 1
		if f.SampleFormat.Planar() {
			want = f.Channels
		}
		if len(f.Data) < want {
			return ErrInvalidFrame
		}
	default:
		return ErrInvalidFrame
	}
	return nil
}

// Placed returns a copy of f positioned at x, y, z. The copy shares the
// pixel planes but carries no reference count or releaser of its own.
func (f *Frame) Placed(x, y, z int) *Frame {
	return &Frame{
		Kind:         f.Kind,
		Codec:        f.Codec,
		PTS:          f.PTS,
		Width:        f.Width,
		Height:       f.Height,
		SampleFormat: f.SampleFormat,
		SampleRate:   f.SampleRate,
		Channels:     f.Channels,
		Samples:      f.Samples,
		Data:         f.Data,
		Stride:       f.Stride,
		X:            x,
		Y:            y,
		Z:            z,
	}
}

// SetReleaser installs the callback run when the last reference is dropped.
func (f *Frame) SetReleaser(fn func(*Frame)) {
	f.release = fn
}

// Retain adds a reference for another consumer.
func (f *Frame) Retain() *Frame {
	f.refs.Add(1)
	return f
}

// Release drops one reference. The releaser runs once the count hits zero.
func (f *Frame) Release() {
	if f.refs.Add(-1) == 0 && f.release != nil {
		f.release(f)
	}
}

func (f *Frame) Refs() int32 {
	return f.refs.Load()
}

func align(v, a int) int {
	return (v + a - 1) &^ (a - 1)
}
