package receiver

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"net/url"
	"strconv"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/internal/core/services"
	"rillmix/internal/infrastructure/media"
)

const TestSourceScheme = "testsrc"

// TestSource synthesizes raw video (a solid color with a sweeping bar) and
// a sine tone in real time. Query parameters: w, h, fps, color (0xRRGGBB),
// tone (Hz, 0 for silence), channels, duration (stop after, e.g. "5s").
type TestSource struct {
	Width    int
	Height   int
	FPS      int
	Color    int
	Tone     float64
	Channels int
	Duration time.Duration
}

func NewTestSource(rawURL string) (*TestSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse testsrc url: %w", domain.ErrInvalidOption)
	}
	if u.Scheme != TestSourceScheme {
		return nil, fmt.Errorf("%q: %w", u.Scheme, domain.ErrUnsupportedScheme)
	}

	q := u.Query()
	s := &TestSource{
		Width:    320,
		Height:   240,
		FPS:      25,
		Color:    colorFromName(u.Host + u.Path),
		Tone:     440,
		Channels: 2,
	}
	ints := []struct {
		key string
		dst *int
		min int
		max int
	}{
		{"w", &s.Width, 2, 7680},
		{"h", &s.Height, 2, 4320},
		{"fps", &s.FPS, 1, 120},
		{"channels", &s.Channels, 1, 2},
	}
	for _, p := range ints {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < p.min || n > p.max {
			return nil, fmt.Errorf("testsrc %s=%q: %w", p.key, v, domain.ErrInvalidOption)
		}
		*p.dst = n
	}
	if s.Width%2 != 0 || s.Height%2 != 0 {
		return nil, fmt.Errorf("testsrc %dx%d: %w", s.Width, s.Height, domain.ErrInvalidDimensions)
	}
	if v := q.Get("color"); v != "" {
		c, err := strconv.ParseInt(v, 0, 32)
		if err != nil || c < 0 || c > 0xFFFFFF {
			return nil, fmt.Errorf("testsrc color=%q: %w", v, domain.ErrInvalidOption)
		}
		s.Color = int(c)
	}
	if v := q.Get("tone"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > domain.AudioSampleRate/2 {
			return nil, fmt.Errorf("testsrc tone=%q: %w", v, domain.ErrInvalidOption)
		}
		s.Tone = f
	}
	if v := q.Get("duration"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("testsrc duration=%q: %w", v, domain.ErrInvalidOption)
		}
		s.Duration = d
	}
	return s, nil
}

// colorFromName gives every named source its own stable color.
func colorFromName(name string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int(h.Sum32() & 0xFFFFFF)
}

// Receive emits packets until ctx ends, handle fails or Duration elapses.
func (s *TestSource) Receive(ctx context.Context, _ string, handle func(*domain.Packet) error) error {
	var stop <-chan time.Time
	if s.Duration > 0 {
		timer := time.NewTimer(s.Duration)
		defer timer.Stop()
		stop = timer.C
	}

	frame, err := domain.NewVideoFrame(s.Width, s.Height)
	if err != nil {
		return err
	}
	y, u, v := services.RGBToYUV(s.Color)

	videoTick := time.NewTicker(time.Second / time.Duration(s.FPS))
	defer videoTick.Stop()
	audioTick := time.NewTicker(domain.AudioFrameDuration())
	defer audioTick.Stop()

	var (
		videoFrames int64
		samples     int64
	)
	emitVideo := func() error {
		services.Fill(frame, y, u, v)
		s.drawBar(frame, videoFrames)
		pts := videoFrames * 1000 / int64(s.FPS)
		videoFrames++
		return handle(&domain.Packet{
			Kind:     domain.KindVideo,
			Codec:    domain.CodecRawVideo,
			PTS:      pts,
			DTS:      pts,
			KeyFrame: true,
			Data:     media.PackI420(frame),
			Width:    s.Width,
			Height:   s.Height,
		})
	}
	emitAudio := func() error {
		pts := samples * 1000 / domain.AudioSampleRate
		data := s.tone(samples)
		samples += domain.AudioFrameSize
		return handle(&domain.Packet{
			Kind:       domain.KindAudio,
			Codec:      domain.CodecPCMS16,
			PTS:        pts,
			DTS:        pts,
			Data:       data,
			SampleRate: domain.AudioSampleRate,
			Channels:   s.Channels,
		})
	}

	if err := emitVideo(); err != nil {
		return err
	}
	if err := emitAudio(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-videoTick.C:
			if err := emitVideo(); err != nil {
				return err
			}
		case <-audioTick.C:
			if err := emitAudio(); err != nil {
				return err
			}
		}
	}
}

// drawBar paints a white vertical bar that moves one step per frame.
func (s *TestSource) drawBar(f *domain.Frame, n int64) {
	barW := max(s.Width/16, 2) &^ 1
	x0 := int(n*int64(barW)/2) % (s.Width - barW + 1) &^ 1
	for row := 0; row < s.Height; row++ {
		off := row * f.Stride[0]
		for x := x0; x < x0+barW; x++ {
			f.Data[0][off+x] = 235
		}
	}
	for p := 1; p < 3; p++ {
		_, ch := f.PlaneSize(p)
		for row := 0; row < ch; row++ {
			off := row * f.Stride[p]
			for x := x0 / 2; x < (x0+barW)/2; x++ {
				f.Data[p][off+x] = 128
			}
		}
	}
}

// tone renders one canonical frame of interleaved S16 starting at sample
// index first.
func (s *TestSource) tone(first int64) []byte {
	data := make([]byte, domain.AudioFrameSize*s.Channels*2)
	if s.Tone == 0 {
		return data
	}
	step := 2 * math.Pi * s.Tone / domain.AudioSampleRate
	for i := 0; i < domain.AudioFrameSize; i++ {
		v := int16(math.Sin(step*float64(first+int64(i))) * 0.25 * math.MaxInt16)
		for c := 0; c < s.Channels; c++ {
			binary.LittleEndian.PutUint16(data[(i*s.Channels+c)*2:], uint16(v))
		}
	}
	return data
}

var _ ports.Receiver = (*TestSource)(nil)
