package services

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fixedCodecs struct {
	rawCodecs
	enc *rawEncoder
}

func (c fixedCodecs) NewEncoder(domain.StreamKind) (ports.Encoder, error) {
	return c.enc, nil
}

func newTestOutput(t *testing.T, cfg OutputConfig, deps OutputDeps) *Output {
	t.Helper()
	o := NewOutput("out1", cfg, deps, zaptest.NewLogger(t).Sugar())
	t.Cleanup(o.Stop)
	return o
}

func TestOutput_EncodesAndSends(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.MatchedBy(func(p *domain.Packet) bool {
		return p.Kind == domain.KindVideo && p.PTS == 40
	})).Return(nil).Once()
	sender.On("Close").Return(nil).Once()

	enc := &rawEncoder{}
	o := newTestOutput(t, DefaultOutputConfig(), OutputDeps{
		Codecs:  fixedCodecs{enc: enc},
		Senders: senderFactory{sender: sender},
	})
	require.NoError(t, o.Apply(map[string]interface{}{"vb": 2500}))
	require.NoError(t, o.Start("rtmp://localhost/live/key"))

	f := solidFrame(t, 16, 16, 1)
	f.PTS = 40
	require.True(t, o.Push(f))

	assert.Eventually(t, func() bool {
		return o.Stats().PacketsSent == 1
	}, time.Second, 5*time.Millisecond)

	enc.mu.Lock()
	assert.Equal(t, 2500, enc.bitrate)
	enc.mu.Unlock()

	stats := o.Stats()
	assert.Equal(t, domain.StateStreaming, stats.State)
	assert.Equal(t, "rtmp://localhost/live/key", stats.URL)

	o.Stop()
	assert.Equal(t, domain.StateClosed, o.Stats().State)
	sender.AssertExpectations(t)
}

func TestOutput_SendFailureDropsPacket(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("broken pipe"))
	sender.On("Close").Return(nil)

	o := newTestOutput(t, DefaultOutputConfig(), OutputDeps{
		Codecs:  rawCodecs{},
		Senders: senderFactory{sender: sender},
	})
	require.NoError(t, o.Start("rtmp://localhost/live/key"))

	require.True(t, o.Push(solidFrame(t, 16, 16, 1)))
	assert.Eventually(t, func() bool {
		return o.Stats().Dropped == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), o.Stats().PacketsSent)
}

func TestOutput_UnsupportedCodecWarnsOnce(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).
		Return(fmt.Errorf("rtmp cannot carry rawvideo: %w", domain.ErrUnsupportedCodec))
	sender.On("Close").Return(nil)

	core, logs := observer.New(zap.DebugLevel)
	o := NewOutput("out1", DefaultOutputConfig(), OutputDeps{
		Codecs:  rawCodecs{},
		Senders: senderFactory{sender: sender},
	}, zap.New(core).Sugar())
	t.Cleanup(o.Stop)
	require.NoError(t, o.Start("rtmp://localhost/live/key"))

	for i := 0; i < 3; i++ {
		require.True(t, o.Push(solidFrame(t, 16, 16, 1)))
	}
	assert.Eventually(t, func() bool {
		return o.Stats().Dropped == 3
	}, time.Second, 5*time.Millisecond)

	o.Stop()
	warns := logs.FilterLevelExact(zap.WarnLevel).FilterMessageSnippet("cannot carry codec")
	assert.Equal(t, 1, warns.Len())
	assert.Equal(t, 2, logs.FilterMessage("unsupported codec, packet dropped").Len())
}

func TestOutput_StartFailsWithoutSender(t *testing.T) {
	o := newTestOutput(t, DefaultOutputConfig(), OutputDeps{
		Codecs:  rawCodecs{},
		Senders: senderFactory{err: domain.ErrUnsupportedScheme},
	})
	err := o.Start("gopher://nowhere")
	assert.ErrorIs(t, err, domain.ErrUnsupportedScheme)
}

func TestOutput_PushEvictsOldestWhenFull(t *testing.T) {
	cfg := DefaultOutputConfig()
	cfg.QueueSize = 2
	o := newTestOutput(t, cfg, OutputDeps{})

	frames := []*domain.Frame{
		solidFrame(t, 8, 8, 1),
		solidFrame(t, 8, 8, 2),
		solidFrame(t, 8, 8, 3),
	}
	for _, f := range frames {
		f.Retain()
	}
	assert.True(t, o.Push(frames[0]))
	assert.True(t, o.Push(frames[1]))
	assert.True(t, o.Push(frames[2]))
	assert.Equal(t, uint64(1), o.Stats().Dropped)
	assert.Equal(t, 2, o.Stats().Queue)
	assert.Equal(t, int32(1), frames[0].Refs(), "the oldest frame is released")

	// Stop releases the references still queued.
	o.Stop()
	assert.Equal(t, int32(1), frames[1].Refs())
	assert.Equal(t, int32(1), frames[2].Refs())
	assert.False(t, o.Push(frames[0]))
}

func TestOutput_StopUnblocksStalledSend(t *testing.T) {
	sender := &blockingSender{unblock: make(chan struct{}), entered: make(chan struct{}, 1)}
	o := newTestOutput(t, DefaultOutputConfig(), OutputDeps{
		Codecs:  rawCodecs{},
		Senders: senderFactory{sender: sender},
	})
	require.NoError(t, o.Start("rtmp://localhost/live/key"))
	require.True(t, o.Push(solidFrame(t, 8, 8, 1)))

	select {
	case <-sender.entered:
	case <-time.After(time.Second):
		t.Fatal("send never started")
	}

	stopped := make(chan struct{})
	go func() {
		o.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked behind a stalled send")
	}
}

func TestOutput_SinkReceivesFrames(t *testing.T) {
	sink := &recordingSink{}
	o := newTestOutput(t, DefaultOutputConfig(), OutputDeps{})
	o.StartSink(sink)
	assert.Equal(t, 1, sink.started)

	for i := 0; i < 5; i++ {
		f := solidFrame(t, 8, 8, uint8(i))
		f.PTS = int64(i * 40)
		require.True(t, o.Push(f))
	}
	assert.Eventually(t, func() bool {
		return sink.count() == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{0, 40, 80, 120, 160}, sink.timestamps())

	o.Stop()
	assert.Equal(t, 1, sink.stopped)
}
