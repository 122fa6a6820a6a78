package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rillmix/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type layoutStore struct {
	mu      sync.Mutex
	layouts map[string]*domain.Layout
	saves   int
	saveErr error
}

func newLayoutStore() *layoutStore {
	return &layoutStore{layouts: make(map[string]*domain.Layout)}
}

func (s *layoutStore) Save(_ context.Context, l *domain.Layout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.layouts[l.Session] = l
	return nil
}

func (s *layoutStore) Load(_ context.Context, session string) (*domain.Layout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layouts[session], nil
}

func (s *layoutStore) Delete(_ context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.layouts, session)
	return nil
}

func newServiceMuxer(t *testing.T) *Muxer {
	t.Helper()
	scripted := scriptedReceiver{}
	m, err := NewMuxer(DefaultMuxerConfig(), MuxerDeps{
		Codecs:     rawCodecs{},
		Receivers:  receiverFactory{receiver: scripted},
		Resamplers: passthroughResamplers{},
		Senders: senderFactory{sender: func() *mockSender {
			s := &mockSender{}
			s.On("Close").Return(nil)
			return s
		}()},
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestMixerService_PersistsLayout(t *testing.T) {
	ctx := context.Background()
	store := newLayoutStore()
	svc := NewMixerService(newServiceMuxer(t), store, "main", zaptest.NewLogger(t).Sugar())

	require.NoError(t, svc.AddInput(ctx, "cam1", "testsrc://cam1", map[string]interface{}{"muted": 1}))
	time.Sleep(time.Millisecond)
	require.NoError(t, svc.AddInput(ctx, "cam2", "testsrc://cam2", nil))
	require.NoError(t, svc.AddOutput(ctx, "live", "rtmp://localhost/live/key", nil))
	require.NoError(t, svc.SetInputOptions(ctx, "cam1", map[string]interface{}{"muted": nil, "z": 4}))
	require.NoError(t, svc.SetOptions(ctx, map[string]interface{}{"bgcolor": 0x101010}))

	layout, err := store.Load(ctx, "main")
	require.NoError(t, err)
	require.NotNil(t, layout)
	require.Len(t, layout.Inputs, 2)
	assert.Equal(t, domain.InputID("cam1"), layout.Inputs[0].ID)
	assert.Equal(t, map[string]interface{}{"z": 4}, layout.Inputs[0].Options)
	assert.Equal(t, "testsrc://cam2", layout.Inputs[1].URL)
	require.Len(t, layout.Outputs, 1)
	assert.Equal(t, 0x101010, layout.Options["bgcolor"])

	require.NoError(t, svc.RemoveInput(ctx, "cam2"))
	require.NoError(t, svc.RemoveOutput(ctx, "live"))
	layout, _ = store.Load(ctx, "main")
	assert.Len(t, layout.Inputs, 1)
	assert.Empty(t, layout.Outputs)
}

func TestMixerService_GeneratesIDs(t *testing.T) {
	ctx := context.Background()
	m := newServiceMuxer(t)
	svc := NewMixerService(m, nil, "main", zaptest.NewLogger(t).Sugar())

	require.NoError(t, svc.AddInput(ctx, "", "testsrc://anon", nil))
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Inputs, 1)
	assert.Len(t, string(stats.Inputs[0].ID), 36)
}

func TestMixerService_Validation(t *testing.T) {
	ctx := context.Background()
	svc := NewMixerService(newServiceMuxer(t), nil, "main", zaptest.NewLogger(t).Sugar())

	err := svc.AddInput(ctx, "cam 1", "testsrc://x", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidOption)

	err = svc.AddInput(ctx, "cam1", "not a url", nil)
	assert.ErrorIs(t, err, domain.ErrUnsupportedScheme)

	err = svc.AddOutput(ctx, "out", "", nil)
	assert.ErrorIs(t, err, domain.ErrUnsupportedScheme)

	assert.ErrorIs(t, svc.RemoveInput(ctx, "nope"), domain.ErrInputNotFound)
	assert.ErrorIs(t, svc.SetOutputOptions(ctx, "nope", nil), domain.ErrOutputNotFound)
}

func TestMixerService_SaveFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	store := newLayoutStore()
	store.saveErr = errors.New("redis down")
	svc := NewMixerService(newServiceMuxer(t), store, "main", zaptest.NewLogger(t).Sugar())

	require.NoError(t, svc.AddInput(ctx, "cam1", "testsrc://cam1", nil))
	stats, _ := svc.Stats(ctx)
	assert.Len(t, stats.Inputs, 1)
	assert.Equal(t, 1, store.saves)
}

func TestRestoreLayout(t *testing.T) {
	ctx := context.Background()
	store := newLayoutStore()
	require.NoError(t, store.Save(ctx, &domain.Layout{
		Session: "main",
		Options: map[string]interface{}{"bgcolor": 0xFF0000},
		Inputs: []domain.InputSpec{
			{ID: "cam1", URL: "testsrc://cam1"},
			{ID: "peer1", Peer: true},
		},
		Outputs: []domain.OutputSpec{{ID: "live", URL: "rtmp://localhost/live/key"}},
	}))

	m := newServiceMuxer(t)
	svc := NewMixerService(m, store, "main", zaptest.NewLogger(t).Sugar())
	require.NoError(t, RestoreLayout(ctx, svc))

	_, ok := m.Input("cam1")
	assert.True(t, ok)
	_, ok = m.Input("peer1")
	assert.False(t, ok)
	_, ok = m.Output("live")
	assert.True(t, ok)
	assert.Equal(t, 0xFF0000, m.IntOr(domain.OptBgColor, 0))
}
