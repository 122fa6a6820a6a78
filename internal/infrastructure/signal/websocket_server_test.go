package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rillmix/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testOffer = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type mockPeers struct {
	mock.Mock
}

func (m *mockPeers) Publish(ctx context.Context, id domain.InputID, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	args := m.Called(ctx, id, offer)
	return args.Get(0).(webrtc.SessionDescription), args.Error(1)
}

func (m *mockPeers) AddICECandidate(ctx context.Context, id domain.InputID, candidate webrtc.ICECandidateInit) error {
	return m.Called(ctx, id, candidate).Error(0)
}

func (m *mockPeers) Close(ctx context.Context, id domain.InputID) error {
	return m.Called(ctx, id).Error(0)
}

func newTestServer(t *testing.T, peers *mockPeers, config Config) (*WebSocketServer, *websocket.Conn) {
	t.Helper()
	srv := NewWebSocketServer(peers, config, zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, msg Message) Message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var reply Message
	require.NoError(t, conn.ReadJSON(&reply))
	return reply
}

func TestWebSocketServer_OfferAndLeave(t *testing.T) {
	peers := &mockPeers{}
	peers.On("Publish", mock.Anything, domain.InputID("cam1"), mock.MatchedBy(func(sd webrtc.SessionDescription) bool {
		return sd.Type == webrtc.SDPTypeOffer && sd.SDP == testOffer
	})).Return(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil).Once()
	peers.On("AddICECandidate", mock.Anything, domain.InputID("cam1"), mock.Anything).Return(nil).Once()
	peers.On("Close", mock.Anything, domain.InputID("cam1")).Return(nil).Once()

	srv, conn := newTestServer(t, peers, DefaultConfig())

	reply := roundTrip(t, conn, Message{Type: "offer", InputID: "cam1", SDP: testOffer})
	assert.Equal(t, "answer", reply.Type)
	assert.Equal(t, domain.InputID("cam1"), reply.InputID)
	assert.Equal(t, "answer-sdp", reply.SDP)
	assert.Equal(t, 1, srv.Connections())

	mid := "0"
	require.NoError(t, conn.WriteJSON(Message{Type: "ice_candidate", InputID: "cam1", Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid}}))

	reply = roundTrip(t, conn, Message{Type: "leave", InputID: "cam1"})
	assert.Equal(t, "left", reply.Type)
	peers.AssertExpectations(t)
}

func TestWebSocketServer_GeneratesInputID(t *testing.T) {
	peers := &mockPeers{}
	peers.On("Publish", mock.Anything, mock.MatchedBy(func(id domain.InputID) bool {
		return strings.HasPrefix(string(id), "peer")
	}), mock.Anything).Return(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}, nil).Once()
	peers.On("Close", mock.Anything, mock.Anything).Return(nil)

	_, conn := newTestServer(t, peers, DefaultConfig())
	reply := roundTrip(t, conn, Message{Type: "offer", SDP: testOffer})
	assert.Equal(t, "answer", reply.Type)
	assert.NotEmpty(t, reply.InputID)
}

func TestWebSocketServer_Errors(t *testing.T) {
	peers := &mockPeers{}
	peers.On("Publish", mock.Anything, domain.InputID("dup"), mock.Anything).
		Return(webrtc.SessionDescription{}, domain.ErrInputExists).Once()

	_, conn := newTestServer(t, peers, DefaultConfig())

	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"missing type", Message{}, "message type is required"},
		{"unknown type", Message{Type: "bogus"}, "unknown message type"},
		{"empty sdp", Message{Type: "offer", InputID: "a"}, "SDP cannot be empty"},
		{"malformed sdp", Message{Type: "offer", InputID: "a", SDP: "hello"}, "must start with 'v='"},
		{"bad id", Message{Type: "offer", InputID: "bad id!", SDP: testOffer}, "input"},
		{"publish fails", Message{Type: "offer", InputID: "dup", SDP: testOffer}, domain.ErrInputExists.Error()},
		{"leave unknown", Message{Type: "leave", InputID: "ghost"}, domain.ErrInputNotFound.Error()},
		{"candidate missing", Message{Type: "ice_candidate", InputID: "ghost"}, "candidate is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := roundTrip(t, conn, tt.msg)
			assert.Equal(t, "error", reply.Type)
			assert.Contains(t, reply.Message, tt.want)
		})
	}
	peers.AssertExpectations(t)
}

func TestWebSocketServer_ClosesInputsOnDisconnect(t *testing.T) {
	closed := make(chan domain.InputID, 1)
	peers := &mockPeers{}
	peers.On("Publish", mock.Anything, domain.InputID("cam2"), mock.Anything).
		Return(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}, nil).Once()
	peers.On("Close", mock.Anything, domain.InputID("cam2")).Return(nil).Once().
		Run(func(args mock.Arguments) { closed <- args.Get(1).(domain.InputID) })

	srv, conn := newTestServer(t, peers, DefaultConfig())
	roundTrip(t, conn, Message{Type: "offer", InputID: "cam2", SDP: testOffer})
	require.NoError(t, conn.Close())

	select {
	case id := <-closed:
		assert.Equal(t, domain.InputID("cam2"), id)
	case <-time.After(5 * time.Second):
		t.Fatal("input was not closed after disconnect")
	}
	assert.Eventually(t, func() bool { return srv.Connections() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketServer_RateLimit(t *testing.T) {
	config := DefaultConfig()
	config.MessagesPerSecond = 0.001
	config.Burst = 1
	_, conn := newTestServer(t, &mockPeers{}, config)

	reply := roundTrip(t, conn, Message{Type: "bogus"})
	assert.Contains(t, reply.Message, "unknown message type")
	reply = roundTrip(t, conn, Message{Type: "bogus"})
	assert.Equal(t, "rate limit exceeded", reply.Message)
}

func TestWebSocketServer_CheckOrigin(t *testing.T) {
	srv := NewWebSocketServer(&mockPeers{}, Config{AllowedOrigins: []string{"https://studio.example.com"}}, zaptest.NewLogger(t).Sugar())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, srv.checkOrigin(req))
	req.Header.Set("Origin", "https://studio.example.com")
	assert.True(t, srv.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, srv.checkOrigin(req))
}

func TestValidateSDP(t *testing.T) {
	assert.NoError(t, validateSDP(testOffer))
	assert.Error(t, validateSDP("v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"))
}
