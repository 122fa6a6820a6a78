package rtmp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/infrastructure/flv"
	"rillmix/pkg/circuitbreaker"
	"rillmix/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1F, 0xDA, 0x01}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00}
)

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}

func TestChunkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)
	require.NoError(t, w.WriteSetChunkSize(256))

	big := bytes.Repeat([]byte{0xAB}, 1000)
	msgs := []Message{
		{ChunkStream: ChunkStreamVideo, Type: MsgVideo, StreamID: 1, Timestamp: 0, Payload: big},
		{ChunkStream: ChunkStreamVideo, Type: MsgVideo, StreamID: 1, Timestamp: 40, Payload: []byte{1, 2, 3}},
		{ChunkStream: ChunkStreamAudio, Type: MsgAudio, StreamID: 1, Timestamp: 23, Payload: []byte{0xAF, 0x01}},
		{ChunkStream: ChunkStreamVideo, Type: MsgVideo, StreamID: 1, Timestamp: 0x2000000, Payload: big},
		{ChunkStream: ChunkStreamVideo, Type: MsgVideo, StreamID: 1, Timestamp: 10, Payload: []byte{4}},
		{ChunkStream: 300, Type: MsgAMF0Data, StreamID: 1, Timestamp: 5, Payload: []byte{9}},
	}
	for _, m := range msgs {
		require.NoError(t, w.WriteMessage(m.ChunkStream, m.Type, m.StreamID, m.Timestamp, m.Payload))
	}

	r := NewChunkReader(&buf)
	first, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, uint8(MsgSetChunkSize), first.Type)
	assert.Equal(t, 256, r.ChunkSize())

	for _, want := range msgs {
		got, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want.ChunkStream, got.ChunkStream)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.StreamID, got.StreamID)
		assert.Equal(t, want.Timestamp, got.Timestamp)
		assert.Equal(t, want.Payload, got.Payload)
	}
	assert.Zero(t, buf.Len())
}

func TestChunkWriter_HeaderFormats(t *testing.T) {
	var buf bytes.Buffer
	w := NewChunkWriter(&buf)

	require.NoError(t, w.WriteMessage(ChunkStreamAudio, MsgAudio, 1, 100, []byte{1}))
	assert.Equal(t, byte(fmtType0<<6|ChunkStreamAudio), buf.Bytes()[0])
	assert.Equal(t, 12+1, buf.Len())

	buf.Reset()
	require.NoError(t, w.WriteMessage(ChunkStreamAudio, MsgAudio, 1, 123, []byte{2}))
	assert.Equal(t, byte(fmtType1<<6|ChunkStreamAudio), buf.Bytes()[0])
	assert.Equal(t, uint32(23), uint24(buf.Bytes()[1:]), "type 1 carries the delta")

	buf.Reset()
	require.NoError(t, w.WriteMessage(ChunkStreamAudio, MsgAudio, 1, 50, []byte{3}))
	assert.Equal(t, byte(fmtType0<<6|ChunkStreamAudio), buf.Bytes()[0], "backwards timestamp restarts with type 0")

	buf.Reset()
	payload := bytes.Repeat([]byte{7}, DefaultChunkSize+1)
	require.NoError(t, w.WriteMessage(ChunkStreamVideo, MsgVideo, 1, 0, payload))
	assert.Equal(t, byte(fmtType3<<6|ChunkStreamVideo), buf.Bytes()[12+DefaultChunkSize])

	assert.ErrorIs(t, w.WriteMessage(1, MsgVideo, 1, 0, nil), ErrChunkStream)
}

func TestChunkReader_RejectsContinuationWithoutHeader(t *testing.T) {
	r := NewChunkReader(bytes.NewReader([]byte{fmtType3<<6 | ChunkStreamVideo}))
	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, ErrChunkStream)
}

func TestHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- ServerHandshake(bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)))
	}()

	require.NoError(t, ClientHandshake(bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), time.Now()))
	require.NoError(t, <-errc)
}

func TestParseURL(t *testing.T) {
	ep, err := ParseURL("rtmp://live.example.com/app/streamkey")
	require.NoError(t, err)
	assert.Equal(t, "live.example.com:1935", ep.Addr)
	assert.Equal(t, "app", ep.App)
	assert.Equal(t, "streamkey", ep.Stream)
	assert.Equal(t, "rtmp://live.example.com/app", ep.TCURL)
	assert.False(t, ep.TLS)

	ep, err = ParseURL("rtmps://ingest.example.com:4443/live/inst/key?auth=1")
	require.NoError(t, err)
	assert.Equal(t, "ingest.example.com:4443", ep.Addr)
	assert.Equal(t, "live/inst", ep.App)
	assert.Equal(t, "key?auth=1", ep.Stream)
	assert.True(t, ep.TLS)

	ep, err = ParseURL("rtmps://ingest.example.com/live/key")
	require.NoError(t, err)
	assert.Equal(t, "ingest.example.com:443", ep.Addr)

	_, err = ParseURL("http://example.com/app/key")
	assert.ErrorIs(t, err, domain.ErrUnsupportedScheme)
	for _, raw := range []string{"rtmp://example.com/app", "rtmp://example.com/", "rtmp:///app/key"} {
		_, err = ParseURL(raw)
		assert.ErrorIs(t, err, domain.ErrInvalidOption, raw)
	}
}

// fakeServer answers the publish sequence and forwards every message it
// reads to msgs. With stall set it stops reading once publishing starts
// and holds the connection open until stall is closed.
type fakeServer struct {
	rejectPublish bool
	stall         chan struct{}
	msgs          chan *Message
}

func startFakeServer(t *testing.T, conn net.Conn, rejectPublish bool) *fakeServer {
	t.Helper()
	s := &fakeServer{rejectPublish: rejectPublish, msgs: make(chan *Message, 128)}
	go s.serve(conn)
	return s
}

func startStallingServer(t *testing.T, conn net.Conn) *fakeServer {
	t.Helper()
	s := &fakeServer{stall: make(chan struct{}), msgs: make(chan *Message, 128)}
	t.Cleanup(func() { close(s.stall) })
	go s.serve(conn)
	return s
}

func (s *fakeServer) serve(conn net.Conn) {
	defer close(s.msgs)
	defer conn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if err := ServerHandshake(rw); err != nil {
		return
	}
	r := NewChunkReader(rw)
	w := NewChunkWriter(rw)
	send := func(csid uint32, typeID uint8, streamID uint32, values ...interface{}) error {
		payload, err := flv.EncodeAMF0(values...)
		if err != nil {
			return err
		}
		if err := w.WriteMessage(csid, typeID, streamID, 0, payload); err != nil {
			return err
		}
		return rw.Flush()
	}

	for {
		msg, err := r.ReadMessage()
		if err != nil {
			return
		}
		select {
		case s.msgs <- msg:
		default:
		}
		if msg.Type != MsgAMF0Command {
			continue
		}
		values, err := flv.DecodeAMF0(msg.Payload)
		if err != nil || len(values) < 2 {
			return
		}
		name, _ := values[0].(string)
		txn, _ := values[1].(float64)

		switch name {
		case "connect":
			err = send(ChunkStreamCommand, MsgAMF0Command, 0, "_result", txn,
				flv.Object{{Key: "fmsVer", Value: "FMS/3,0,1,123"}},
				flv.Object{{Key: "level", Value: "status"}, {Key: "code", Value: "NetConnection.Connect.Success"}})
		case "createStream":
			err = send(ChunkStreamCommand, MsgAMF0Command, 0, "_result", txn, nil, 1)
		case "publish":
			level, code := "status", "NetStream.Publish.Start"
			if s.rejectPublish {
				level, code = "error", "NetStream.Publish.BadName"
			}
			err = send(ChunkStreamMetadata, MsgAMF0Command, msg.StreamID, "onStatus", 0, nil,
				flv.Object{{Key: "level", Value: level}, {Key: "code", Value: code}})
			if err == nil && s.stall != nil {
				<-s.stall
				return
			}
			if err == nil && !s.rejectPublish {
				ping := []byte{0, eventPingRequest, 0x12, 0x34, 0x56, 0x78}
				if err = w.WriteMessage(ChunkStreamProtocol, MsgUserControl, 0, 0, ping); err == nil {
					err = rw.Flush()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *fakeServer) waitFor(t *testing.T, match func(*Message) bool) *Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-s.msgs:
			if !ok {
				t.Fatal("server closed before expected message")
			}
			if match(msg) {
				return msg
			}
		case <-timeout:
			t.Fatal("timed out waiting for message")
		}
	}
}

func isCommand(name string) func(*Message) bool {
	return func(m *Message) bool {
		if m.Type != MsgAMF0Command {
			return false
		}
		values, err := flv.DecodeAMF0(m.Payload)
		return err == nil && len(values) > 0 && values[0] == name
	}
}

func testEndpoint() Endpoint {
	ep, _ := ParseURL("rtmp://127.0.0.1/live/key")
	return ep
}

func TestConn_Publish(t *testing.T) {
	client, server := net.Pipe()
	srv := startFakeServer(t, server, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := NewConn(ctx, client, testEndpoint(), PublishChunkSize, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), conn.StreamID())

	srv.waitFor(t, func(m *Message) bool {
		return m.Type == MsgSetChunkSize && binary.BigEndian.Uint32(m.Payload) == PublishChunkSize
	})
	publish := srv.waitFor(t, isCommand("publish"))
	assert.Equal(t, uint32(1), publish.StreamID)
	values, err := flv.DecodeAMF0(publish.Payload)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"publish", float64(0), nil, "key", "live"}, values)

	pong := srv.waitFor(t, func(m *Message) bool { return m.Type == MsgUserControl })
	assert.Equal(t, []byte{0, eventPingResponse, 0x12, 0x34, 0x56, 0x78}, pong.Payload)

	payload := bytes.Repeat([]byte{0x17}, 10000)
	require.NoError(t, conn.WriteTag(flv.Tag{Type: flv.TagVideo, Timestamp: 40, Data: payload}))
	video := srv.waitFor(t, func(m *Message) bool { return m.Type == MsgVideo })
	assert.Equal(t, uint32(ChunkStreamVideo), video.ChunkStream)
	assert.Equal(t, uint32(40), video.Timestamp)
	assert.Equal(t, payload, video.Payload)

	assert.ErrorIs(t, conn.WriteTag(flv.Tag{Type: 99}), domain.ErrUnsupportedCodec)

	require.NoError(t, conn.Close())
	srv.waitFor(t, isCommand("deleteStream"))
}

func TestConn_PublishRejected(t *testing.T) {
	client, server := net.Pipe()
	startFakeServer(t, server, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewConn(ctx, client, testEndpoint(), PublishChunkSize, zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, err, ErrPublishRejected)
	assert.Contains(t, err.Error(), "NetStream.Publish.BadName")
}

func TestConn_PublishTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewConn(ctx, client, testEndpoint(), PublishChunkSize, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func testSenderConfig() SenderConfig {
	cfg := DefaultSenderConfig()
	cfg.Retry = retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	cfg.Breaker = circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour}
	cfg.Meta = flv.Meta{Width: 320, Height: 240, FrameRate: 25, SampleRate: 44100, Channels: 2}
	return cfg
}

func h264Packet(pts int64) *domain.Packet {
	return &domain.Packet{
		Kind:     domain.KindVideo,
		Codec:    domain.CodecH264,
		PTS:      pts,
		DTS:      pts,
		KeyFrame: true,
		Data:     annexB(testSPS, testPPS, testIDR),
	}
}

func TestSender_RejectsRawCodecs(t *testing.T) {
	s, err := NewSender("rtmp://127.0.0.1/live/key", testSenderConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	var dials atomic.Int32
	s.publish = func(context.Context, Endpoint, DialConfig, *zap.SugaredLogger) (*Conn, error) {
		dials.Add(1)
		return nil, errors.New("unreachable")
	}

	err = s.Send(context.Background(), &domain.Packet{Kind: domain.KindVideo, Codec: domain.CodecRawVideo})
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)
	assert.Zero(t, dials.Load())
	assert.Equal(t, domain.StateDisconnected, s.State())
	require.NoError(t, s.Close())
}

func TestSender_CircuitOpensAfterFailures(t *testing.T) {
	s, err := NewSender("rtmp://127.0.0.1/live/key", testSenderConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	var dials atomic.Int32
	s.publish = func(context.Context, Endpoint, DialConfig, *zap.SugaredLogger) (*Conn, error) {
		dials.Add(1)
		return nil, errors.New("connection refused")
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		err = s.Send(ctx, h264Packet(0))
		assert.ErrorIs(t, err, domain.ErrNotConnected)
	}
	assert.Equal(t, int32(4), dials.Load(), "each send makes one attempt plus one retry")
	assert.Equal(t, domain.StateReconnecting, s.State())

	err = s.Send(ctx, h264Packet(40))
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(4), dials.Load(), "open circuit does not dial")

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), domain.ErrClosed)
	assert.Equal(t, domain.StateClosed, s.State())
	assert.ErrorIs(t, s.Send(ctx, h264Packet(80)), domain.ErrClosed)
}

func TestSender_PublishesAndReconnects(t *testing.T) {
	s, err := NewSender("rtmp://127.0.0.1/live/key", testSenderConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	servers := make(chan *fakeServer, 2)
	serverConns := make(chan net.Conn, 2)
	s.publish = func(ctx context.Context, ep Endpoint, cfg DialConfig, logger *zap.SugaredLogger) (*Conn, error) {
		client, server := net.Pipe()
		servers <- startFakeServer(t, server, false)
		serverConns <- server
		return NewConn(ctx, client, ep, cfg.ChunkSize, logger)
	}

	ctx := context.Background()
	require.NoError(t, s.Send(ctx, h264Packet(0)))
	assert.Equal(t, domain.StateStreaming, s.State())
	assert.Zero(t, s.Reconnects())

	srv := <-servers
	meta := srv.waitFor(t, func(m *Message) bool { return m.Type == MsgAMF0Data })
	assert.Equal(t, uint32(ChunkStreamMetadata), meta.ChunkStream)
	header := srv.waitFor(t, func(m *Message) bool { return m.Type == MsgVideo })
	assert.Equal(t, []byte{0x17, 0x00}, header.Payload[:2])
	nalu := srv.waitFor(t, func(m *Message) bool { return m.Type == MsgVideo })
	assert.Equal(t, []byte{0x17, 0x01}, nalu.Payload[:2])

	// Server goes away: the next write fails and the one after reconnects.
	conn := s.conn
	require.NoError(t, (<-serverConns).Close())
	<-conn.Done()

	err = s.Send(ctx, h264Packet(40))
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, domain.StateReconnecting, s.State())

	require.NoError(t, s.Send(ctx, h264Packet(80)))
	assert.Equal(t, domain.StateStreaming, s.State())
	assert.Equal(t, uint64(1), s.Reconnects())

	srv = <-servers
	srv.waitFor(t, func(m *Message) bool { return m.Type == MsgAMF0Data })
	require.NoError(t, s.Close())
}

func stallingSender(t *testing.T, writeTimeout time.Duration) *Sender {
	t.Helper()
	s, err := NewSender("rtmp://127.0.0.1/live/key", testSenderConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	s.publish = func(ctx context.Context, ep Endpoint, cfg DialConfig, logger *zap.SugaredLogger) (*Conn, error) {
		client, server := net.Pipe()
		startStallingServer(t, server)
		c, err := NewConn(ctx, client, ep, cfg.ChunkSize, logger)
		if err != nil {
			return nil, err
		}
		c.SetWriteTimeout(writeTimeout)
		return c, nil
	}
	return s
}

func TestSender_WriteTimeoutOnStalledServer(t *testing.T) {
	s := stallingSender(t, 50*time.Millisecond)

	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), h264Packet(0)) }()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrNotConnected)
	case <-time.After(3 * time.Second):
		t.Fatal("Send blocked past the write timeout")
	}
	assert.Equal(t, domain.StateReconnecting, s.State())
	require.NoError(t, s.Close())
}

func TestSender_CloseUnblocksStalledSend(t *testing.T) {
	s := stallingSender(t, 0)

	errc := make(chan error, 1)
	go func() { errc <- s.Send(context.Background(), h264Packet(0)) }()
	require.Eventually(t, func() bool {
		return s.live.Load() != nil
	}, 3*time.Second, 5*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- s.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind a stalled write")
	}
	select {
	case err := <-errc:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Send still blocked after Close")
	}
	assert.Equal(t, domain.StateClosed, s.State())
}

func TestSenderFactory(t *testing.T) {
	f := NewSenderFactory(testSenderConfig(), zaptest.NewLogger(t).Sugar())

	s, err := f.NewSender("rtmp://127.0.0.1/live/key")
	require.NoError(t, err)
	assert.IsType(t, &Sender{}, s)
	require.NoError(t, s.Close())

	path := filepath.Join(t.TempDir(), "out.flv")
	s, err = f.NewSender("file://" + path)
	require.NoError(t, err)
	assert.IsType(t, &flv.FileSender{}, s)
	require.NoError(t, s.Close())

	_, err = f.NewSender("srt://127.0.0.1:9000")
	assert.ErrorIs(t, err, domain.ErrUnsupportedScheme)
}
