package rtmp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/infrastructure/flv"

	"go.uber.org/zap"
)

var (
	ErrPublishRejected = errors.New("publish rejected by server")
	ErrConnClosed      = errors.New("rtmp connection closed")
)

// Endpoint is a parsed rtmp:// or rtmps:// publish URL.
type Endpoint struct {
	Addr   string
	App    string
	Stream string
	TCURL  string
	TLS    bool
}

// ParseURL splits rtmp://host[:port]/app[/instance]/stream[?query]. The
// last path segment (plus query) is the stream name, the rest the app.
func ParseURL(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse rtmp url: %w", domain.ErrInvalidOption)
	}

	var ep Endpoint
	switch u.Scheme {
	case "rtmp":
	case "rtmps":
		ep.TLS = true
	default:
		return Endpoint{}, fmt.Errorf("%q: %w", u.Scheme, domain.ErrUnsupportedScheme)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("rtmp url without host: %w", domain.ErrInvalidOption)
	}

	port := u.Port()
	if port == "" {
		port = DefaultPort
		if ep.TLS {
			port = "443"
		}
	}
	ep.Addr = net.JoinHostPort(u.Hostname(), port)

	path := strings.Trim(u.Path, "/")
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return Endpoint{}, fmt.Errorf("rtmp url needs /app/stream: %w", domain.ErrInvalidOption)
	}
	ep.App = path[:i]
	ep.Stream = path[i+1:]
	if u.RawQuery != "" {
		ep.Stream += "?" + u.RawQuery
	}
	ep.TCURL = u.Scheme + "://" + u.Host + "/" + ep.App
	return ep, nil
}

type command struct {
	name  string
	txn   float64
	args  []interface{}
	level string
	code  string
}

// Conn is a publishing RTMP client connection.
type Conn struct {
	conn     net.Conn
	rw       *bufio.ReadWriter
	reader   *ChunkReader
	logger   *zap.SugaredLogger
	streamID uint32

	wmu    sync.Mutex
	writer *ChunkWriter

	commands chan command
	done     chan struct{}
	errMu    sync.Mutex
	readErr  error

	closeOnce sync.Once

	bytesIn      uint64
	ackWindow    uint32
	lastAcked    uint64
	nextTxnID    float64
	writeTimeout time.Duration
}

// DialConfig controls connection setup. WriteTimeout bounds every write
// once publishing; zero disables the deadline.
type DialConfig struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ChunkSize    int
	TLSConfig    *tls.Config
}

// Publish dials ep, performs the handshake and runs connect, createStream
// and publish. It returns once the server confirms NetStream.Publish.Start.
func Publish(ctx context.Context, ep Endpoint, cfg DialConfig, logger *zap.SugaredLogger) (*Conn, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = PublishChunkSize
	}
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	var (
		nc  net.Conn
		err error
	)
	dialer := &net.Dialer{}
	if ep.TLS {
		tlsCfg := cfg.TLSConfig
		if tlsCfg == nil {
			host, _, _ := net.SplitHostPort(ep.Addr)
			tlsCfg = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		}
		nc, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", ep.Addr)
	} else {
		nc, err = dialer.DialContext(ctx, "tcp", ep.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.Addr, err)
	}

	c, err := NewConn(ctx, nc, ep, cfg.ChunkSize, logger)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	c.SetWriteTimeout(cfg.WriteTimeout)
	return c, nil
}

// NewConn runs the publish sequence over an established transport.
func NewConn(ctx context.Context, nc net.Conn, ep Endpoint, chunkSize int, logger *zap.SugaredLogger) (*Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	rw := bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc))
	if err := ClientHandshake(rw, time.Now()); err != nil {
		return nil, fmt.Errorf("rtmp handshake: %w", err)
	}

	c := &Conn{
		conn:     nc,
		rw:       rw,
		logger:   logger.With("addr", ep.Addr, "app", ep.App),
		commands: make(chan command, 16),
		done:     make(chan struct{}),
	}
	c.reader = NewChunkReader(&countingReader{r: rw, n: &c.bytesIn})
	c.writer = NewChunkWriter(rw)
	go c.readLoop()

	if err := c.handshakeCommands(ctx, ep, chunkSize); err != nil {
		_ = c.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rtmp publish: %w", ctx.Err())
		}
		return nil, err
	}

	if !stop() && ctx.Err() != nil {
		_ = c.Close()
		return nil, fmt.Errorf("rtmp publish: %w", ctx.Err())
	}
	_ = nc.SetDeadline(time.Time{})
	c.logger.Infow("rtmp publishing", "stream_id", c.streamID, "chunk_size", chunkSize)
	return c, nil
}

func (c *Conn) handshakeCommands(ctx context.Context, ep Endpoint, chunkSize int) error {
	connectTxn, err := c.sendCommand(0, "connect", flv.Object{
		{Key: "app", Value: ep.App},
		{Key: "type", Value: "nonprivate"},
		{Key: "flashVer", Value: "FMLE/3.0 (compatible; rillmix)"},
		{Key: "tcUrl", Value: ep.TCURL},
	})
	if err != nil {
		return err
	}
	res, err := c.awaitResult(ctx, connectTxn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if res.name == "_error" {
		return fmt.Errorf("connect %s: %s: %w", ep.App, res.code, ErrPublishRejected)
	}

	c.wmu.Lock()
	err = c.writer.WriteSetChunkSize(chunkSize)
	if err == nil {
		err = c.rw.Flush()
	}
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("set chunk size: %w", err)
	}

	if _, err := c.sendCommand(0, "releaseStream", nil, ep.Stream); err != nil {
		return err
	}
	if _, err := c.sendCommand(0, "FCPublish", nil, ep.Stream); err != nil {
		return err
	}
	createTxn, err := c.sendCommand(0, "createStream", nil)
	if err != nil {
		return err
	}
	res, err = c.awaitResult(ctx, createTxn)
	if err != nil {
		return fmt.Errorf("createStream: %w", err)
	}
	if res.name == "_error" || len(res.args) < 2 {
		return fmt.Errorf("createStream: %w", ErrPublishRejected)
	}
	id, ok := res.args[1].(float64)
	if !ok {
		return fmt.Errorf("createStream: stream id of type %T: %w", res.args[1], ErrPublishRejected)
	}
	c.streamID = uint32(id)

	if _, err := c.sendCommandOn(c.streamID, 0, "publish", nil, ep.Stream, "live"); err != nil {
		return err
	}
	for {
		cmd, err := c.nextCommand(ctx)
		if err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		if cmd.name != "onStatus" {
			continue
		}
		if cmd.level == "error" {
			return fmt.Errorf("publish %s: %s: %w", ep.Stream, cmd.code, ErrPublishRejected)
		}
		if cmd.code == "NetStream.Publish.Start" {
			return nil
		}
	}
}

// sendCommand writes an AMF0 command on the command chunk stream. A zero
// txn allocates the next transaction id.
func (c *Conn) sendCommand(txn float64, name string, obj interface{}, args ...interface{}) (float64, error) {
	return c.sendCommandOn(0, txn, name, obj, args...)
}

func (c *Conn) sendCommandOn(streamID uint32, txn float64, name string, obj interface{}, args ...interface{}) (float64, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.sendCommandLocked(streamID, txn, name, obj, args...)
}

func (c *Conn) sendCommandLocked(streamID uint32, txn float64, name string, obj interface{}, args ...interface{}) (float64, error) {
	if txn == 0 && name != "publish" {
		c.nextTxnID++
		txn = c.nextTxnID
	}
	values := append([]interface{}{name, txn, obj}, args...)
	payload, err := flv.EncodeAMF0(values...)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", name, err)
	}
	if err := c.writer.WriteMessage(ChunkStreamCommand, MsgAMF0Command, streamID, 0, payload); err != nil {
		return 0, fmt.Errorf("write %s: %w", name, err)
	}
	if err := c.rw.Flush(); err != nil {
		return 0, fmt.Errorf("flush %s: %w", name, err)
	}
	return txn, nil
}

func (c *Conn) nextCommand(ctx context.Context) (command, error) {
	select {
	case cmd := <-c.commands:
		return cmd, nil
	case <-c.done:
		return command{}, c.Err()
	case <-ctx.Done():
		return command{}, ctx.Err()
	}
}

// awaitResult waits for the _result or _error answering txn, skipping
// unrelated calls such as onBWDone.
func (c *Conn) awaitResult(ctx context.Context, txn float64) (command, error) {
	for {
		cmd, err := c.nextCommand(ctx)
		if err != nil {
			return command{}, err
		}
		if (cmd.name == "_result" || cmd.name == "_error") && cmd.txn == txn {
			return cmd, nil
		}
	}
}

// WriteTag sends one FLV tag as an RTMP message on the published stream.
func (c *Conn) WriteTag(t flv.Tag) error {
	var csid uint32
	switch t.Type {
	case flv.TagVideo:
		csid = ChunkStreamVideo
	case flv.TagAudio:
		csid = ChunkStreamAudio
	case flv.TagScript:
		csid = ChunkStreamMetadata
	default:
		return fmt.Errorf("tag type %d: %w", t.Type, domain.ErrUnsupportedCodec)
	}

	select {
	case <-c.done:
		return c.Err()
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.armWriteLocked()
	if err := c.writer.WriteMessage(csid, t.Type, c.streamID, t.Timestamp, t.Data); err != nil {
		return err
	}
	if err := c.rw.Flush(); err != nil {
		return err
	}
	return nil
}

// SetWriteTimeout bounds each later write. A peer that stops reading then
// fails the write instead of blocking it.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

func (c *Conn) armWriteLocked() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// StreamID is the message stream allocated by createStream.
func (c *Conn) StreamID() uint32 {
	return c.streamID
}

// Done is closed when the read loop stops.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the read loop stopped.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		return ErrConnClosed
	}
	return c.readErr
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.readErr = fmt.Errorf("%w: %v", ErrConnClosed, err)
			} else {
				c.readErr = err
			}
			c.errMu.Unlock()
			return
		}
		if err := c.handleMessage(msg); err != nil {
			c.logger.Warnw("rtmp message handling failed", "type", msg.Type, "error", err)
		}
	}
}

func (c *Conn) handleMessage(msg *Message) error {
	switch msg.Type {
	case MsgWindowAckSize:
		if len(msg.Payload) >= 4 {
			c.wmu.Lock()
			c.ackWindow = binary.BigEndian.Uint32(msg.Payload)
			c.wmu.Unlock()
		}
	case MsgUserControl:
		if len(msg.Payload) >= 6 && binary.BigEndian.Uint16(msg.Payload) == eventPingRequest {
			pong := make([]byte, 6)
			binary.BigEndian.PutUint16(pong, eventPingResponse)
			copy(pong[2:], msg.Payload[2:6])
			if err := c.writeControl(MsgUserControl, pong); err != nil {
				return err
			}
		}
	case MsgAMF0Command:
		values, err := flv.DecodeAMF0(msg.Payload)
		if err != nil {
			return err
		}
		cmd := parseCommand(values)
		if cmd.name == "onStatus" && cmd.level == "error" {
			c.logger.Warnw("rtmp server reported error", "code", cmd.code)
		}
		select {
		case c.commands <- cmd:
		default:
		}
	}
	return c.maybeAck()
}

func (c *Conn) maybeAck() error {
	c.wmu.Lock()
	window := uint64(c.ackWindow)
	in := c.bytesIn
	due := window > 0 && in-c.lastAcked >= window
	if due {
		c.lastAcked = in
	}
	c.wmu.Unlock()
	if !due {
		return nil
	}
	return c.writeControl(MsgAck, binary.BigEndian.AppendUint32(nil, uint32(in)))
}

func (c *Conn) writeControl(typeID uint8, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.armWriteLocked()
	if err := c.writer.WriteMessage(ChunkStreamProtocol, typeID, 0, 0, payload); err != nil {
		return err
	}
	return c.rw.Flush()
}

// Close sends deleteStream when no other write is in flight and closes the
// transport, which also fails a write blocked on a stalled peer.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.streamID != 0 && c.wmu.TryLock() {
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			_, _ = c.sendCommandLocked(0, 0, "deleteStream", nil, float64(c.streamID))
			c.wmu.Unlock()
		}
		err = c.conn.Close()
		<-c.done
	})
	return err
}

func parseCommand(values []interface{}) command {
	var cmd command
	if len(values) > 0 {
		cmd.name, _ = values[0].(string)
	}
	if len(values) > 1 {
		cmd.txn, _ = values[1].(float64)
	}
	if len(values) > 2 {
		cmd.args = values[2:]
	}
	for _, a := range cmd.args {
		if obj, ok := a.(flv.Object); ok {
			if v, ok := obj.Get("level"); ok {
				cmd.level, _ = v.(string)
			}
			if v, ok := obj.Get("code"); ok {
				cmd.code, _ = v.(string)
			}
		}
	}
	return cmd
}

type countingReader struct {
	r io.Reader
	n *uint64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	*r.n += uint64(n)
	return n, err
}
