package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/pkg/tracing"
	"rillmix/pkg/utils"
	"rillmix/pkg/validation"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls websocket keepalive and per-connection limits.
type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	// MessagesPerSecond of zero disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

// Message is one signaling frame in either direction.
type Message struct {
	Type      string                   `json:"type"`
	InputID   domain.InputID           `json:"input_id,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Message   string                   `json:"message,omitempty"`
}

// WebSocketServer negotiates peer inputs over websocket.
type WebSocketServer struct {
	peers    ports.PeerInputService
	config   Config
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*client

	logger *zap.SugaredLogger
}

type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	inputs  map[domain.InputID]struct{}
	limiter *rate.Limiter
}

func NewWebSocketServer(peers ports.PeerInputService, config Config, logger *zap.SugaredLogger) *WebSocketServer {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.PongTimeout <= config.PingInterval {
		config.PongTimeout = 2 * config.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	s := &WebSocketServer{
		peers:       peers,
		config:      config,
		connections: make(map[string]*client),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{
		id:     utils.GenerateID("ws"),
		conn:   conn,
		inputs: make(map[domain.InputID]struct{}),
	}
	if s.config.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.config.MessagesPerSecond), max(s.config.Burst, 1))
	}

	s.mu.Lock()
	s.connections[c.id] = c
	s.mu.Unlock()
	logger := s.logger.With("client_id", c.id)
	logger.Infow("signaling client connected", "remote", r.RemoteAddr)

	if s.config.MaxMessageSize > 0 {
		conn.SetReadLimit(s.config.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	pingTicker := time.NewTicker(s.config.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Message, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

loop:
	for {
		select {
		case msg := <-messageChan:
			if c.limiter != nil && !c.limiter.Allow() {
				s.send(c, Message{Type: "error", InputID: msg.InputID, Message: "rate limit exceeded"})
				continue
			}
			reply, err := s.handleMessage(r.Context(), c, msg)
			if err != nil {
				logger.Infow("error handling signaling message", "type", msg.Type, "error", err)
				reply = &Message{Type: "error", InputID: msg.InputID, Message: err.Error()}
			}
			if reply != nil {
				s.send(c, *reply)
			}

		case <-pingTicker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				logger.Infow("error sending ping", "error", err)
				break loop
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Infow("error reading signaling message", "error", err)
			}
			break loop
		}
	}

	s.mu.Lock()
	delete(s.connections, c.id)
	s.mu.Unlock()

	// Inputs published over this connection go away with it.
	for id := range c.inputs {
		if err := s.peers.Close(context.Background(), id); err != nil && !errors.Is(err, domain.ErrInputNotFound) {
			logger.Warnw("failed to close peer input", "input_id", id, "error", err)
		}
	}
	logger.Infow("signaling client disconnected", "inputs", len(c.inputs))
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *client, msg Message) (*Message, error) {
	ctx, span := tracing.TraceSignal(ctx, msg.Type, string(msg.InputID))
	defer span.End()

	switch msg.Type {
	case "offer":
		return s.handleOffer(ctx, c, msg)
	case "ice_candidate":
		if msg.Candidate == nil {
			return nil, fmt.Errorf("candidate is required")
		}
		if _, ok := c.inputs[msg.InputID]; !ok {
			return nil, fmt.Errorf("input %q: %w", msg.InputID, domain.ErrInputNotFound)
		}
		return nil, s.peers.AddICECandidate(ctx, msg.InputID, *msg.Candidate)
	case "leave":
		if _, ok := c.inputs[msg.InputID]; !ok {
			return nil, fmt.Errorf("input %q: %w", msg.InputID, domain.ErrInputNotFound)
		}
		delete(c.inputs, msg.InputID)
		if err := s.peers.Close(ctx, msg.InputID); err != nil {
			return nil, err
		}
		return &Message{Type: "left", InputID: msg.InputID}, nil
	case "":
		return nil, fmt.Errorf("message type is required")
	default:
		return nil, fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (s *WebSocketServer) handleOffer(ctx context.Context, c *client, msg Message) (*Message, error) {
	if err := validateSDP(msg.SDP); err != nil {
		return nil, err
	}
	id := msg.InputID
	if id == "" {
		id = domain.InputID(utils.GenerateID("peer"))
	}
	if err := validation.ValidateEntityID("input", string(id)); err != nil {
		return nil, err
	}

	answer, err := s.peers.Publish(ctx, id, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP})
	if err != nil {
		return nil, err
	}
	c.inputs[id] = struct{}{}
	return &Message{Type: "answer", InputID: id, SDP: answer.SDP}, nil
}

func (s *WebSocketServer) send(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debugw("failed to write signaling message", "client_id", c.id, "error", err)
	}
}

// validateSDP checks the mandatory session-level fields.
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, "\n"+field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

// Connections returns the number of open signaling sockets.
func (s *WebSocketServer) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}
