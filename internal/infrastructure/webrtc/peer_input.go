package webrtc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/internal/core/services"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
	"go.uber.org/zap"
)

// Config configures peer connections of published inputs.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// PLIInterval repeats keyframe requests while a video track has not
	// delivered one yet.
	PLIInterval time.Duration
}

// PeerInputService turns published WebRTC peer connections into mixer
// inputs. Each peer feeds a push stream; received samples are decoded and
// pushed as frames.
type PeerInputService struct {
	config Config
	mixer  ports.MixerService
	codecs ports.CodecFactory
	api    *webrtc.API

	mu    sync.Mutex
	peers map[domain.InputID]*peer

	logger *zap.SugaredLogger
}

type peer struct {
	id     domain.InputID
	pc     *webrtc.PeerConnection
	stream *services.Stream
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
}

func NewPeerInputService(config Config, mixer ports.MixerService, codecs ports.CodecFactory, logger *zap.SugaredLogger) (*PeerInputService, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	if config.PLIInterval <= 0 {
		config.PLIInterval = 3 * time.Second
	}

	return &PeerInputService{
		config: config,
		mixer:  mixer,
		codecs: codecs,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine)),
		peers:  make(map[domain.InputID]*peer),
		logger: logger,
	}, nil
}

// Publish answers offer and registers the peer as input id. The answer is
// returned once ICE gathering completes, so it carries every local
// candidate.
func (s *PeerInputService) Publish(ctx context.Context, id domain.InputID, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.mu.Lock()
	if _, exists := s.peers[id]; exists {
		s.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("peer %s: %w", id, domain.ErrInputExists)
	}
	s.mu.Unlock()

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.config.ICEServers})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			_ = pc.Close()
			return webrtc.SessionDescription{}, err
		}
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &peer{id: id, pc: pc, stream: services.NewStream(), cancel: cancel}

	pc.OnTrack(s.handleTrack(pctx, p))
	pc.OnConnectionStateChange(s.handleConnectionState(p))

	if err := pc.SetRemoteDescription(offer); err != nil {
		cancel()
		_ = pc.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		cancel()
		_ = pc.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		cancel()
		_ = pc.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		cancel()
		_ = pc.Close()
		return webrtc.SessionDescription{}, ctx.Err()
	}

	s.mu.Lock()
	if _, exists := s.peers[id]; exists {
		s.mu.Unlock()
		cancel()
		_ = pc.Close()
		return webrtc.SessionDescription{}, fmt.Errorf("peer %s: %w", id, domain.ErrInputExists)
	}
	s.peers[id] = p
	s.mu.Unlock()

	if err := s.mixer.AddStreamInput(ctx, id, p.stream, nil); err != nil {
		s.drop(id)
		p.close()
		return webrtc.SessionDescription{}, err
	}

	s.logger.Infow("peer input published", "input_id", id)
	return *pc.LocalDescription(), nil
}

func (s *PeerInputService) AddICECandidate(_ context.Context, id domain.InputID, candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	p, ok := s.peers[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("peer %s: %w", id, domain.ErrInputNotFound)
	}
	return p.pc.AddICECandidate(candidate)
}

// Close tears down the peer and removes its input.
func (s *PeerInputService) Close(ctx context.Context, id domain.InputID) error {
	p := s.drop(id)
	if p == nil {
		return fmt.Errorf("peer %s: %w", id, domain.ErrInputNotFound)
	}
	p.close()

	err := s.mixer.RemoveInput(ctx, id)
	if errors.Is(err, domain.ErrInputNotFound) {
		err = nil
	}
	s.logger.Infow("peer input closed", "input_id", id)
	return err
}

// CloseAll tears down every peer.
func (s *PeerInputService) CloseAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]domain.InputID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Close(ctx, id); err != nil {
			s.logger.Warnw("failed to close peer input", "input_id", id, "error", err)
		}
	}
}

func (s *PeerInputService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *PeerInputService) drop(id domain.InputID) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return nil
	}
	delete(s.peers, id)
	return p
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.stream.Stop()
		_ = p.pc.Close()
	})
}

func (s *PeerInputService) handleConnectionState(p *peer) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		s.logger.Infow("peer connection state changed",
			"input_id", p.id,
			"connection_state", state.String(),
		)

		switch state {
		case webrtc.PeerConnectionStateConnected:
			p.startOnce.Do(p.stream.Start)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			// Close runs on its own goroutine: pion invokes this callback
			// while holding connection state.
			go func() {
				if err := s.Close(context.Background(), p.id); err != nil && !errors.Is(err, domain.ErrInputNotFound) {
					s.logger.Warnw("failed to remove peer input", "input_id", p.id, "error", err)
				}
			}()
		}
	}
}

func (s *PeerInputService) handleTrack(ctx context.Context, p *peer) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		logger := s.logger.With("input_id", p.id, "track_id", track.ID(), "codec", track.Codec().MimeType)
		logger.Infow("peer started streaming track")

		go drainRTCP(receiver)

		tr, err := newTrackReader(track.Codec().MimeType, track.Codec().ClockRate, s.codecs, p.stream, logger)
		if err != nil {
			logger.Warnw("unsupported track, discarding", "error", err)
			discard(track)
			return
		}
		defer tr.close()

		if tr.kind == domain.KindVideo {
			go s.requestKeyframes(ctx, p.pc, track, tr)
		}
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				logger.Debugw("track ended", "error", err)
				return
			}
			tr.push(pkt)
		}
	}
}

// requestKeyframes sends PLI until the track has produced a keyframe.
func (s *PeerInputService) requestKeyframes(ctx context.Context, pc *webrtc.PeerConnection, track *webrtc.TrackRemote, tr *trackReader) {
	ticker := time.NewTicker(s.config.PLIInterval)
	defer ticker.Stop()
	for {
		if !tr.waitingKeyframe() {
			return
		}
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			s.logger.Debugw("failed to send PLI", "track_id", track.ID(), "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drainRTCP reads RTCP so interceptors keep running.
func drainRTCP(receiver *webrtc.RTPReceiver) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := receiver.Read(buf); err != nil {
			return
		}
	}
}

func discard(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// trackReader reassembles RTP into samples and decodes them into frames
// pushed to a stream.
type trackReader struct {
	kind      domain.StreamKind
	codec     domain.Codec
	clockRate uint32
	builder   *samplebuilder.SampleBuilder
	decoder   ports.Decoder
	sink      ports.SinkAddRemover
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	gotKeyframe bool
	firstTS     uint32
	started     bool
	channels    int
}

func newTrackReader(mimeType string, clockRate uint32, codecFactory ports.CodecFactory, sink ports.SinkAddRemover, logger *zap.SugaredLogger) (*trackReader, error) {
	var (
		depacketizer rtp.Depacketizer
		kind         domain.StreamKind
		codec        domain.Codec
		maxLate      uint16
		channels     int
	)
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		depacketizer, kind, codec, maxLate = &codecs.H264Packet{}, domain.KindVideo, domain.CodecH264, 512
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		depacketizer, kind, codec, maxLate, channels = &codecs.OpusPacket{}, domain.KindAudio, domain.CodecOpus, 32, 2
	default:
		return nil, fmt.Errorf("%s: %w", mimeType, domain.ErrUnsupportedCodec)
	}
	if clockRate == 0 {
		return nil, fmt.Errorf("%s without clock rate: %w", mimeType, domain.ErrUnsupportedCodec)
	}

	tr := &trackReader{
		kind:      kind,
		codec:     codec,
		clockRate: clockRate,
		builder:   samplebuilder.New(maxLate, depacketizer, clockRate),
		sink:      sink,
		logger:    logger,
		channels:  channels,
	}
	dec, err := codecFactory.NewDecoder(codec)
	if err != nil {
		logger.Warnw("no decoder for track, samples will be dropped", "error", err)
	} else {
		tr.decoder = dec
	}
	return tr, nil
}

func (tr *trackReader) waitingKeyframe() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return !tr.gotKeyframe
}

func (tr *trackReader) push(pkt *rtp.Packet) {
	if tr.kind == domain.KindVideo && isKeyframePacket(pkt.Payload) {
		tr.mu.Lock()
		tr.gotKeyframe = true
		tr.mu.Unlock()
	}
	tr.builder.Push(pkt)
	for sample := tr.builder.Pop(); sample != nil; sample = tr.builder.Pop() {
		tr.handleSample(sample)
	}
}

// packet converts a sample into a domain packet with a millisecond PTS
// relative to the first sample of the track.
func (tr *trackReader) packet(sample *media.Sample) *domain.Packet {
	if !tr.started {
		tr.firstTS = sample.PacketTimestamp
		tr.started = true
	}
	pts := int64(sample.PacketTimestamp-tr.firstTS) * 1000 / int64(tr.clockRate)
	pkt := &domain.Packet{
		Kind:  tr.kind,
		Codec: tr.codec,
		PTS:   pts,
		DTS:   pts,
		Data:  sample.Data,
	}
	if tr.kind == domain.KindVideo {
		pkt.KeyFrame = isKeyframeSample(sample.Data)
	} else {
		pkt.KeyFrame = true
		pkt.SampleRate = int(tr.clockRate)
		pkt.Channels = tr.channels
	}
	return pkt
}

func (tr *trackReader) handleSample(sample *media.Sample) {
	if sample.PrevDroppedPackets > 0 {
		tr.logger.Debugw("samples lost", "packets", sample.PrevDroppedPackets)
	}
	pkt := tr.packet(sample)
	if tr.decoder == nil {
		return
	}
	err := tr.decoder.Decode(pkt, func(f *domain.Frame) error {
		tr.sink.SendFrame(f)
		return nil
	})
	if err != nil {
		tr.logger.Debugw("decode failed, dropping sample", "error", err)
	}
}

func (tr *trackReader) close() {
	if tr.decoder != nil {
		_ = tr.decoder.Close()
	}
}

var _ ports.PeerInputService = (*PeerInputService)(nil)
