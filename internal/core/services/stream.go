package services

import (
	"sync"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
)

// Stream fans frames out to registered sinks. It is the push-side source
// used by peer-connection inputs.
type Stream struct {
	mu      sync.RWMutex
	sinks   map[string]ports.FrameSink
	started bool
	closed  bool
}

func NewStream() *Stream {
	return &Stream{sinks: make(map[string]ports.FrameSink)}
}

// AddSink registers sink under id. A sink added to a running stream is
// started immediately.
func (s *Stream) AddSink(id string, sink ports.FrameSink) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sink.OnStop()
		return
	}
	s.sinks[id] = sink
	started := s.started
	s.mu.Unlock()

	if started {
		sink.OnStart()
	}
}

func (s *Stream) RemoveSink(id string) {
	s.mu.Lock()
	delete(s.sinks, id)
	s.mu.Unlock()
}

func (s *Stream) SendFrame(frame *domain.Frame) {
	for _, sink := range s.snapshot() {
		sink.OnFrame(frame)
	}
}

// Start notifies every sink that media is about to flow.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	for _, sink := range s.snapshot() {
		sink.OnStart()
	}
}

// Stop notifies and detaches every sink.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sinks := make([]ports.FrameSink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.sinks = make(map[string]ports.FrameSink)
	s.mu.Unlock()

	for _, sink := range sinks {
		sink.OnStop()
	}
}

func (s *Stream) SinkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sinks)
}

func (s *Stream) snapshot() []ports.FrameSink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sinks := make([]ports.FrameSink, 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	return sinks
}
