package ports

import (
	"context"

	"rillmix/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

type MixerService interface {
	AddInput(ctx context.Context, id domain.InputID, url string, opts map[string]interface{}) error
	AddStreamInput(ctx context.Context, id domain.InputID, stream SinkAddRemover, opts map[string]interface{}) error
	SetInputOptions(ctx context.Context, id domain.InputID, opts map[string]interface{}) error
	RemoveInput(ctx context.Context, id domain.InputID) error
	AddOutput(ctx context.Context, id domain.OutputID, url string, opts map[string]interface{}) error
	SetOutputOptions(ctx context.Context, id domain.OutputID, opts map[string]interface{}) error
	RemoveOutput(ctx context.Context, id domain.OutputID) error
	SetOptions(ctx context.Context, opts map[string]interface{}) error
	Stats(ctx context.Context) (*domain.MixerStats, error)
}

type PeerInputService interface {
	Publish(ctx context.Context, id domain.InputID, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AddICECandidate(ctx context.Context, id domain.InputID, candidate webrtc.ICECandidateInit) error
	Close(ctx context.Context, id domain.InputID) error
}

type MixerMetrics interface {
	RecordInputAdded()
	RecordInputRemoved()
	RecordOutputAdded()
	RecordOutputRemoved()
	RecordVideoComposed(seconds float64)
	RecordAudioMixed()
	RecordVideoDropped(input domain.InputID)
	RecordAudioDropped(input domain.InputID, bytes int)
	RecordBytesSent(output domain.OutputID, bytes int)
	RecordReconnect(output domain.OutputID)
	RecordCommand(command string, code int)
}
