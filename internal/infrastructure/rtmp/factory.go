package rtmp

import (
	"fmt"
	"net/url"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	"rillmix/internal/infrastructure/flv"

	"go.uber.org/zap"
)

// SenderFactory opens senders by URL scheme: rtmp and rtmps publish to a
// server, file records an FLV file.
type SenderFactory struct {
	config SenderConfig
	logger *zap.SugaredLogger
}

func NewSenderFactory(config SenderConfig, logger *zap.SugaredLogger) *SenderFactory {
	return &SenderFactory{config: config, logger: logger}
}

func (f *SenderFactory) NewSender(rawURL string) (ports.Sender, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse output url: %w", domain.ErrUnsupportedScheme)
	}
	switch u.Scheme {
	case "rtmp", "rtmps":
		return NewSender(rawURL, f.config, f.logger)
	case "file":
		return flv.NewFileSender(rawURL, f.config.Meta, f.logger)
	default:
		return nil, fmt.Errorf("output %q: %w", u.Scheme, domain.ErrUnsupportedScheme)
	}
}

var _ ports.SenderFactory = (*SenderFactory)(nil)
