package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"rillmix/internal/core/domain"
	"rillmix/internal/core/ports"
	apperrors "rillmix/pkg/errors"
	"rillmix/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CmdAddInput        = "libmuxer-add-input"
	CmdSetInputOption  = "libmuxer-set-input-opt"
	CmdRemoveInput     = "libmuxer-remove-input"
	CmdAddOutput       = "libmuxer-add-output"
	CmdSetOutputOption = "libmuxer-set-output-opt"
	CmdRemoveOutput    = "libmuxer-remove-output"
	CmdSetOption       = "libmuxer-set-opt"
	CmdStreamStat      = "stream-stat"

	responseSuffix = "-res"
)

// Response is the body of every "<type>-res" frame. Code is 0 on success
// and the HTTP status of the failure otherwise.
type Response struct {
	Code  int         `json:"code"`
	Error string      `json:"error"`
	Data  interface{} `json:"data,omitempty"`
}

type request struct {
	ID   string                 `json:"id"`
	URL  string                 `json:"url"`
	Opts map[string]interface{} `json:"opts"`
}

// Dispatcher executes control commands against a mixer.
type Dispatcher struct {
	mixer   ports.MixerService
	metrics ports.MixerMetrics
	logger  *zap.SugaredLogger
}

func NewDispatcher(mixer ports.MixerService, metrics ports.MixerMetrics, logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{mixer: mixer, metrics: metrics, logger: logger}
}

// Handle runs one command and always returns a response.
func (d *Dispatcher) Handle(ctx context.Context, typ string, body json.RawMessage) Response {
	ctx, span := tracing.TraceControlCommand(ctx, typ)
	defer span.End()

	data, err := d.handle(ctx, typ, body)
	res := Response{Data: data}
	if err != nil {
		tracing.RecordError(ctx, err)
		appErr := apperrors.FromError(err, domain.ErrorMappings)
		res.Code = appErr.HTTPStatus
		res.Error = appErr.Message
		d.logger.Infow("control command failed", "type", typ, "code", res.Code, "error", err)
	} else {
		d.logger.Debugw("control command handled", "type", typ)
	}
	if d.metrics != nil {
		d.metrics.RecordCommand(typ, res.Code)
	}
	return res
}

func (d *Dispatcher) handle(ctx context.Context, typ string, body json.RawMessage) (interface{}, error) {
	var req request
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid request body", http.StatusBadRequest)
		}
	}

	switch typ {
	case CmdAddInput:
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		if err := d.mixer.AddInput(ctx, domain.InputID(req.ID), req.URL, req.Opts); err != nil {
			return nil, err
		}
		return map[string]string{"id": req.ID}, nil
	case CmdSetInputOption:
		return nil, d.mixer.SetInputOptions(ctx, domain.InputID(req.ID), req.Opts)
	case CmdRemoveInput:
		return nil, d.mixer.RemoveInput(ctx, domain.InputID(req.ID))
	case CmdAddOutput:
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		if err := d.mixer.AddOutput(ctx, domain.OutputID(req.ID), req.URL, req.Opts); err != nil {
			return nil, err
		}
		return map[string]string{"id": req.ID}, nil
	case CmdSetOutputOption:
		return nil, d.mixer.SetOutputOptions(ctx, domain.OutputID(req.ID), req.Opts)
	case CmdRemoveOutput:
		return nil, d.mixer.RemoveOutput(ctx, domain.OutputID(req.ID))
	case CmdSetOption:
		return nil, d.mixer.SetOptions(ctx, req.Opts)
	case CmdStreamStat:
		return d.mixer.Stats(ctx)
	default:
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("unknown command %q", typ))
	}
}

// Serve pumps commands until the reader is exhausted or ctx is done.
// Commands run one at a time in arrival order.
func (d *Dispatcher) Serve(ctx context.Context, pump *MsgPump) error {
	type frame struct {
		typ  string
		body json.RawMessage
		err  error
	}
	frames := make(chan frame)
	go func() {
		defer close(frames)
		for {
			typ, body, err := pump.ReadMessage()
			select {
			case frames <- frame{typ, body, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, ErrMalformedMessage) {
				return
			}
		}
	}()

	d.logger.Infow("control pump started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if f.err != nil {
				if errors.Is(f.err, ErrMalformedMessage) {
					d.logger.Warnw("dropping malformed control frame", "error", f.err)
					continue
				}
				if errors.Is(f.err, io.EOF) {
					d.logger.Infow("control input closed")
					return nil
				}
				return fmt.Errorf("read control frame: %w", f.err)
			}
			res := d.Handle(ctx, f.typ, f.body)
			if err := pump.WriteMessage(f.typ+responseSuffix, res); err != nil {
				return fmt.Errorf("write control response: %w", err)
			}
		}
	}
}
