package domain

import (
	"net/http"

	apperrors "rillmix/pkg/errors"
)

// ErrorMappings reports domain sentinels through the control surfaces.
var ErrorMappings = []apperrors.Mapping{
	{Target: ErrInputNotFound, Code: apperrors.ErrCodeNotFound, HTTPStatus: http.StatusNotFound},
	{Target: ErrOutputNotFound, Code: apperrors.ErrCodeNotFound, HTTPStatus: http.StatusNotFound},
	{Target: ErrInputExists, Code: apperrors.ErrCodeConflict, HTTPStatus: http.StatusConflict},
	{Target: ErrOutputExists, Code: apperrors.ErrCodeConflict, HTTPStatus: http.StatusConflict},
	{Target: ErrInvalidDimensions, Code: apperrors.ErrCodeInvalidInput, HTTPStatus: http.StatusBadRequest},
	{Target: ErrInvalidOption, Code: apperrors.ErrCodeInvalidInput, HTTPStatus: http.StatusBadRequest},
	{Target: ErrUnsupportedScheme, Code: apperrors.ErrCodeUnsupported, HTTPStatus: http.StatusBadRequest},
	{Target: ErrUnsupportedCodec, Code: apperrors.ErrCodeUnsupported, HTTPStatus: http.StatusBadRequest},
	{Target: ErrQueueFull, Code: apperrors.ErrCodeServiceUnavailable, HTTPStatus: http.StatusServiceUnavailable},
	{Target: ErrNotConnected, Code: apperrors.ErrCodeServiceUnavailable, HTTPStatus: http.StatusServiceUnavailable},
	{Target: ErrClosed, Code: apperrors.ErrCodeServiceUnavailable, HTTPStatus: http.StatusServiceUnavailable},
}
