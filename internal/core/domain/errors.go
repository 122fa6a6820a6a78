package domain

import "errors"

var (
	ErrInputNotFound     = errors.New("input not found")
	ErrInputExists       = errors.New("input already exists")
	ErrOutputNotFound    = errors.New("output not found")
	ErrOutputExists      = errors.New("output already exists")
	ErrInvalidDimensions = errors.New("invalid dimensions")
	ErrInvalidFrame      = errors.New("invalid frame")
	ErrNoFrame           = errors.New("no frame available")
	ErrQueueFull         = errors.New("queue full")
	ErrClosed            = errors.New("already closed")
	ErrUnsupportedCodec  = errors.New("unsupported codec")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrNotConnected      = errors.New("not connected")
	ErrInvalidOption     = errors.New("invalid option")
)
