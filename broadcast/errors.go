package broadcast

import "errors"

var (
	ErrNotConnected         = errors.New("link is not connected")
	ErrConnClosed           = errors.New("connection closed")
	ErrRemoteClosed         = errors.New("connection closed by remote")
	ErrAlreadyConnecting    = errors.New("link is already connecting")
	ErrInvalidBackoffConfig = errors.New("invalid backoff configuration")
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size")
)
