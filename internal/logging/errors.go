package logging

import "errors"

var (
	ErrAlreadyConnected   = errors.New("transport already connected")
	ErrClosed             = errors.New("transport closed")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBatchPersist       = errors.New("failed to persist batch")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidAddress     = errors.New("invalid backend address")
)
