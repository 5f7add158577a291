package logging

import (
	"log/slog"
)

// Status is the diagnostics sink used by transports. It is not on the data
// path: backend failures surface here and nowhere else.
type Status interface {
	Info(msg string, args ...any)
	Error(msg string, err error, args ...any)
}

type slogStatus struct {
	logger *slog.Logger
}

// NewStatus returns a Status that writes to logger, tagging every record with
// Marker so that intake handlers can recognise and skip it.
func NewStatus(logger *slog.Logger) Status {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogStatus{logger: logger.With(Marker())}
}

func (s *slogStatus) Info(msg string, args ...any) {
	s.logger.Info(msg, args...)
}

func (s *slogStatus) Error(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	s.logger.Error(msg, args...)
}
