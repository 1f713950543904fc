package audit

import (
	"context"
	"errors"

	"github.com/systmms/secretbroker/internal/logging"
	"github.com/systmms/secretbroker/internal/metrics"
)

// MultiSink fans each event out to every child sink. Record fails only when
// every child fails, so a dead secondary sink does not cost the audit trail.
// Partial failures are logged and counted so a silently dead child stays a
// monitorable condition.
type MultiSink struct {
	sinks  []Sink
	logger *logging.Logger
}

// NewMultiSink combines sinks into one. With a single sink it is returned
// unwrapped.
func NewMultiSink(logger *logging.Logger, sinks ...Sink) Sink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	if logger == nil {
		logger = logging.New(false, false)
	}
	return &MultiSink{sinks: sinks, logger: logger}
}

func (m *MultiSink) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m.sinks) {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		metrics.AuditFailure()
		m.logger.Warn("audit sink failed, event persisted elsewhere: %v", err)
	}
	return nil
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
