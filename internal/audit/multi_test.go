package audit_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/secretbroker/internal/audit"
	"github.com/systmms/secretbroker/internal/logging"
)

type stubSink struct {
	events    int
	recordErr error
	closed    bool
}

func (s *stubSink) Record(ctx context.Context, event audit.Event) error {
	if s.recordErr != nil {
		return s.recordErr
	}
	s.events++
	return nil
}

func (s *stubSink) Close() error {
	s.closed = true
	return nil
}

func TestMultiSinkFansOut(t *testing.T) {
	t.Parallel()

	a := &stubSink{}
	b := &stubSink{}
	sink := audit.NewMultiSink(nil, a, b)

	require.NoError(t, sink.Record(context.Background(), sampleEvent("secret/db", audit.OutcomeGranted)))
	assert.Equal(t, 1, a.events)
	assert.Equal(t, 1, b.events)

	require.NoError(t, sink.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestMultiSinkToleratesOneFailure(t *testing.T) {
	t.Parallel()

	broken := &stubSink{recordErr: errors.New("disk full")}
	healthy := &stubSink{}
	var buf bytes.Buffer
	sink := audit.NewMultiSink(logging.NewWithWriter(&buf, false), broken, healthy)

	require.NoError(t, sink.Record(context.Background(), sampleEvent("secret/db", audit.OutcomeGranted)))
	assert.Equal(t, 1, healthy.events)

	// The dead child must not fail silently.
	assert.Contains(t, buf.String(), "disk full")
}

func TestMultiSinkFailsWhenAllFail(t *testing.T) {
	t.Parallel()

	a := &stubSink{recordErr: errors.New("disk full")}
	b := &stubSink{recordErr: errors.New("db locked")}
	sink := audit.NewMultiSink(nil, a, b)

	err := sink.Record(context.Background(), sampleEvent("secret/db", audit.OutcomeGranted))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "db locked")
}

func TestMultiSinkUnwrapsSingle(t *testing.T) {
	t.Parallel()

	only := &stubSink{}
	assert.Equal(t, audit.Sink(only), audit.NewMultiSink(nil, only))
}
