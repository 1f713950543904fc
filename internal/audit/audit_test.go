package audit_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/secretbroker/internal/audit"
	"github.com/systmms/secretbroker/internal/logging"
	"github.com/systmms/secretbroker/internal/policy"
)

func sampleEvent(path string, outcome audit.Outcome) audit.Event {
	return audit.Event{
		Time:       time.Now().UTC(),
		Caller:     "billing-svc",
		Path:       path,
		Capability: policy.CapabilityRead,
		Outcome:    outcome,
		Backend:    "static",
	}
}

func TestFileSinkAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := audit.NewFileSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Record(context.Background(), sampleEvent("secret/db", audit.OutcomeGranted)))
	require.NoError(t, sink.Record(context.Background(), sampleEvent("secret/api", audit.OutcomeDenied)))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []audit.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e audit.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)
	assert.Equal(t, "secret/db", events[0].Path)
	assert.Equal(t, audit.OutcomeDenied, events[1].Outcome)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileSinkClosedRejectsWrites(t *testing.T) {
	t.Parallel()

	sink, err := audit.NewFileSink(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.NoError(t, sink.Close()) // idempotent

	assert.Error(t, sink.Record(context.Background(), sampleEvent("secret/db", audit.OutcomeGranted)))
}

func TestStoreSinkRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sink, err := audit.NewStoreSink(ctx, "file::memory:?cache=shared")
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Record(ctx, sampleEvent("secret/db", audit.OutcomeGranted)))
	denied := sampleEvent("secret/db", audit.OutcomeDenied)
	denied.Reason = "capability not granted"
	denied.Backend = ""
	require.NoError(t, sink.Record(ctx, denied))

	events, err := sink.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Newest first.
	assert.Equal(t, audit.OutcomeDenied, events[0].Outcome)
	assert.Equal(t, "capability not granted", events[0].Reason)
	assert.Equal(t, audit.OutcomeGranted, events[1].Outcome)
	assert.Equal(t, policy.CapabilityRead, events[1].Capability)
}

// failingSink counts records and fails on demand.
type failingSink struct {
	mu       sync.Mutex
	fail     bool
	recorded []audit.Event
}

func (s *failingSink) Record(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.recorded = append(s.recorded, event)
	return nil
}

func (s *failingSink) Close() error { return nil }

func (s *failingSink) events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, len(s.recorded))
	copy(out, s.recorded)
	return out
}

func TestRecorderDeliversInBackground(t *testing.T) {
	t.Parallel()

	sink := &failingSink{}
	rec := audit.NewRecorder(sink, logging.NewWithWriter(&bytes.Buffer{}, false))

	for i := 0; i < 5; i++ {
		rec.Record(sampleEvent("secret/db", audit.OutcomeGranted))
	}
	require.NoError(t, rec.Close())

	assert.Len(t, sink.events(), 5)
}

func TestRecorderSinkFailureFallsBackToLog(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := &failingSink{fail: true}
	rec := audit.NewRecorder(sink, logging.NewWithWriter(&buf, false))

	// Record must not block or return an error even though the sink is down.
	rec.Record(sampleEvent("secret/db", audit.OutcomeGranted))
	require.NoError(t, rec.Close())

	assert.Contains(t, buf.String(), "audit sink failure")
	assert.Contains(t, buf.String(), "secret/db")
	assert.Empty(t, sink.events())
}

func TestRecorderRecordAfterClose(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := &failingSink{}
	rec := audit.NewRecorder(sink, logging.NewWithWriter(&buf, false))
	require.NoError(t, rec.Close())

	// A request racing shutdown must land in the fallback log, not panic.
	rec.Record(sampleEvent("secret/db", audit.OutcomeGranted))

	assert.Contains(t, buf.String(), "audit recorder closed")
	assert.Contains(t, buf.String(), "secret/db")
	assert.Empty(t, sink.events())
}
