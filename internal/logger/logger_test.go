package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// captureSink records every batch it receives. Batches are copied because
// the logger reuses the slice between flushes.
type captureSink struct {
	mu      sync.Mutex
	entries []RequestLog
	err     error
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) WriteBatch(_ context.Context, batch []RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, batch...)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestLoggerDrainsOnClose(t *testing.T) {
	sink := &captureSink{}

	l, err := New(context.Background(), discardLogger(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 7
	for i := 0; i < n; i++ {
		l.Log(RequestLog{
			ID:       uuid.New(),
			Surface:  "anthropic",
			Provider: fmt.Sprintf("p-%d", i),
			Status:   200,
		})
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := sink.count(); got != n {
		t.Errorf("sink received %d entries, want %d", got, n)
	}
	if l.DroppedLogs() != 0 {
		t.Errorf("DroppedLogs = %d, want 0", l.DroppedLogs())
	}
}

func TestLoggerFlushesFullBatches(t *testing.T) {
	sink := &captureSink{}

	l, err := New(context.Background(), discardLogger(), sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Two full batches plus a remainder, all collected without waiting for
	// the ticker because Close drains.
	const n = batchSize*2 + 5
	for i := 0; i < n; i++ {
		l.Log(RequestLog{ID: uuid.New(), Status: 200})
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := sink.count(); got != n {
		t.Errorf("sink received %d entries, want %d", got, n)
	}
}

func TestLoggerDropsWhenFull(t *testing.T) {
	l, err := New(context.Background(), discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Stop the consumer, then overfill the channel.
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for i := 0; i < channelBuffer+10; i++ {
		l.Log(RequestLog{Status: 200})
	}

	if got := l.DroppedLogs(); got != 10 {
		t.Errorf("DroppedLogs = %d, want 10", got)
	}
}

// TestLoggerSinkErrorDoesNotBlock verifies that a failing sink is skipped
// and other sinks still receive the batch.
func TestLoggerSinkErrorDoesNotBlock(t *testing.T) {
	failing := &captureSink{err: errors.New("disk full")}
	healthy := &captureSink{}

	l, err := New(context.Background(), discardLogger(), failing, healthy)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	l.Log(RequestLog{ID: uuid.New(), Status: 200})

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := healthy.count(); got != 1 {
		t.Errorf("healthy sink received %d entries, want 1", got)
	}
}

func TestNormalizeTime(t *testing.T) {
	if got := normalizeTime(time.Time{}); got.IsZero() {
		t.Error("zero time should be replaced with now")
	}

	stamp := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	got := normalizeTime(stamp)
	if got.Location() != time.UTC {
		t.Errorf("normalizeTime should convert to UTC, got %v", got.Location())
	}
	if !got.Equal(stamp) {
		t.Errorf("normalizeTime changed the instant: %v != %v", got, stamp)
	}
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.db")

	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	id := uuid.New()

	batch := []RequestLog{
		{
			ID:           id,
			CreatedAt:    time.Now().UTC(),
			Surface:      "chat",
			Path:         "/v1/chat/completions",
			Provider:     "primary",
			Model:        "gpt-4o",
			Status:       200,
			LatencyMs:    134,
			InputTokens:  25,
			OutputTokens: 50,
			Cost:         0.0125,
			Cached:       false,
			ClientAgent:  "relay-test",
		},
		{
			ID:        uuid.New(),
			CreatedAt: time.Now().UTC(),
			Surface:   "anthropic",
			Path:      "/v1/messages",
			Model:     "claude-sonnet-4",
			Status:    503,
			Error:     "no eligible provider",
		},
	}

	if err := sink.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	var count int
	if err := sink.db.QueryRow("SELECT COUNT(*) FROM request_logs").Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 2 {
		t.Fatalf("row count = %d, want 2", count)
	}

	var (
		provider string
		status   int
		cost     float64
	)
	err = sink.db.QueryRow(
		"SELECT provider, status, cost FROM request_logs WHERE id = ?", id.String(),
	).Scan(&provider, &status, &cost)
	if err != nil {
		t.Fatalf("row query: %v", err)
	}
	if provider != "primary" || status != 200 || cost != 0.0125 {
		t.Errorf("row = %s/%d/%v, want primary/200/0.0125", provider, status, cost)
	}

	// Re-writing the same batch must not fail on the primary key.
	if err := sink.WriteBatch(ctx, batch); err != nil {
		t.Fatalf("WriteBatch again: %v", err)
	}
}

func TestSQLiteSinkEmptyBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs.db")

	sink, err := NewSQLiteSink(path)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.WriteBatch(context.Background(), nil); err != nil {
		t.Errorf("empty batch should be a no-op, got %v", err)
	}
}
