// Package logger records completed requests without touching the hot path.
//
// Surfaces hand entries to Log, which enqueues and returns immediately; a
// background goroutine batches the queue and flushes it on size or on a
// one-second tick. A full queue drops new entries (counted in DroppedLogs)
// rather than blocking a request.
//
// Each flushed batch is emitted as structured slog records and forwarded to
// the configured sinks (SQLite, ClickHouse). A failing sink is logged and
// skipped; it never propagates into the request path.
package logger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	sinkWriteTimeout = 5 * time.Second
)

// RequestLog is one completed request. Surface names the listener protocol
// that served it ("anthropic", "responses", "chat"); Provider is empty for
// cache hits and requests that never reached an upstream.
type RequestLog struct {
	ID           uuid.UUID
	CreatedAt    time.Time
	Surface      string
	Path         string
	Provider     string
	Model        string
	Status       uint16
	LatencyMs    uint32
	InputTokens  uint32
	OutputTokens uint32
	Cost         float64
	Cached       bool
	ClientAgent  string
	Error        string
}

// Sink receives flushed batches for durable storage. The batch slice is
// reused between flushes; implementations must not retain it past the call.
type Sink interface {
	Name() string
	WriteBatch(ctx context.Context, batch []RequestLog) error
	Close() error
}

type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
	sinks   []Sink
}

func New(ctx context.Context, slogger *slog.Logger, sinks ...Sink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sinks:   sinks,
	}

	l.wg.Add(1)
	go l.pump()

	return l, nil
}

// Log enqueues the entry and returns immediately. A full queue drops it.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		l.dropped.Add(1)
	}
}

// DroppedLogs reports how many entries were discarded because the queue
// was full.
func (l *Logger) DroppedLogs() int64 {
	return l.dropped.Load()
}

// Close stops the pump, flushes everything still queued, and closes the
// sinks.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()

	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger: close sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (l *Logger) pump() {
	defer l.wg.Done()

	tick := time.NewTicker(flushInterval)
	defer tick.Stop()

	batch := make([]RequestLog, 0, batchSize)
	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				batch = l.flush(batch)
			}

		case <-tick.C:
			batch = l.flush(batch)

		case <-l.done:
			l.flush(l.drain(batch))
			return
		}
	}
}

// drain empties whatever is still queued at shutdown, flushing full batches
// along the way.
func (l *Logger) drain(batch []RequestLog) []RequestLog {
	for {
		select {
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				batch = l.flush(batch)
			}
		default:
			return batch
		}
	}
}

// flush emits the batch as slog records, hands it to every sink, and
// returns the slice emptied for reuse.
func (l *Logger) flush(batch []RequestLog) []RequestLog {
	if len(batch) == 0 {
		return batch
	}
	for _, e := range batch {
		l.emit(e)
	}
	l.forward(batch)
	return batch[:0]
}

func (l *Logger) emit(e RequestLog) {
	l.log.LogAttrs(l.baseCtx, slog.LevelInfo, "request",
		slog.String("id", e.ID.String()),
		slog.String("api_type", e.Surface),
		slog.String("path", e.Path),
		slog.String("provider", e.Provider),
		slog.String("model", e.Model),
		slog.Uint64("status", uint64(e.Status)),
		slog.Uint64("latency_ms", uint64(e.LatencyMs)),
		slog.Uint64("input_tokens", uint64(e.InputTokens)),
		slog.Uint64("output_tokens", uint64(e.OutputTokens)),
		slog.Float64("cost", e.Cost),
		slog.Bool("cached", e.Cached),
		slog.String("error", e.Error),
		slog.Time("created_at", normalizeTime(e.CreatedAt)),
	)
}

// forward hands the batch to each sink under its own timeout. The write
// context survives base context cancellation so the shutdown drain still
// reaches the sinks.
func (l *Logger) forward(batch []RequestLog) {
	for _, s := range l.sinks {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(l.baseCtx), sinkWriteTimeout)
		err := s.WriteBatch(writeCtx, batch)
		cancel()
		if err != nil {
			l.log.LogAttrs(l.baseCtx, slog.LevelWarn, "request_log_sink_error",
				slog.String("sink", s.Name()),
				slog.Int("batch_size", len(batch)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
