package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS request_logs (
	id            UUID,
	created_at    DateTime64(3, 'UTC'),
	api_type      LowCardinality(String),
	path          String,
	provider      LowCardinality(String),
	model         LowCardinality(String),
	status        UInt16,
	latency_ms    UInt32,
	input_tokens  UInt32,
	output_tokens UInt32,
	cost          Float64,
	cached        Bool,
	client_agent  String,
	error_message String
) ENGINE = MergeTree
ORDER BY (created_at, provider)`

// ClickHouseOptions configures the ClickHouse sink connection.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouseSink persists request logs to ClickHouse over the native
// protocol, one prepared batch per flush.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects, verifies the connection with a ping, and
// ensures the request_logs table exists.
func NewClickHouseSink(ctx context.Context, opts ClickHouseOptions) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse sink: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse sink: ping: %w", err)
	}

	if err := conn.Exec(ctx, clickhouseSchema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse sink: create schema: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

// Name implements Sink.
func (s *ClickHouseSink) Name() string { return "clickhouse" }

// WriteBatch implements Sink.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, batch []RequestLog) error {
	if len(batch) == 0 {
		return nil
	}

	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO request_logs")
	if err != nil {
		return fmt.Errorf("clickhouse sink: prepare batch: %w", err)
	}

	for _, e := range batch {
		err := b.Append(
			e.ID.String(),
			normalizeTime(e.CreatedAt),
			e.Surface,
			e.Path,
			e.Provider,
			e.Model,
			e.Status,
			e.LatencyMs,
			e.InputTokens,
			e.OutputTokens,
			e.Cost,
			e.Cached,
			e.ClientAgent,
			e.Error,
		)
		if err != nil {
			return fmt.Errorf("clickhouse sink: append %s: %w", e.ID, err)
		}
	}

	if err := b.Send(); err != nil {
		return fmt.Errorf("clickhouse sink: send: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
