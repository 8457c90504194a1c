package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/loykin/runwatch/internal/sink"
)

// Sink sends delivery events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test the connection
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{
		conn:  conn,
		table: table,
	}, nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, d sink.Delivery) error {
	query := fmt.Sprintf(`INSERT INTO %s (stream_id, position, subscribers, occurred_at) VALUES (?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		d.StreamID,
		d.Position,
		d.Subscribers,
		d.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery into ClickHouse: %w", err)
	}
	return nil
}

// EnsureSchema creates the deliveries table when it does not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		stream_id String,
		position Int64,
		subscribers Int32,
		occurred_at DateTime64(3)
	) ENGINE = MergeTree() ORDER BY (stream_id, position)`, s.table)
	return s.conn.Exec(ctx, q)
}
