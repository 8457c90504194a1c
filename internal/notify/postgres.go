package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresSource subscribes to a Postgres LISTEN/NOTIFY channel. Each
// Subscribe call opens a dedicated connection; LISTEN state is
// per-connection in Postgres, so the connection cannot be shared with
// query traffic.
type PostgresSource struct {
	dsn          string
	pollInterval time.Duration
}

// NewPostgresSource creates a source for the given DSN. pollInterval <= 0
// selects DefaultPollInterval.
func NewPostgresSource(dsn string, pollInterval time.Duration) *PostgresSource {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &PostgresSource{dsn: dsn, pollInterval: pollInterval}
}

func (s *PostgresSource) Subscribe(ctx context.Context, channel string) (Sequence, error) {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("notify: connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("notify: listen %s: %w", channel, err)
	}
	return &pgSequence{conn: conn, pollInterval: s.pollInterval}, nil
}

type pgSequence struct {
	conn         *pgx.Conn
	pollInterval time.Duration
}

func (q *pgSequence) Next(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, q.pollInterval)
	defer cancel()
	n, err := q.conn.WaitForNotification(waitCtx)
	if err != nil {
		// The per-wait deadline is the poll boundary, not a failure.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Item{Timeout: true}, nil
		}
		if ctx.Err() != nil {
			return Item{}, ctx.Err()
		}
		// Connection-level failure: fail-stop, no reconnect.
		return Item{}, fmt.Errorf("notify: wait: %w", err)
	}
	return Item{Payload: n.Payload}, nil
}

func (q *pgSequence) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.conn.Close(ctx)
}
