package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/runwatch/internal/eventlog"
	"github.com/loykin/runwatch/internal/metrics"
	"github.com/loykin/runwatch/internal/notify"
)

// DB implements eventlog.Store backed by Postgres (pgx stdlib driver).
// Append publishes a notification for the new record in the same
// transaction as the insert; Postgres delivers it on commit, which gives
// the append-then-notify pairing the watcher relies on.
type DB struct {
	db      *sql.DB
	channel string
}

// New opens a Postgres event log. channel is the NOTIFY channel appends
// publish on; empty selects notify.DefaultChannel.
func New(dsn, channel string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if channel == "" {
		channel = notify.DefaultChannel
	}
	return &DB{db: d, channel: channel}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_log(
			id BIGSERIAL PRIMARY KEY,
			stream_id TEXT NOT NULL,
			event TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_stream ON event_log(stream_id, id);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

// Append inserts one record and notifies the channel with its position.
func (p *DB) Append(ctx context.Context, streamID string, data []byte) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO event_log(stream_id, event, created_at)
		VALUES($1,$2,$3)
		RETURNING id;`,
		streamID, string(data), time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, err
	}
	payload, err := notify.EncodePayload(streamID, id)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2);`, p.channel, payload); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	metrics.IncAppended(streamID)
	return id, nil
}

func (p *DB) Fetch(ctx context.Context, streamID string, position int64) (eventlog.Record, error) {
	var rec eventlog.Record
	var event string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, stream_id, event, created_at
		FROM event_log
		WHERE stream_id=$1 AND id=$2;`, streamID, position).
		Scan(&rec.Position, &rec.StreamID, &event, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.Record{}, eventlog.ErrNotFound
	}
	if err != nil {
		return eventlog.Record{}, err
	}
	rec.Data = []byte(event)
	return rec, nil
}

func (p *DB) Tail(ctx context.Context, streamID string, cursor int64, limit int) ([]eventlog.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, stream_id, event, created_at
		FROM event_log
		WHERE stream_id=$1 AND id>=$2
		ORDER BY id ASC
		LIMIT $3;`, streamID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]eventlog.Record, error) {
	out := make([]eventlog.Record, 0)
	for rows.Next() {
		var rec eventlog.Record
		var event string
		if err := rows.Scan(&rec.Position, &rec.StreamID, &event, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.Data = []byte(event)
		out = append(out, rec)
	}
	return out, rows.Err()
}
