package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/runwatch/internal/eventlog"
	"github.com/loykin/runwatch/internal/metrics"
	"github.com/loykin/runwatch/internal/notify"
)

// DB implements eventlog.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// SQLite has no server-side pub/sub, so appends publish on an in-process
// notify.Broker instead; the watcher subscribes to the same broker. This
// keeps the full pipeline usable embedded and in tests.
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db      *sql.DB
	broker  *notify.Broker
	channel string
}

// New opens a SQLite event log at path, publishing append notifications on
// broker. channel empty selects notify.DefaultChannel.
func New(path string, broker *notify.Broker, channel string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	if broker == nil {
		return nil, errors.New("nil notification broker")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	if channel == "" {
		channel = notify.DefaultChannel
	}
	return &DB{db: d, broker: broker, channel: channel}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_log(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id TEXT NOT NULL,
			event TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_stream ON event_log(stream_id, id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// Append inserts one record, then publishes its position on the broker.
func (s *DB) Append(ctx context.Context, streamID string, data []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log(stream_id, event, created_at)
		VALUES(?,?,?);`,
		streamID, string(data), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	payload, err := notify.EncodePayload(streamID, id)
	if err != nil {
		return 0, err
	}
	s.broker.Publish(s.channel, payload)
	metrics.IncAppended(streamID)
	return id, nil
}

func (s *DB) Fetch(ctx context.Context, streamID string, position int64) (eventlog.Record, error) {
	var rec eventlog.Record
	var event string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, stream_id, event, created_at
		FROM event_log
		WHERE stream_id=? AND id=?;`, streamID, position).
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

func (s *DB) Tail(ctx context.Context, streamID string, cursor int64, limit int) ([]eventlog.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream_id, event, created_at
		FROM event_log
		WHERE stream_id=? AND id>=?
		ORDER BY id ASC
		LIMIT ?;`, streamID, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
