package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLSinkValidation(t *testing.T) {
	_, err := NewSQLSinkFromDSN("")
	assert.Error(t, err)
	_, err = NewSQLSinkFromDSN("   ")
	assert.Error(t, err)
}

func TestSQLSinkSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deliveries.db")
	s, err := NewSQLSinkFromDSN(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		err := s.Send(ctx, Delivery{
			StreamID:    "run-1",
			Position:    int64(i),
			Subscribers: 2,
			OccurredAt:  time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	var count int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM watch_deliveries WHERE stream_id = ?;`, "run-1").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSQLSinkExplicitSQLiteScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.db")
	s, err := NewSQLSinkFromDSN("sqlite://" + path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.dialect)
	_ = s.Close()
}
