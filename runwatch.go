// Package runwatch notifies consumers of newly appended records in an
// append-only event log, using the store's pub/sub channel (Postgres
// LISTEN/NOTIFY) instead of polling the log table.
package runwatch

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/runwatch/internal/eventlog"
	elfactory "github.com/loykin/runwatch/internal/eventlog/factory"
	"github.com/loykin/runwatch/internal/logger"
	"github.com/loykin/runwatch/internal/metrics"
	"github.com/loykin/runwatch/internal/notify"
	"github.com/loykin/runwatch/internal/sink"
	sinkfactory "github.com/loykin/runwatch/internal/sink/factory"
	"github.com/loykin/runwatch/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Record = eventlog.Record

type Handler = watcher.Handler

type Subscription = watcher.Subscription

type Store = eventlog.Store

type Sink = sink.Sink

type EventLogConfig = elfactory.Config

type LogConfig = logger.Config

var (
	ErrNotFound = eventlog.ErrNotFound
	ErrClosed   = watcher.ErrClosed
)

// DefaultChannel and DefaultPollInterval mirror the notify package.
const (
	DefaultChannel      = notify.DefaultChannel
	DefaultPollInterval = notify.DefaultPollInterval
)

// Options tunes a Watcher. The zero value is usable.
type Options struct {
	Channel string
	Logger  *slog.Logger
	Sinks   []Sink
}

// Watcher is a thin facade over internal/watcher.Watcher.
// It provides a stable public API for embedding.

type Watcher struct{ inner *watcher.Watcher }

func (w *Watcher) Watch(streamID string, cursor int64, h Handler) (*Subscription, error) {
	return w.inner.Watch(streamID, cursor, h)
}
func (w *Watcher) Unwatch(streamID string, sub *Subscription) { w.inner.Unwatch(streamID, sub) }
func (w *Watcher) Watching(streamID string) bool              { return w.inner.Watching(streamID) }
func (w *Watcher) Close() error                               { return w.inner.Close() }
func (w *Watcher) Err() error                                 { return w.inner.Err() }

// New builds the event log store and its watcher from a backend config.
// For postgres the watcher listens on the store's notification channel;
// for sqlite both sides share an in-process broker.
func New(cfg EventLogConfig, opts Options) (Store, *Watcher, error) {
	store, source, err := elfactory.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	w := watcher.New(source, store, watcher.Config{
		Channel: firstNonEmpty(opts.Channel, cfg.Channel),
		Logger:  opts.Logger,
		Sinks:   opts.Sinks,
	})
	return store, &Watcher{inner: w}, nil
}

// NewPostgres is a shorthand for New with a postgres backend.
func NewPostgres(dsn string, pollInterval time.Duration, opts Options) (Store, *Watcher, error) {
	return New(EventLogConfig{Type: "postgres", DSN: dsn, Channel: opts.Channel, PollInterval: pollInterval}, opts)
}

// NewSinkFromDSN creates a delivery sink (clickhouse://, postgres://,
// sqlite path) for Options.Sinks.
func NewSinkFromDSN(dsn string) (Sink, error) { return sinkfactory.NewSinkFromDSN(dsn) }

// RegisterMetrics registers the package's Prometheus collectors.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// MetricsHandler serves the default Prometheus gatherer.
func MetricsHandler() http.Handler { return metrics.Handler() }

// NewLogger builds a slog.Logger from a LogConfig.
func NewLogger(cfg LogConfig) (*slog.Logger, error) {
	lg, _, err := cfg.New()
	return lg, err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
