package factory

import (
	"errors"
	"fmt"
	"time"

	"github.com/loykin/runwatch/internal/eventlog"
	"github.com/loykin/runwatch/internal/eventlog/postgres"
	"github.com/loykin/runwatch/internal/eventlog/sqlite"
	"github.com/loykin/runwatch/internal/notify"
)

// Config selects and configures an event log backend.
type Config struct {
	Type         string        `toml:"type" mapstructure:"type"` // "postgres" or "sqlite"
	DSN          string        `toml:"dsn" mapstructure:"dsn"`   // postgres connection string
	Path         string        `toml:"path" mapstructure:"path"` // sqlite file path
	Channel      string        `toml:"channel" mapstructure:"channel"`
	PollInterval time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
}

// New builds the store and the matching notification source for a config.
// For postgres both sides share the DSN; for sqlite the store publishes on
// an in-process broker that the returned source reads from.
func New(cfg Config) (eventlog.Store, notify.Source, error) {
	switch cfg.Type {
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, nil, errors.New("postgres event log requires a dsn")
		}
		st, err := postgres.New(cfg.DSN, cfg.Channel)
		if err != nil {
			return nil, nil, err
		}
		return st, notify.NewPostgresSource(cfg.DSN, cfg.PollInterval), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, nil, errors.New("sqlite event log requires a path")
		}
		broker := notify.NewBroker(cfg.PollInterval)
		st, err := sqlite.New(cfg.Path, broker, cfg.Channel)
		if err != nil {
			return nil, nil, err
		}
		return st, broker, nil
	default:
		return nil, nil, fmt.Errorf("unsupported event log type: %q", cfg.Type)
	}
}
