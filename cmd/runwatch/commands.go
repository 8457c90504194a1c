package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/runwatch/internal/config"
	"github.com/loykin/runwatch/internal/eventlog"
	elfactory "github.com/loykin/runwatch/internal/eventlog/factory"
	"github.com/loykin/runwatch/internal/metrics"
	"github.com/loykin/runwatch/internal/server"
	"github.com/loykin/runwatch/internal/sink"
	sinkfactory "github.com/loykin/runwatch/internal/sink/factory"
	"github.com/loykin/runwatch/internal/watcher"
	"github.com/prometheus/client_golang/prometheus"
)

type runtime struct {
	cfg     config.FileConfig
	store   eventlog.Store
	watcher *watcher.Watcher
	logger  *slog.Logger
	cleanup func()
}

// buildRuntime loads the config and assembles logger, sinks, store and
// watcher. cleanup closes them in reverse order.
func buildRuntime(gf GlobalFlags) (*runtime, error) {
	fc, err := config.Load(gf.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", gf.ConfigPath, err)
	}

	lg, logCloser, err := fc.Log.New()
	if err != nil {
		return nil, err
	}

	sinks := make([]sink.Sink, 0, len(fc.Sinks))
	for _, dsn := range fc.Sinks {
		s, err := sinkfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", dsn, err)
		}
		sinks = append(sinks, s)
	}

	store, source, err := elfactory.New(fc.EventLog)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	w := watcher.New(source, store, watcher.Config{
		Channel: fc.Channel,
		Logger:  lg,
		Sinks:   sinks,
	})

	cleanup := func() {
		_ = w.Close()
		_ = store.Close()
		if logCloser != nil {
			_ = logCloser.Close()
		}
	}
	return &runtime{cfg: fc, store: store, watcher: w, logger: lg, cleanup: cleanup}, nil
}

func runTail(gf GlobalFlags, tf TailFlags) error {
	rt, err := buildRuntime(gf)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	enc := json.NewEncoder(os.Stdout)
	sub, err := rt.watcher.Watch(tf.Stream, tf.Cursor, func(rec eventlog.Record) {
		_ = enc.Encode(rec)
	})
	if err != nil {
		return err
	}
	defer rt.watcher.Unwatch(tf.Stream, sub)

	rt.logger.Info("tailing stream", "stream", tf.Stream, "cursor", tf.Cursor)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return rt.watcher.Err()
}

func runAppend(gf GlobalFlags, af AppendFlags) error {
	rt, err := buildRuntime(gf)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	pos, err := rt.store.Append(context.Background(), af.Stream, []byte(af.Data))
	if err != nil {
		return err
	}
	fmt.Printf("appended %s at position %d\n", af.Stream, pos)
	return nil
}

func runServe(gf GlobalFlags, sf ServeFlags) error {
	rt, err := buildRuntime(gf)
	if err != nil {
		return err
	}
	defer rt.cleanup()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	listen := rt.cfg.Server.Listen
	if sf.Listen != "" {
		listen = sf.Listen
	}
	router := server.NewRouter(rt.watcher, rt.store, rt.cfg.Server.BasePath, rt.cfg.Server.Metrics)
	srv := server.NewServer(listen, router)
	rt.logger.Info("serving watched streams", "listen", listen, "base_path", rt.cfg.Server.BasePath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	timeout := sf.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		rt.logger.Warn("http shutdown", "err", err)
	}
	return rt.watcher.Err()
}
