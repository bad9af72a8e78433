// Command utdataflow runs the UTQL announcement server: it accepts
// client announcements over framed TCP (and optionally websocket),
// expands the spatial relationship graph, answers queries and ships
// per-client dataflow deltas.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/schwoere/utdataflow/bridge"
	"github.com/schwoere/utdataflow/config"
	"github.com/schwoere/utdataflow/engine"
	"github.com/schwoere/utdataflow/metric"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "utdataflow:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	metrics := metric.New()
	server := engine.NewServer(logger, metrics)
	listener := engine.NewListener(server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return listener.Run(ctx, cfg.Server.Listen)
	})

	if cfg.Server.WebsocketListen != "" {
		ws := engine.NewWebsocketIngress(listener)
		g.Go(func() error {
			return ws.Run(ctx, cfg.Server.WebsocketListen)
		})
	}

	if cfg.Bridge.Transport == "nats" {
		transport, err := bridge.NewNATSTransport(cfg.Bridge.NATSURL, cfg.Bridge.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := transport.Close(); err != nil {
				logger.Warn("failed to close bridge transport", "error", err)
			}
		}()
		logger.Info("bridge transport ready", "transport", "nats", "url", cfg.Bridge.NATSURL)
	}

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			logger.Info("serving metrics", "address", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	logger.Info("utdataflow server running", "listen", cfg.Server.Listen)
	return g.Wait()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
