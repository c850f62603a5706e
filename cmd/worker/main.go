// Package main runs a NATS worker that answers KCC queries by request/reply.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kisan-ai/kcc-assistant/engine/app"
	"github.com/kisan-ai/kcc-assistant/engine/domain"
	"github.com/kisan-ai/kcc-assistant/pkg/config"
	"github.com/kisan-ai/kcc-assistant/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

// Request is the payload expected on the query subject.
type Request struct {
	Query string `json:"query"`
}

type querier interface {
	Query(ctx context.Context, question string) (domain.QueryResult, error)
}

func main() {
	configPath := flag.String("config", os.Getenv("KCC_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stdout).With("component", "worker")
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required for the worker")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("kcc-worker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	sub, err := natsutil.Serve(nc, cfg.NATS.Subject, cfg.NATS.Queue, logger, answer(a.Service, logger))
	if err != nil {
		return err
	}
	logger.Info("worker listening", "subject", cfg.NATS.Subject, "queue", cfg.NATS.Queue)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	if err := sub.Drain(); err != nil {
		logger.Warn("drain subscription", "err", err)
	}
	return nc.Drain()
}

// answer adapts the pipeline to a request/reply handler. Validation and
// index failures become error replies; a model failure is a normal reply
// with Source "Error".
func answer(svc querier, logger *slog.Logger) func(context.Context, Request) (domain.QueryResult, error) {
	return func(ctx context.Context, req Request) (domain.QueryResult, error) {
		res, err := svc.Query(ctx, req.Query)
		if err != nil {
			logger.Warn("query rejected", "err", err)
			return domain.QueryResult{}, err
		}
		return res, nil
	}
}
