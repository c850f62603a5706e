// Package main implements the KCC assistant HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kisan-ai/kcc-assistant/engine/app"
	"github.com/kisan-ai/kcc-assistant/engine/domain"
	"github.com/kisan-ai/kcc-assistant/pkg/config"
	"github.com/kisan-ai/kcc-assistant/pkg/mid"
	"github.com/kisan-ai/kcc-assistant/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

// maxBodyBytes bounds a query request body.
const maxBodyBytes = 64 << 10

func main() {
	configPath := flag.String("config", os.Getenv("KCC_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	announce := func(context.Context, domain.QueryResult) {}
	if cfg.NATS.URL != "" && cfg.NATS.AnsweredSubject != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("kcc-api"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
		announce = func(ctx context.Context, res domain.QueryResult) {
			if err := natsutil.Publish(ctx, nc, cfg.NATS.AnsweredSubject, res); err != nil {
				logger.Warn("publish answered event", "err", err, "id", res.ID)
			}
		}
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newHandler(a.Service, a.Index.Len, a.Registry.Handler(), announce, cfg.Server.CORSOrigin, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// querier is the part of rag.Service the handlers use.
type querier interface {
	Query(ctx context.Context, question string) (domain.QueryResult, error)
}

func newHandler(svc querier, records func() int, metrics http.Handler, announce func(context.Context, domain.QueryResult), corsOrigin string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth(records))
	mux.HandleFunc("POST /api/query", handleQuery(svc, announce, logger))
	mux.Handle("GET /metrics", metrics)

	return mid.Chain(mux,
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(corsOrigin),
		mid.MaxBody(maxBodyBytes),
		mid.OTel("kcc-api"),
	)
}

// --- Handlers ---

func handleHealth(records func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "records": records()})
	}
}

// QueryRequest is the JSON body for POST /api/query.
type QueryRequest struct {
	Query string `json:"query"`
}

func handleQuery(svc querier, announce func(context.Context, domain.QueryResult), logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		res, err := svc.Query(r.Context(), req.Query)
		if err != nil {
			var verr *domain.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.Wrapped.Error())
				return
			}
			logger.Error("query failed", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		announce(r.Context(), res)
		writeJSON(w, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
