package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/config"
	"github.com/mehmetymw/ddb2search/internal/metrics"
	"github.com/mehmetymw/ddb2search/internal/pipeline"
	"github.com/mehmetymw/ddb2search/internal/source/dynamodb"
)

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the replication pipeline until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, cfg, logger)
		},
	}
}

func runPipeline(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	logger.Info("Starting ddb2search",
		zap.String("name", cfg.Name),
		zap.String("source_type", cfg.Source.Type),
		zap.Int("tables", len(cfg.Source.Tables)),
		zap.String("checkpoint_type", cfg.Checkpoint.Type),
		zap.String("dlq_type", cfg.DLQ.Type))

	m := metrics.New()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("Closing checkpoint store")
		store.Close()
	}()

	var clients *dynamodb.Clients
	if needsAWS(cfg) {
		if clients, err = dynamodb.LoadClients(ctx, cfg.Source.AWS, logger); err != nil {
			return err
		}
	}

	dlq, err := openDeadLetter(cfg, clients, logger)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("Closing dead-letter sink")
		dlq.Close()
	}()

	index, err := openIndex(cfg, clients, logger)
	if err != nil {
		return err
	}
	if err := index.Ping(ctx); err != nil {
		logger.Warn("OpenSearch is not reachable yet", zap.Error(err))
	}

	tables, closers, err := buildTables(ctx, cfg, clients, logger)
	defer func() {
		for _, c := range closers {
			c(context.Background())
		}
	}()
	if err != nil {
		return err
	}

	pl := pipeline.New(cfg, tables, index, dlq, store, m, logger)

	mux := http.NewServeMux()
	mux.Handle("/healthz", healthHandler(pl.Status, logger))
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("Starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	runErr := pl.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return runErr
}

type healthz struct {
	pipeline.Status
	Timestamp string `json:"timestamp"`
}

func healthHandler(status func() pipeline.Status, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := status()
		resp := healthz{Status: st, Timestamp: time.Now().UTC().Format(time.RFC3339)}
		b, err := json.Marshal(resp)
		if err != nil {
			logger.Error("Failed to encode health status", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		code := http.StatusOK
		if st.State == "failed" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		w.Write(b)
	}
}
