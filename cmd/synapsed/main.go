// Command synapsed is the orchestration daemon: it wires the persistent
// store, the shared stream cache, the tool process pool, and the registries
// behind a small HTTP front door with an SSE response stream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/synaptic-labs/synapse/config"
	"github.com/synaptic-labs/synapse/graph"
	"github.com/synaptic-labs/synapse/orchestrator"
	"github.com/synaptic-labs/synapse/registry"
	"github.com/synaptic-labs/synapse/state"
	"github.com/synaptic-labs/synapse/store"
	"github.com/synaptic-labs/synapse/stream"
	"github.com/synaptic-labs/synapse/toolpool"
)

const shutdownGrace = 10 * time.Second

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)
	if err := run(log); err != nil {
		log.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()
	graphMetrics := graph.NewMetrics(promRegistry)
	streamMetrics := stream.NewMetrics(promRegistry)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			log.Warn("store close failed", "error", err)
		}
	}()

	cache, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			log.Warn("cache close failed", "error", err)
		}
	}()

	pool := toolpool.New(cfg.ToolServers, log)
	pool.Start(ctx)
	defer pool.Stop()
	log.Info("tool pool started", "tools", len(pool.Tools()))

	var crypt *registry.Crypt
	if cfg.KeySecret != "" {
		if crypt, err = registry.NewCrypt(cfg.KeySecret); err != nil {
			return err
		}
	}
	neurons := registry.NewNeurons(st, crypt, log)
	workflows := registry.NewWorkflows(st, graphMetrics, log)

	orch := orchestrator.New(orchestrator.Options{
		Store:                st,
		Workflows:            workflows,
		Neurons:              neurons,
		Cache:                cache,
		Tools:                pool,
		StreamMetrics:        streamMetrics,
		Logger:               log,
		SystemPrompt:         cfg.SystemPrompt,
		DefaultGraphID:       cfg.DefaultGraphID,
		MaxContextTokens:     cfg.MaxContextTokens,
		SummaryCushionTokens: cfg.SummaryCushionTokens,
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/respond", handleRespond(orch, log))
	mux.HandleFunc("POST /v1/generations/{id}/abort", handleAbort(orch))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.MongoURI != "" {
		return store.NewMongoStore(ctx, store.MongoOptions{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
		})
	}
	return store.NewSQLiteStore(cfg.SQLitePath)
}

func openCache(cfg *config.Config) (stream.Cache, error) {
	if cfg.RedisURL == "" {
		return stream.NewMemCache(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("SYNAPSE_REDIS_URL: %w", err)
	}
	return stream.NewRedisCache(redis.NewClient(opts)), nil
}

type respondRequest struct {
	Message string `json:"message"`
	state.Options
}

func handleRespond(orch *orchestrator.Orchestrator, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req respondRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		query := state.Query{Message: req.Message}

		if !req.Stream {
			msg, err := orch.Respond(r.Context(), query, req.Options)
			if err != nil {
				respondError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(msg)
			return
		}

		events, err := orch.RespondStream(r.Context(), query, req.Options)
		if err != nil {
			respondError(w, err)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		for ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				log.Warn("event marshal failed", "type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

func handleAbort(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := orch.AbortStream(r.PathValue("id")); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, stream.ErrAlreadyInProgress):
		status = http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrAccessDenied):
		status = http.StatusForbidden
	}
	http.Error(w, err.Error(), status)
}
