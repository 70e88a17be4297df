package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/synaptic-labs/synapse/graph"
	"github.com/synaptic-labs/synapse/store"
)

const (
	compiledCacheSize    = 50
	graphConfigCacheSize = 100
)

// Workflows is the workflow graph registry. It resolves graph definitions
// per user with the same ownership and tier rules as neurons, compiles them
// once, and caches both layers with a short TTL. Usage counters are bumped
// off the request path.
type Workflows struct {
	store    store.Store
	compiled *expirable.LRU[string, *graph.Compiled]
	configs  *expirable.LRU[string, *graph.Config]
	metrics  *graph.Metrics
	log      *slog.Logger
}

// NewWorkflows creates the registry. metrics may be nil; every compiled
// graph shares it.
func NewWorkflows(st store.Store, metrics *graph.Metrics, log *slog.Logger) *Workflows {
	if log == nil {
		log = slog.Default()
	}
	return &Workflows{
		store:    st,
		compiled: expirable.NewLRU[string, *graph.Compiled](compiledCacheSize, nil, cacheTTL),
		configs:  expirable.NewLRU[string, *graph.Config](graphConfigCacheSize, nil, cacheTTL),
		metrics:  metrics,
		log:      log,
	}
}

// Config resolves the graph definition visible to userID, applying owner
// shadowing and the tier gate for system graphs.
func (w *Workflows) Config(ctx context.Context, graphID, userID string) (*graph.Config, error) {
	key := userID + ":" + graphID
	if cfg, ok := w.configs.Get(key); ok {
		return cfg, nil
	}

	cfg, err := w.store.FindGraph(ctx, graphID, []string{userID, store.SystemOwner})
	if err != nil {
		return nil, fmt.Errorf("graph %s: %w", graphID, err)
	}
	if cfg.OwnerID == store.SystemOwner {
		tier, err := w.userTier(ctx, userID)
		if err != nil {
			return nil, err
		}
		if tier > cfg.Tier {
			w.log.Warn("graph access denied",
				"graphId", graphID, "userId", userID,
				"userTier", tier, "graphTier", cfg.Tier)
			return nil, fmt.Errorf("graph %s: %w", graphID, ErrAccessDenied)
		}
	}

	w.configs.Add(key, cfg)
	return cfg, nil
}

// Resolve returns the compiled graph for (graphID, userID), compiling and
// caching it on first use. A cache hit still records usage.
func (w *Workflows) Resolve(ctx context.Context, graphID, userID string) (*graph.Compiled, error) {
	key := userID + ":" + graphID
	if c, ok := w.compiled.Get(key); ok {
		w.recordUsage(graphID)
		return c, nil
	}

	cfg, err := w.Config(ctx, graphID, userID)
	if err != nil {
		return nil, err
	}
	c, err := graph.Compile(*cfg, graph.CompileOptions{Metrics: w.metrics, Logger: w.log})
	if err != nil {
		return nil, err
	}

	w.compiled.Add(key, c)
	w.recordUsage(graphID)
	return c, nil
}

// Save persists a graph definition after a validation compile, then drops
// stale cache entries for it.
func (w *Workflows) Save(ctx context.Context, cfg *graph.Config) error {
	if _, err := graph.Compile(*cfg, graph.CompileOptions{Logger: w.log}); err != nil {
		return err
	}
	if err := w.store.SaveGraph(ctx, cfg); err != nil {
		return err
	}
	w.invalidate(cfg.GraphID)
	return nil
}

// UserGraphs lists every graph definition visible to userID.
func (w *Workflows) UserGraphs(ctx context.Context, userID string) ([]graph.Config, error) {
	return w.store.ListGraphs(ctx, []string{userID, store.SystemOwner})
}

func (w *Workflows) invalidate(graphID string) {
	suffix := ":" + graphID
	for _, key := range w.compiled.Keys() {
		if strings.HasSuffix(key, suffix) {
			w.compiled.Remove(key)
		}
	}
	for _, key := range w.configs.Keys() {
		if strings.HasSuffix(key, suffix) {
			w.configs.Remove(key)
		}
	}
}

// recordUsage bumps the graph's usage counter without blocking the request.
func (w *Workflows) recordUsage(graphID string) {
	go func() {
		ctx := context.Background()
		if err := w.store.IncrementGraphUsage(ctx, graphID); err != nil {
			w.log.Debug("usage counter update failed", "graphId", graphID, "error", err)
		}
	}()
}

func (w *Workflows) userTier(ctx context.Context, userID string) (int, error) {
	settings, err := w.store.UserSettings(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return defaultUserTier, nil
	}
	if err != nil {
		return 0, fmt.Errorf("settings for %s: %w", userID, err)
	}
	return settings.Tier, nil
}
