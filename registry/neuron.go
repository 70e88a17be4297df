// Package registry resolves named neurons and workflow graphs for a user,
// enforcing ownership and tier access and caching resolved configs.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/synaptic-labs/synapse/model"
	"github.com/synaptic-labs/synapse/model/anthropic"
	"github.com/synaptic-labs/synapse/model/google"
	"github.com/synaptic-labs/synapse/model/openai"
	"github.com/synaptic-labs/synapse/state"
	"github.com/synaptic-labs/synapse/store"
)

// ErrAccessDenied reports that the neuron or graph exists but the user's
// tier does not grant access.
var ErrAccessDenied = errors.New("access denied")

const (
	neuronCacheSize = 100
	cacheTTL        = 5 * time.Minute

	// Users with no stored settings get the least privileged tier.
	defaultUserTier = 4
)

// Neurons is the neuron registry. Resolved configs are cached per
// (user, neuron) with a short TTL; model instances are never cached, each
// call builds a fresh adapter so credential changes take effect promptly.
type Neurons struct {
	store store.Store
	crypt *Crypt
	cache *expirable.LRU[string, *model.NeuronConfig]
	log   *slog.Logger
}

// NewNeurons creates the registry. crypt may be nil when no encrypted keys
// are in use.
func NewNeurons(st store.Store, crypt *Crypt, log *slog.Logger) *Neurons {
	if log == nil {
		log = slog.Default()
	}
	return &Neurons{
		store: st,
		crypt: crypt,
		cache: expirable.NewLRU[string, *model.NeuronConfig](neuronCacheSize, nil, cacheTTL),
		log:   log,
	}
}

// Config resolves the neuron config visible to userID. User-owned neurons
// shadow system ones with the same id; system neurons additionally require
// the user's tier to be at or above the neuron's tier.
func (n *Neurons) Config(ctx context.Context, neuronID, userID string) (*model.NeuronConfig, error) {
	key := userID + ":" + neuronID
	if cfg, ok := n.cache.Get(key); ok {
		return cfg, nil
	}

	cfg, err := n.store.FindNeuron(ctx, neuronID, []string{userID, store.SystemOwner})
	if err != nil {
		return nil, fmt.Errorf("neuron %s: %w", neuronID, err)
	}

	if cfg.OwnerID == store.SystemOwner {
		tier, err := n.userTier(ctx, userID)
		if err != nil {
			return nil, err
		}
		if tier > cfg.Tier {
			n.log.Warn("neuron access denied",
				"neuronId", neuronID, "userId", userID,
				"userTier", tier, "neuronTier", cfg.Tier)
			return nil, fmt.Errorf("neuron %s: %w", neuronID, ErrAccessDenied)
		}
	}

	if cfg.APIKeyEncrypted && cfg.APIKey != "" {
		if n.crypt == nil {
			return nil, fmt.Errorf("neuron %s: encrypted key but no key secret configured", neuronID)
		}
		plain, err := n.crypt.Decrypt(cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("neuron %s: %w", neuronID, err)
		}
		decrypted := *cfg
		decrypted.APIKey = plain
		decrypted.APIKeyEncrypted = false
		cfg = &decrypted
	}

	n.cache.Add(key, cfg)
	return cfg, nil
}

// Model resolves the neuron and returns a fresh provider client for it.
func (n *Neurons) Model(ctx context.Context, neuronID, userID string) (model.ChatModel, error) {
	cfg, err := n.Config(ctx, neuronID, userID)
	if err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case model.ProviderOpenAICompatible, model.ProviderLocal, model.ProviderCustom:
		return openai.New(cfg), nil
	case model.ProviderAnthropicCompatible:
		return anthropic.New(cfg), nil
	case model.ProviderGoogleCompatible:
		return google.New(cfg), nil
	default:
		return nil, fmt.Errorf("neuron %s: unknown provider %q", neuronID, cfg.Provider)
	}
}

// Save encrypts the API key if a crypt is configured, persists the neuron,
// and invalidates cache entries for it.
func (n *Neurons) Save(ctx context.Context, cfg *model.NeuronConfig) error {
	if n.crypt != nil && cfg.APIKey != "" && !cfg.APIKeyEncrypted {
		sealed, err := n.crypt.Encrypt(cfg.APIKey)
		if err != nil {
			return fmt.Errorf("save neuron %s: %w", cfg.NeuronID, err)
		}
		stored := *cfg
		stored.APIKey = sealed
		stored.APIKeyEncrypted = true
		cfg = &stored
	}
	if err := n.store.SaveNeuron(ctx, cfg); err != nil {
		return err
	}
	for _, key := range n.cache.Keys() {
		if strings.HasSuffix(key, ":"+cfg.NeuronID) {
			n.cache.Remove(key)
		}
	}
	return nil
}

// ClearCache drops every cached config belonging to userID.
func (n *Neurons) ClearCache(userID string) {
	prefix := userID + ":"
	for _, key := range n.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			n.cache.Remove(key)
		}
	}
}

func (n *Neurons) userTier(ctx context.Context, userID string) (int, error) {
	settings, err := n.store.UserSettings(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return defaultUserTier, nil
	}
	if err != nil {
		return 0, fmt.Errorf("settings for %s: %w", userID, err)
	}
	return settings.Tier, nil
}

var _ state.ModelResolver = (*Neurons)(nil)
