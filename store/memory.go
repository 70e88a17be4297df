package store

import (
	"context"
	"sync"

	"github.com/synaptic-labs/synapse/graph"
	"github.com/synaptic-labs/synapse/model"
)

// MemStore is an in-memory Store for tests and single-process deployments.
// All methods are safe for concurrent use.
type MemStore struct {
	mu       sync.RWMutex
	graphs   map[string][]graph.Config
	neurons  map[string][]model.NeuronConfig
	nodes    map[string]StoredNode
	settings map[string]UserSettings
	usage    map[string]int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		graphs:   make(map[string][]graph.Config),
		neurons:  make(map[string][]model.NeuronConfig),
		nodes:    make(map[string]StoredNode),
		settings: make(map[string]UserSettings),
		usage:    make(map[string]int64),
	}
}

// FindGraph implements Store.
func (s *MemStore) FindGraph(_ context.Context, graphID string, ownerIDs []string) (*graph.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, owner := range ownerIDs {
		for _, cfg := range s.graphs[graphID] {
			if cfg.OwnerID == owner {
				out := cfg
				return &out, nil
			}
		}
	}
	return nil, ErrNotFound
}

// SaveGraph implements Store. An existing graph with the same id and owner
// is replaced.
func (s *MemStore) SaveGraph(_ context.Context, cfg *graph.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.graphs[cfg.GraphID]
	for i, existing := range list {
		if existing.OwnerID == cfg.OwnerID {
			list[i] = *cfg
			return nil
		}
	}
	s.graphs[cfg.GraphID] = append(list, *cfg)
	return nil
}

// ListGraphs implements Store.
func (s *MemStore) ListGraphs(_ context.Context, ownerIDs []string) ([]graph.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owners := make(map[string]bool, len(ownerIDs))
	for _, o := range ownerIDs {
		owners[o] = true
	}
	var out []graph.Config
	for _, list := range s.graphs {
		for _, cfg := range list {
			if owners[cfg.OwnerID] {
				out = append(out, cfg)
			}
		}
	}
	return out, nil
}

// IncrementGraphUsage implements Store.
func (s *MemStore) IncrementGraphUsage(_ context.Context, graphID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[graphID]++
	return nil
}

// GraphUsage reports the usage counter for a graph.
func (s *MemStore) GraphUsage(graphID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[graphID]
}

// FindNeuron implements Store.
func (s *MemStore) FindNeuron(_ context.Context, neuronID string, ownerIDs []string) (*model.NeuronConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, owner := range ownerIDs {
		for _, cfg := range s.neurons[neuronID] {
			if cfg.OwnerID == owner {
				out := cfg
				return &out, nil
			}
		}
	}
	return nil, ErrNotFound
}

// SaveNeuron implements Store.
func (s *MemStore) SaveNeuron(_ context.Context, cfg *model.NeuronConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.neurons[cfg.NeuronID]
	for i, existing := range list {
		if existing.OwnerID == cfg.OwnerID {
			list[i] = *cfg
			return nil
		}
	}
	s.neurons[cfg.NeuronID] = append(list, *cfg)
	return nil
}

// FindNode implements Store.
func (s *MemStore) FindNode(_ context.Context, nodeID string) (*StoredNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	out := node
	return &out, nil
}

// SaveNode implements Store.
func (s *MemStore) SaveNode(_ context.Context, node *StoredNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.NodeID] = *node
	return nil
}

// UserSettings implements Store.
func (s *MemStore) UserSettings(_ context.Context, userID string) (*UserSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[userID]
	if !ok {
		return nil, ErrNotFound
	}
	out := settings
	return &out, nil
}

// SaveUserSettings implements Store.
func (s *MemStore) SaveUserSettings(_ context.Context, settings *UserSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.UserID] = *settings
	return nil
}

// Close implements Store.
func (s *MemStore) Close(context.Context) error { return nil }

var _ Store = (*MemStore)(nil)
