// Package store defines the persistence surface for workflow definitions,
// neuron configs, reusable nodes, and per-user settings, with MongoDB,
// SQLite, and in-memory backends.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/synaptic-labs/synapse/graph"
	"github.com/synaptic-labs/synapse/model"
)

// SystemOwner is the owner id of shared, system-provided definitions.
const SystemOwner = "system"

// ErrNotFound reports that no matching document exists.
var ErrNotFound = errors.New("not found")

// UserSettings is the per-user runtime configuration consulted at request
// entry.
type UserSettings struct {
	UserID string `json:"userId" bson:"userId"`

	// Tier is the account privilege level (0 = highest, 4 = lowest).
	Tier int `json:"tier" bson:"tier"`

	// DefaultGraphID selects the workflow used when a request names none.
	DefaultGraphID string `json:"defaultGraphId,omitempty" bson:"defaultGraphId,omitempty"`

	// DefaultNeuronID is the chat neuron used by steps without an
	// explicit neuronId; DefaultWorkerNeuronID serves internal calls
	// (classification, summarization, titling).
	DefaultNeuronID       string `json:"defaultNeuronId,omitempty" bson:"defaultNeuronId,omitempty"`
	DefaultWorkerNeuronID string `json:"defaultWorkerNeuronId,omitempty" bson:"defaultWorkerNeuronId,omitempty"`
}

// StoredNode is a reusable universal-node definition addressable by id from
// workflow configs.
type StoredNode struct {
	NodeID  string          `json:"nodeId" bson:"nodeId"`
	OwnerID string          `json:"ownerId" bson:"ownerId"`
	Name    string          `json:"name,omitempty" bson:"name,omitempty"`
	Config  json.RawMessage `json:"config" bson:"config"`
}

// Store is the persistence interface shared by every backend.
//
// Find methods that take ownerIDs return the first document whose owner is
// in the set, preferring earlier entries (callers list the user before
// SystemOwner). A miss is ErrNotFound.
type Store interface {
	FindGraph(ctx context.Context, graphID string, ownerIDs []string) (*graph.Config, error)
	SaveGraph(ctx context.Context, cfg *graph.Config) error
	ListGraphs(ctx context.Context, ownerIDs []string) ([]graph.Config, error)
	IncrementGraphUsage(ctx context.Context, graphID string) error

	FindNeuron(ctx context.Context, neuronID string, ownerIDs []string) (*model.NeuronConfig, error)
	SaveNeuron(ctx context.Context, cfg *model.NeuronConfig) error

	FindNode(ctx context.Context, nodeID string) (*StoredNode, error)
	SaveNode(ctx context.Context, node *StoredNode) error

	UserSettings(ctx context.Context, userID string) (*UserSettings, error)
	SaveUserSettings(ctx context.Context, settings *UserSettings) error

	Close(ctx context.Context) error
}
