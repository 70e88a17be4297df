package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/synaptic-labs/synapse/graph"
	"github.com/synaptic-labs/synapse/model"
)

const (
	defaultGraphsCollection   = "workflow_graphs"
	defaultNeuronsCollection  = "neurons"
	defaultNodesCollection    = "universal_nodes"
	defaultSettingsCollection = "user_settings"
	defaultOpTimeout          = 5 * time.Second
)

// MongoOptions configures the Mongo-backed store.
type MongoOptions struct {
	URI      string
	Database string

	GraphsCollection   string
	NeuronsCollection  string
	NodesCollection    string
	SettingsCollection string

	Timeout time.Duration
}

// MongoStore is a Store backed by MongoDB.
type MongoStore struct {
	client   *mongodriver.Client
	graphs   *mongodriver.Collection
	neurons  *mongodriver.Collection
	nodes    *mongodriver.Collection
	settings *mongodriver.Collection
	timeout  time.Duration
}

// NewMongoStore connects to MongoDB and prepares the collections and
// indexes the store relies on.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	if opts.GraphsCollection == "" {
		opts.GraphsCollection = defaultGraphsCollection
	}
	if opts.NeuronsCollection == "" {
		opts.NeuronsCollection = defaultNeuronsCollection
	}
	if opts.NodesCollection == "" {
		opts.NodesCollection = defaultNodesCollection
	}
	if opts.SettingsCollection == "" {
		opts.SettingsCollection = defaultSettingsCollection
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultOpTimeout
	}

	client, err := mongodriver.Connect(options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	db := client.Database(opts.Database)
	s := &MongoStore{
		client:   client,
		graphs:   db.Collection(opts.GraphsCollection),
		neurons:  db.Collection(opts.NeuronsCollection),
		nodes:    db.Collection(opts.NodesCollection),
		settings: db.Collection(opts.SettingsCollection),
		timeout:  opts.Timeout,
	}

	idxCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := s.ensureIndexes(idxCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ownerScoped := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "graphId", Value: 1}, {Key: "ownerId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.graphs.Indexes().CreateOne(ctx, ownerScoped); err != nil {
		return fmt.Errorf("create graph index: %w", err)
	}
	neuronIdx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "neuronId", Value: 1}, {Key: "ownerId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.neurons.Indexes().CreateOne(ctx, neuronIdx); err != nil {
		return fmt.Errorf("create neuron index: %w", err)
	}
	nodeIdx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "nodeId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.nodes.Indexes().CreateOne(ctx, nodeIdx); err != nil {
		return fmt.Errorf("create node index: %w", err)
	}
	settingsIdx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.settings.Indexes().CreateOne(ctx, settingsIdx); err != nil {
		return fmt.Errorf("create settings index: %w", err)
	}
	return nil
}

func (s *MongoStore) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// FindGraph implements Store. Owners are tried in order so user-owned
// definitions shadow system ones.
func (s *MongoStore) FindGraph(ctx context.Context, graphID string, ownerIDs []string) (*graph.Config, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	for _, owner := range ownerIDs {
		var cfg graph.Config
		err := s.graphs.FindOne(ctx, bson.M{"graphId": graphID, "ownerId": owner}).Decode(&cfg)
		if err == nil {
			return &cfg, nil
		}
		if !errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("find graph %s: %w", graphID, err)
		}
	}
	return nil, ErrNotFound
}

// SaveGraph implements Store.
func (s *MongoStore) SaveGraph(ctx context.Context, cfg *graph.Config) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	filter := bson.M{"graphId": cfg.GraphID, "ownerId": cfg.OwnerID}
	_, err := s.graphs.ReplaceOne(ctx, filter, cfg, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save graph %s: %w", cfg.GraphID, err)
	}
	return nil
}

// ListGraphs implements Store.
func (s *MongoStore) ListGraphs(ctx context.Context, ownerIDs []string) ([]graph.Config, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	cursor, err := s.graphs.Find(ctx, bson.M{"ownerId": bson.M{"$in": ownerIDs}})
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	var out []graph.Config
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	return out, nil
}

// IncrementGraphUsage implements Store. The counter lives alongside the
// graph document and is updated with a single atomic $inc.
func (s *MongoStore) IncrementGraphUsage(ctx context.Context, graphID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	_, err := s.graphs.UpdateMany(ctx, bson.M{"graphId": graphID},
		bson.M{"$inc": bson.M{"usageCount": 1}})
	if err != nil {
		return fmt.Errorf("increment usage for %s: %w", graphID, err)
	}
	return nil
}

// FindNeuron implements Store.
func (s *MongoStore) FindNeuron(ctx context.Context, neuronID string, ownerIDs []string) (*model.NeuronConfig, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	for _, owner := range ownerIDs {
		var cfg model.NeuronConfig
		err := s.neurons.FindOne(ctx, bson.M{"neuronId": neuronID, "ownerId": owner}).Decode(&cfg)
		if err == nil {
			return &cfg, nil
		}
		if !errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, fmt.Errorf("find neuron %s: %w", neuronID, err)
		}
	}
	return nil, ErrNotFound
}

// SaveNeuron implements Store.
func (s *MongoStore) SaveNeuron(ctx context.Context, cfg *model.NeuronConfig) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	filter := bson.M{"neuronId": cfg.NeuronID, "ownerId": cfg.OwnerID}
	_, err := s.neurons.ReplaceOne(ctx, filter, cfg, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save neuron %s: %w", cfg.NeuronID, err)
	}
	return nil
}

// FindNode implements Store.
func (s *MongoStore) FindNode(ctx context.Context, nodeID string) (*StoredNode, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var node StoredNode
	err := s.nodes.FindOne(ctx, bson.M{"nodeId": nodeID}).Decode(&node)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find node %s: %w", nodeID, err)
	}
	return &node, nil
}

// SaveNode implements Store.
func (s *MongoStore) SaveNode(ctx context.Context, node *StoredNode) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	filter := bson.M{"nodeId": node.NodeID}
	_, err := s.nodes.ReplaceOne(ctx, filter, node, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save node %s: %w", node.NodeID, err)
	}
	return nil
}

// UserSettings implements Store.
func (s *MongoStore) UserSettings(ctx context.Context, userID string) (*UserSettings, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var settings UserSettings
	err := s.settings.FindOne(ctx, bson.M{"userId": userID}).Decode(&settings)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load settings for %s: %w", userID, err)
	}
	return &settings, nil
}

// SaveUserSettings implements Store.
func (s *MongoStore) SaveUserSettings(ctx context.Context, settings *UserSettings) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	filter := bson.M{"userId": settings.UserID}
	_, err := s.settings.ReplaceOne(ctx, filter, settings, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save settings for %s: %w", settings.UserID, err)
	}
	return nil
}

// Close implements Store.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

var _ Store = (*MongoStore)(nil)
