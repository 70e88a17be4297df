package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/synaptic-labs/synapse/graph"
	"github.com/synaptic-labs/synapse/model"
)

// SQLiteStore is a Store backed by a single-file SQLite database. Documents
// are stored as JSON columns keyed by their ids, which keeps the schema
// stable while config shapes evolve.
//
// Intended for development and single-process deployments; use MongoStore
// for anything shared.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// prepares the schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS graphs (
			graph_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			config TEXT NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (graph_id, owner_id)
		)`,
		`CREATE TABLE IF NOT EXISTS neurons (
			neuron_id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			config TEXT NOT NULL,
			PRIMARY KEY (neuron_id, owner_id)
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_settings (
			user_id TEXT PRIMARY KEY,
			settings TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// FindGraph implements Store.
func (s *SQLiteStore) FindGraph(ctx context.Context, graphID string, ownerIDs []string) (*graph.Config, error) {
	for _, owner := range ownerIDs {
		var doc string
		err := s.db.QueryRowContext(ctx,
			"SELECT config FROM graphs WHERE graph_id = ? AND owner_id = ?",
			graphID, owner).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find graph %s: %w", graphID, err)
		}
		var cfg graph.Config
		if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
			return nil, fmt.Errorf("decode graph %s: %w", graphID, err)
		}
		return &cfg, nil
	}
	return nil, ErrNotFound
}

// SaveGraph implements Store.
func (s *SQLiteStore) SaveGraph(ctx context.Context, cfg *graph.Config) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode graph %s: %w", cfg.GraphID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graphs (graph_id, owner_id, config) VALUES (?, ?, ?)
		ON CONFLICT(graph_id, owner_id) DO UPDATE SET config = excluded.config`,
		cfg.GraphID, cfg.OwnerID, string(doc))
	if err != nil {
		return fmt.Errorf("save graph %s: %w", cfg.GraphID, err)
	}
	return nil
}

// ListGraphs implements Store.
func (s *SQLiteStore) ListGraphs(ctx context.Context, ownerIDs []string) ([]graph.Config, error) {
	var out []graph.Config
	for _, owner := range ownerIDs {
		rows, err := s.db.QueryContext(ctx,
			"SELECT config FROM graphs WHERE owner_id = ?", owner)
		if err != nil {
			return nil, fmt.Errorf("list graphs: %w", err)
		}
		for rows.Next() {
			var doc string
			if err := rows.Scan(&doc); err != nil {
				rows.Close()
				return nil, fmt.Errorf("list graphs: %w", err)
			}
			var cfg graph.Config
			if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
				rows.Close()
				return nil, fmt.Errorf("decode graph: %w", err)
			}
			out = append(out, cfg)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("list graphs: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// IncrementGraphUsage implements Store.
func (s *SQLiteStore) IncrementGraphUsage(ctx context.Context, graphID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE graphs SET usage_count = usage_count + 1 WHERE graph_id = ?", graphID)
	if err != nil {
		return fmt.Errorf("increment usage for %s: %w", graphID, err)
	}
	return nil
}

// FindNeuron implements Store.
func (s *SQLiteStore) FindNeuron(ctx context.Context, neuronID string, ownerIDs []string) (*model.NeuronConfig, error) {
	for _, owner := range ownerIDs {
		var doc string
		err := s.db.QueryRowContext(ctx,
			"SELECT config FROM neurons WHERE neuron_id = ? AND owner_id = ?",
			neuronID, owner).Scan(&doc)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find neuron %s: %w", neuronID, err)
		}
		var cfg model.NeuronConfig
		if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
			return nil, fmt.Errorf("decode neuron %s: %w", neuronID, err)
		}
		return &cfg, nil
	}
	return nil, ErrNotFound
}

// SaveNeuron implements Store.
func (s *SQLiteStore) SaveNeuron(ctx context.Context, cfg *model.NeuronConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode neuron %s: %w", cfg.NeuronID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO neurons (neuron_id, owner_id, config) VALUES (?, ?, ?)
		ON CONFLICT(neuron_id, owner_id) DO UPDATE SET config = excluded.config`,
		cfg.NeuronID, cfg.OwnerID, string(doc))
	if err != nil {
		return fmt.Errorf("save neuron %s: %w", cfg.NeuronID, err)
	}
	return nil
}

// FindNode implements Store.
func (s *SQLiteStore) FindNode(ctx context.Context, nodeID string) (*StoredNode, error) {
	var node StoredNode
	var config string
	err := s.db.QueryRowContext(ctx,
		"SELECT node_id, owner_id, name, config FROM nodes WHERE node_id = ?",
		nodeID).Scan(&node.NodeID, &node.OwnerID, &node.Name, &config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find node %s: %w", nodeID, err)
	}
	node.Config = json.RawMessage(config)
	return &node, nil
}

// SaveNode implements Store.
func (s *SQLiteStore) SaveNode(ctx context.Context, node *StoredNode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, owner_id, name, config) VALUES (?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			name = excluded.name,
			config = excluded.config`,
		node.NodeID, node.OwnerID, node.Name, string(node.Config))
	if err != nil {
		return fmt.Errorf("save node %s: %w", node.NodeID, err)
	}
	return nil
}

// UserSettings implements Store.
func (s *SQLiteStore) UserSettings(ctx context.Context, userID string) (*UserSettings, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		"SELECT settings FROM user_settings WHERE user_id = ?", userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load settings for %s: %w", userID, err)
	}
	var settings UserSettings
	if err := json.Unmarshal([]byte(doc), &settings); err != nil {
		return nil, fmt.Errorf("decode settings for %s: %w", userID, err)
	}
	return &settings, nil
}

// SaveUserSettings implements Store.
func (s *SQLiteStore) SaveUserSettings(ctx context.Context, settings *UserSettings) error {
	doc, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings for %s: %w", settings.UserID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, settings) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET settings = excluded.settings`,
		settings.UserID, string(doc))
	if err != nil {
		return fmt.Errorf("save settings for %s: %w", settings.UserID, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
