// Package vectorstore upserts code segment vectors with their payloads.
package vectorstore

import (
	"context"
	"fmt"
	"strings"
)

const (
	DefaultCollection = "code_segments"
	DefaultDimension  = 1536
)

// IndexedFields are the payload paths indexed as keywords.
var IndexedFields = []string{"file_context.language", "file_context.type", "filters.pattern_types"}

// Point is one vector with its id and payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// Store is the vector store contract.
type Store interface {
	// EnsureCollection creates the collection and its payload indexes when
	// missing.
	EnsureCollection(ctx context.Context) error
	// Upsert inserts or replaces points by id.
	Upsert(ctx context.Context, points []Point) error
}

// Config selects and configures a vector store driver.
type Config struct {
	Driver     string `yaml:"driver"`
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
	Dimension  int    `yaml:"dimension"`
	DSN        string `yaml:"dsn"`
	RetryMax   int    `yaml:"retry_max"`
}

// Open builds the driver named by cfg.Driver.
func Open(cfg Config) (Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "qdrant":
		return NewQdrant(cfg)
	case "pgvector", "postgres":
		return OpenPGVector(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector store driver: %s", cfg.Driver)
	}
}
