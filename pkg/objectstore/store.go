// Package objectstore persists file contents, manifests and error artifacts
// under the key layout described in pkg/pipeline.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("object not found")
	// ErrPreconditionFailed is returned by PutIfMatch when the stored version
	// no longer matches.
	ErrPreconditionFailed = errors.New("object version precondition failed")
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"
)

// Object is a stored body with the version used for conditional writes.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	Version     string
}

// Store is the object storage contract shared by every driver.
type Store interface {
	// Bucket names the location objects are written to.
	Bucket() string
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) (*Object, error)
	// PutIfMatch overwrites key only when its current version equals version.
	PutIfMatch(ctx context.Context, key string, body []byte, contentType, version string) error
}

// Config selects and configures an object store driver.
type Config struct {
	Driver string `yaml:"driver"`
	Bucket string `yaml:"bucket"`

	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	SQLDriver   string `yaml:"sql_driver"`
	DSN         string `yaml:"dsn"`
	Table       string `yaml:"table"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// Open builds the driver named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "s3":
		return NewS3(ctx, cfg)
	case "sql":
		return OpenSQL(cfg)
	case "memory":
		return NewMemory(cfg.Bucket), nil
	default:
		return nil, fmt.Errorf("unsupported object store driver: %s", cfg.Driver)
	}
}
