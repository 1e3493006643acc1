// Package secrets resolves named secrets (API keys, connection strings) from
// SSM Parameter Store or the environment.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when a source has no value for a name.
var ErrNotFound = errors.New("secret not found")

// Source fetches a secret by name.
type Source interface {
	Get(ctx context.Context, name string) (string, error)
}

// Config selects a secret source.
type Config struct {
	Driver string `yaml:"driver"`
	Region string `yaml:"region"`
	// Endpoint overrides the SSM endpoint (localstack and tests).
	Endpoint string `yaml:"endpoint"`
}

// Open builds the source named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "env":
		return Env{}, nil
	case "ssm":
		return NewSSM(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported secrets driver: %s", cfg.Driver)
	}
}

// Env reads secrets from environment variables. A parameter path such as
// /hobbes/openai-api-key maps to HOBBES_OPENAI_API_KEY.
type Env struct {
	Lookup func(string) (string, bool)
}

func (e Env) Get(_ context.Context, name string) (string, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(EnvName(name))
	if !ok || value == "" {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return value, nil
}

// EnvName converts a parameter path to an environment variable name.
func EnvName(name string) string {
	name = strings.Trim(strings.TrimSpace(name), "/")
	replacer := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return strings.ToUpper(replacer.Replace(name))
}

// Cache memoizes values for the lifetime of one processor instance.
type Cache struct {
	source Source

	mu     sync.Mutex
	values map[string]string
}

// NewCache wraps source.
func NewCache(source Source) *Cache {
	return &Cache{source: source, values: make(map[string]string)}
}

// Get returns the cached value or fetches it. Failures are not cached.
func (c *Cache) Get(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value, ok := c.values[name]; ok {
		return value, nil
	}
	value, err := c.source.Get(ctx, name)
	if err != nil {
		return "", err
	}
	c.values[name] = value
	return value, nil
}

// Resolver returns a function fetching name through the cache. An empty name
// yields fallback, which lets configuration carry a literal value instead.
func (c *Cache) Resolver(name, fallback string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		if name == "" {
			if fallback == "" {
				return "", ErrNotFound
			}
			return fallback, nil
		}
		return c.Get(ctx, name)
	}
}
