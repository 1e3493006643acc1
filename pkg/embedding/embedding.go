// Package embedding turns file content into fixed-size vectors.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/httpjson"
)

// Embedder computes one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// KeyFunc supplies an API key on first use.
type KeyFunc func(ctx context.Context) (string, error)

// Config selects and configures an embedding provider.
type Config struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	// APIKeySecret names the secret holding the provider API key.
	APIKeySecret string `yaml:"api_key_secret"`
	APIKey       string `yaml:"api_key"`
	MaxChars     int    `yaml:"max_chars"`
	RetryMax     int    `yaml:"retry_max"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

// New builds the provider named by cfg.Provider. key is only consulted by
// providers that authenticate.
func New(cfg Config, key KeyFunc) (Embedder, error) {
	timeout := 60 * time.Second
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	client := httpjson.NewClient(httpjson.Options{Timeout: timeout, RetryMax: cfg.RetryMax})
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		return NewOpenAI(cfg, client, key), nil
	case "ollama":
		return NewOllama(cfg, client), nil
	case "hash":
		dimension := cfg.Dimension
		if dimension <= 0 {
			dimension = 1536
		}
		return Hash{Dimension: dimension}, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// Hash derives a deterministic unit vector from the content digest. It is
// meant for local runs without an embedding service.
type Hash struct {
	Dimension int
}

func (h Hash) Embed(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, h.Dimension)
	seed := sha256.Sum256([]byte(text))
	block := seed[:]
	var norm float64
	for i := range vector {
		if i > 0 && i%8 == 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		v := binary.BigEndian.Uint32(block[(i%8)*4:])
		f := float64(v)/math.MaxUint32*2 - 1
		vector[i] = float32(f)
		norm += f * f
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}
	return vector, nil
}

func truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}
