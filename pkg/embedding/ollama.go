package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/aaronbmoore/hobbes-processor/pkg/httpjson"
)

// Ollama calls a local Ollama server's /api/embed endpoint.
type Ollama struct {
	baseURL  string
	model    string
	maxChars int
	client   *http.Client
}

// NewOllama returns an Ollama embedder.
func NewOllama(cfg Config, client *http.Client) *Ollama {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	return &Ollama{baseURL: baseURL, model: model, maxChars: cfg.MaxChars, client: client}
}

func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]interface{}{
		"model": o.model,
		"input": truncate(text, o.maxChars),
	}
	var resp struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := httpjson.Do(ctx, o.client, http.MethodPost, o.baseURL+"/api/embed", nil, payload, &resp); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama embed: empty response")
	}
	return resp.Embeddings[0], nil
}
