package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/aaronbmoore/hobbes-processor/pkg/httpjson"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "text-embedding-ada-002"
	defaultMaxChars      = 24000
)

// OpenAI calls the OpenAI embeddings endpoint.
type OpenAI struct {
	baseURL  string
	model    string
	maxChars int
	client   *http.Client

	key    KeyFunc
	mu     sync.Mutex
	apiKey string
}

// NewOpenAI returns an OpenAI embedder. The API key is fetched on first use.
func NewOpenAI(cfg Config, client *http.Client, key KeyFunc) *OpenAI {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	maxChars := cfg.MaxChars
	if maxChars == 0 {
		maxChars = defaultMaxChars
	}
	if key == nil && cfg.APIKey != "" {
		apiKey := cfg.APIKey
		key = func(context.Context) (string, error) { return apiKey, nil }
	}
	return &OpenAI{baseURL: baseURL, model: model, maxChars: maxChars, client: client, key: key}
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	apiKey, err := o.resolveKey(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)

	payload := map[string]interface{}{
		"model": o.model,
		"input": truncate(text, o.maxChars),
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := httpjson.Do(ctx, o.client, http.MethodPost, o.baseURL+"/embeddings", header, payload, &resp); err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}

func (o *OpenAI) resolveKey(ctx context.Context) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.apiKey != "" {
		return o.apiKey, nil
	}
	if o.key == nil {
		return "", fmt.Errorf("openai api key is not configured")
	}
	apiKey, err := o.key(ctx)
	if err != nil {
		return "", fmt.Errorf("openai api key: %w", err)
	}
	o.apiKey = apiKey
	return apiKey, nil
}
