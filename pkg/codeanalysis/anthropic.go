package codeanalysis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/aaronbmoore/hobbes-processor/pkg/httpjson"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-haiku-20240307"
	anthropicVersion        = "2023-06-01"
)

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	baseURL   string
	model     string
	maxTokens int
	maxChars  int
	client    *http.Client

	key    KeyFunc
	mu     sync.Mutex
	apiKey string
}

// NewAnthropic returns an Anthropic analyzer. The API key is fetched on first
// use.
func NewAnthropic(cfg Config, client *http.Client, key KeyFunc) *Anthropic {
	a := &Anthropic{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxChars:  cfg.MaxChars,
		client:    client,
		key:       key,
	}
	if a.baseURL == "" {
		a.baseURL = defaultAnthropicBaseURL
	}
	if a.model == "" {
		a.model = defaultAnthropicModel
	}
	if a.maxTokens <= 0 {
		a.maxTokens = 4096
	}
	if a.maxChars <= 0 {
		a.maxChars = 60000
	}
	if a.key == nil && cfg.APIKey != "" {
		apiKey := cfg.APIKey
		a.key = func(context.Context) (string, error) { return apiKey, nil }
	}
	return a
}

func (a *Anthropic) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	apiKey, err := a.resolveKey(ctx)
	if err != nil {
		return nil, err
	}
	content := req.Content
	if len(content) > a.maxChars {
		content = content[:a.maxChars]
	}

	header := http.Header{}
	header.Set("x-api-key", apiKey)
	header.Set("anthropic-version", anthropicVersion)
	payload := map[string]interface{}{
		"model":      a.model,
		"max_tokens": a.maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": Prompt(req.Path, content, req.RepositoryURL)},
		},
	}
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := httpjson.Do(ctx, a.client, http.MethodPost, a.baseURL+"/v1/messages", header, payload, &resp); err != nil {
		return nil, fmt.Errorf("anthropic analyze %s: %w", req.Path, err)
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return ParseResponse(text.String())
}

func (a *Anthropic) resolveKey(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.apiKey != "" {
		return a.apiKey, nil
	}
	if a.key == nil {
		return "", fmt.Errorf("anthropic api key is not configured")
	}
	apiKey, err := a.key(ctx)
	if err != nil {
		return "", fmt.Errorf("anthropic api key: %w", err)
	}
	a.apiKey = apiKey
	return apiKey, nil
}

// ParseResponse extracts the code_analysis object from a model reply. The
// reply may wrap the JSON in prose or a code fence.
func ParseResponse(text string) (*Analysis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("analysis response contains no JSON object")
	}
	var wrapper struct {
		CodeAnalysis *Analysis `json:"code_analysis"`
	}
	raw := []byte(text[start : end+1])
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if wrapper.CodeAnalysis != nil {
		return wrapper.CodeAnalysis, nil
	}
	var bare Analysis
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return &bare, nil
}

// Prompt builds the analysis instruction for one file.
func Prompt(path, content, repositoryURL string) string {
	return fmt.Sprintf(promptTemplate, path, repositoryURL, content)
}

const promptTemplate = `You are analyzing a code file to generate structured metadata. Analyze the following code and respond with ONLY a JSON object matching the specified structure.

File Path: %s
Repository: %s

CODE TO ANALYZE:
%s

Generate a JSON object with the following structure:
{
    "code_analysis": {
        "language": {"name": string, "confidence": float, "reasoning": [string]},
        "file_type": {"type": string, "subtype": string, "confidence": float, "reasoning": [string]},
        "primary_purpose": {"purpose": string, "confidence": float, "reasoning": [string]},
        "detected_patterns": [{"name": string, "confidence": float, "reasoning": [string]}],
        "dependencies": {
            "imports": [{"name": string, "type": "internal|external", "purpose": string}],
            "components": [string],
            "services": [string]
        },
        "code_structure": {
            "classes": [{"name": string, "type": string, "responsibility": string, "patterns": [string]}],
            "functions": [{"name": string, "purpose": string, "complexity": "low|medium|high"}]
        },
        "features": [string],
        "architectural_context": {
            "layer": "presentation|business|data|infrastructure",
            "patterns": [string],
            "dependencies": [string]
        }
    }
}`
