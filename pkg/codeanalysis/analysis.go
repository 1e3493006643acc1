// Package codeanalysis asks an LLM for structured metadata about a source file.
package codeanalysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/httpjson"
)

// Request is one file to analyze.
type Request struct {
	Path          string
	Content       string
	RepositoryURL string
}

// Analyzer produces code analysis metadata for a file.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Analysis, error)
}

// KeyFunc supplies an API key on first use.
type KeyFunc func(ctx context.Context) (string, error)

// Analysis is the code_analysis object stored with each segment.
type Analysis struct {
	Language             Language      `json:"language"`
	FileType             FileType      `json:"file_type"`
	PrimaryPurpose       Purpose       `json:"primary_purpose"`
	DetectedPatterns     []Pattern     `json:"detected_patterns"`
	Dependencies         Dependencies  `json:"dependencies"`
	CodeStructure        CodeStructure `json:"code_structure"`
	Features             []string      `json:"features"`
	ArchitecturalContext Architecture  `json:"architectural_context"`
}

type Language struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Reasoning  []string `json:"reasoning"`
}

type FileType struct {
	Type       string   `json:"type"`
	Subtype    string   `json:"subtype"`
	Confidence float64  `json:"confidence"`
	Reasoning  []string `json:"reasoning"`
}

type Purpose struct {
	Purpose    string   `json:"purpose"`
	Confidence float64  `json:"confidence"`
	Reasoning  []string `json:"reasoning"`
}

type Pattern struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Reasoning  []string `json:"reasoning"`
}

type Dependencies struct {
	Imports    []Import `json:"imports"`
	Components []string `json:"components"`
	Services   []string `json:"services"`
}

type Import struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Purpose string `json:"purpose"`
}

type CodeStructure struct {
	Classes   []Class    `json:"classes"`
	Functions []Function `json:"functions"`
}

type Class struct {
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Responsibility string   `json:"responsibility"`
	Patterns       []string `json:"patterns"`
}

type Function struct {
	Name       string `json:"name"`
	Purpose    string `json:"purpose"`
	Complexity string `json:"complexity"`
}

type Architecture struct {
	Layer        string   `json:"layer"`
	Patterns     []string `json:"patterns"`
	Dependencies []string `json:"dependencies"`
}

// PatternNames lists detected pattern names, used as a payload filter.
func (a *Analysis) PatternNames() []string {
	if a == nil {
		return []string{}
	}
	names := make([]string, 0, len(a.DetectedPatterns))
	for _, p := range a.DetectedPatterns {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}
	return names
}

// Config selects and configures the analyzer.
type Config struct {
	Provider     string `yaml:"provider"`
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	MaxTokens    int    `yaml:"max_tokens"`
	MaxChars     int    `yaml:"max_chars"`
	APIKeySecret string `yaml:"api_key_secret"`
	APIKey       string `yaml:"api_key"`
	RetryMax     int    `yaml:"retry_max"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

// New builds the analyzer named by cfg.Provider. "none" returns a nil
// Analyzer, which disables analysis.
func New(cfg Config, key KeyFunc) (Analyzer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "none", "":
		return nil, nil
	case "anthropic":
		timeout := 120 * time.Second
		if cfg.TimeoutMS > 0 {
			timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
		}
		client := httpjson.NewClient(httpjson.Options{Timeout: timeout, RetryMax: cfg.RetryMax})
		return NewAnthropic(cfg, client, key), nil
	default:
		return nil, fmt.Errorf("unsupported analysis provider: %s", cfg.Provider)
	}
}
