package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aaronbmoore/hobbes-processor/pkg/storage"
)

const (
	ProviderGitHub    = "github"
	ProviderGitLab    = "gitlab"
	ProviderBitbucket = "bitbucket"
)

// ErrMissingToken is returned when neither the account nor the configuration
// carries a token.
var ErrMissingToken = errors.New("access token is required")

// AuthContext contains the resolved credentials for reading repository content.
type AuthContext struct {
	Provider string
	Token    string
	BaseURL  string
}

// Resolver resolves authentication for a tracked repository.
type Resolver interface {
	Resolve(ctx context.Context, target *storage.Target) (AuthContext, error)
}

// DefaultResolver resolves auth from the git account and provider records,
// falling back to configuration.
type DefaultResolver struct {
	cfg Config
}

// NewResolver constructs a DefaultResolver.
func NewResolver(cfg Config) *DefaultResolver {
	return &DefaultResolver{cfg: cfg}
}

// Resolve builds an AuthContext for the target's account.
func (r *DefaultResolver) Resolve(_ context.Context, target *storage.Target) (AuthContext, error) {
	if target == nil {
		return AuthContext{}, errors.New("target is required")
	}
	name := ProviderGitHub
	baseURL := ""
	if target.Provider != nil {
		name = target.Provider.Name
		baseURL = strings.TrimSpace(target.Provider.APIBaseURL)
	}
	provider, err := NormalizeProvider(name)
	if err != nil {
		return AuthContext{}, err
	}
	cfg := r.cfg.For(provider)

	token := strings.TrimSpace(target.Account.AccessToken)
	if token == "" {
		token = cfg.Token
	}
	if token == "" {
		return AuthContext{}, fmt.Errorf("%s account %d: %w", provider, target.Account.ID, ErrMissingToken)
	}
	if baseURL == "" {
		baseURL = cfg.BaseURL
	}
	return AuthContext{Provider: provider, Token: token, BaseURL: baseURL}, nil
}

// NormalizeProvider maps a provider name onto a supported provider. An empty
// name is GitHub.
func NormalizeProvider(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "github", "github.com":
		return ProviderGitHub, nil
	case "gitlab", "gitlab.com":
		return ProviderGitLab, nil
	case "bitbucket", "bitbucket.org":
		return ProviderBitbucket, nil
	default:
		return "", fmt.Errorf("unsupported provider %q", name)
	}
}
