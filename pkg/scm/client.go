package scm

import (
	"context"
	"errors"
	"fmt"

	"github.com/aaronbmoore/hobbes-processor/pkg/auth"
	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
	"github.com/aaronbmoore/hobbes-processor/pkg/providers/bitbucket"
	"github.com/aaronbmoore/hobbes-processor/pkg/providers/github"
	"github.com/aaronbmoore/hobbes-processor/pkg/providers/gitlab"
)

// SourceClient reads repository content from a source-control provider.
type SourceClient interface {
	// FileContent returns the content of path at ref (a commit SHA or branch).
	FileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
	// BranchHead returns the commit at the tip of branch.
	BranchHead(ctx context.Context, owner, repo, branch string) (pipeline.CommitInfo, error)
	// ListFiles enumerates the file paths of the tree at ref.
	ListFiles(ctx context.Context, owner, repo, ref string) ([]string, error)
}

// ClientFactory builds source clients from resolved credentials.
type ClientFactory interface {
	NewClient(ctx context.Context, authCtx auth.AuthContext) (SourceClient, error)
}

// Factory builds SCM clients using resolved auth contexts.
type Factory struct{}

// NewFactory creates a new Factory.
func NewFactory() *Factory {
	return &Factory{}
}

// NewClient creates a provider-specific client from an AuthContext.
func (f *Factory) NewClient(ctx context.Context, authCtx auth.AuthContext) (SourceClient, error) {
	switch authCtx.Provider {
	case auth.ProviderGitHub:
		return github.NewTokenClient(ctx, github.Config{Token: authCtx.Token, BaseURL: authCtx.BaseURL})
	case auth.ProviderGitLab:
		return gitlab.NewTokenClient(gitlab.Config{Token: authCtx.Token, BaseURL: authCtx.BaseURL})
	case auth.ProviderBitbucket:
		return bitbucket.NewTokenClient(bitbucket.Config{Token: authCtx.Token, BaseURL: authCtx.BaseURL})
	case "":
		return nil, errors.New("provider is required for scm client")
	default:
		return nil, fmt.Errorf("unsupported provider for scm client: %s", authCtx.Provider)
	}
}
