package bitbucket

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"

	bb "github.com/ktrysmt/go-bitbucket"
)

const (
	fileEntry      = "commit_file"
	directoryEntry = "commit_directory"
)

// Config contains the credentials and endpoint for a Bitbucket account.
type Config struct {
	Token   string
	BaseURL string
}

// Client reads repository content through the Bitbucket Cloud API.
type Client struct {
	bb *bb.Client
}

// NewTokenClient returns a Bitbucket SDK client using an OAuth bearer token.
func NewTokenClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("bitbucket token is required")
	}
	if base := normalizeBaseURL(cfg.BaseURL); base != "" {
		_ = os.Setenv("BITBUCKET_API_BASE_URL", base)
	}
	client, err := bb.NewOAuthbearerToken(cfg.Token)
	if err != nil {
		return nil, err
	}
	return &Client{bb: client}, nil
}

// FileContent returns the raw content of path at ref.
func (c *Client) FileContent(_ context.Context, owner, repo, path, ref string) ([]byte, error) {
	content, err := c.bb.Repositories.Repository.GetFileContent(&bb.RepositoryFilesOptions{
		Owner:    owner,
		RepoSlug: repo,
		Ref:      ref,
		Path:     path,
	})
	if err != nil {
		return nil, fmt.Errorf("bitbucket file content %s@%s: %w", path, ref, err)
	}
	return content, nil
}

// BranchHead returns the commit at the tip of branch.
func (c *Client) BranchHead(_ context.Context, owner, repo, branch string) (pipeline.CommitInfo, error) {
	b, err := c.bb.Repositories.Repository.GetBranch(&bb.RepositoryBranchOptions{
		Owner:      owner,
		RepoSlug:   repo,
		BranchName: branch,
	})
	if err != nil {
		return pipeline.CommitInfo{}, fmt.Errorf("bitbucket get branch %s: %w", branch, err)
	}
	info := commitFromTarget(b.Target)
	if info.SHA == "" {
		return pipeline.CommitInfo{}, fmt.Errorf("bitbucket branch %s has no head commit", branch)
	}
	return info, nil
}

// ListFiles walks the source tree at ref one directory at a time.
func (c *Client) ListFiles(ctx context.Context, owner, repo, ref string) ([]string, error) {
	var paths []string
	pending := []string{""}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := pending[0]
		pending = pending[1:]
		entries, err := c.bb.Repositories.Repository.ListFiles(&bb.RepositoryFilesOptions{
			Owner:    owner,
			RepoSlug: repo,
			Ref:      ref,
			Path:     dir,
		})
		if err != nil {
			return nil, fmt.Errorf("bitbucket list files %s@%s: %w", dir, ref, err)
		}
		for _, entry := range entries {
			switch entry.Type {
			case fileEntry:
				paths = append(paths, entry.Path)
			case directoryEntry:
				pending = append(pending, entry.Path)
			}
		}
	}
	return paths, nil
}

func commitFromTarget(target map[string]interface{}) pipeline.CommitInfo {
	info := pipeline.CommitInfo{
		SHA:       stringField(target, "hash"),
		Message:   stringField(target, "message"),
		Timestamp: stringField(target, "date"),
	}
	if author, ok := target["author"].(map[string]interface{}); ok {
		info.Author = stringField(author, "raw")
		if user, ok := author["user"].(map[string]interface{}); ok {
			if name := stringField(user, "display_name"); name != "" {
				info.Author = name
			}
		}
	}
	return info
}

func stringField(values map[string]interface{}, key string) string {
	if values == nil {
		return ""
	}
	value, _ := values[key].(string)
	return value
}

func normalizeBaseURL(base string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/")
}
