package gitlab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"

	gl "github.com/xanzy/go-gitlab"
)

const defaultBaseURL = "https://gitlab.com/api/v4"

// Config contains the credentials and endpoint for a GitLab account.
type Config struct {
	Token   string
	BaseURL string
}

// Client reads repository content through the GitLab API.
type Client struct {
	gl *gl.Client
}

// NewTokenClient returns a GitLab SDK client using a personal or project
// access token.
func NewTokenClient(cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("gitlab token is required")
	}
	client, err := gl.NewClient(cfg.Token,
		gl.WithBaseURL(normalizeBaseURL(cfg.BaseURL)),
		gl.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	)
	if err != nil {
		return nil, err
	}
	return &Client{gl: client}, nil
}

// FileContent returns the raw content of path at ref.
func (c *Client) FileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	raw, _, err := c.gl.RepositoryFiles.GetRawFile(project(owner, repo), path, &gl.GetRawFileOptions{Ref: gl.Ptr(ref)}, gl.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("gitlab raw file %s@%s: %w", path, ref, err)
	}
	return raw, nil
}

// BranchHead returns the commit at the tip of branch.
func (c *Client) BranchHead(ctx context.Context, owner, repo, branch string) (pipeline.CommitInfo, error) {
	b, _, err := c.gl.Branches.GetBranch(project(owner, repo), branch, gl.WithContext(ctx))
	if err != nil {
		return pipeline.CommitInfo{}, fmt.Errorf("gitlab get branch %s: %w", branch, err)
	}
	if b.Commit == nil || b.Commit.ID == "" {
		return pipeline.CommitInfo{}, fmt.Errorf("gitlab branch %s has no head commit", branch)
	}
	info := pipeline.CommitInfo{
		SHA:     b.Commit.ID,
		Message: b.Commit.Message,
		Author:  b.Commit.AuthorName,
	}
	if b.Commit.AuthoredDate != nil {
		info.Timestamp = b.Commit.AuthoredDate.UTC().Format(time.RFC3339)
	}
	return info, nil
}

// ListFiles enumerates every blob reachable from ref, following pagination.
func (c *Client) ListFiles(ctx context.Context, owner, repo, ref string) ([]string, error) {
	opts := &gl.ListTreeOptions{
		ListOptions: gl.ListOptions{PerPage: 100, Page: 1},
		Ref:         gl.Ptr(ref),
		Recursive:   gl.Ptr(true),
	}
	var paths []string
	for {
		nodes, resp, err := c.gl.Repositories.ListTree(project(owner, repo), opts, gl.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("gitlab list tree %s: %w", ref, err)
		}
		for _, node := range nodes {
			if node.Type == "blob" {
				paths = append(paths, node.Path)
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return paths, nil
		}
		opts.Page = resp.NextPage
	}
}

func project(owner, repo string) string {
	return owner + "/" + repo
}

func normalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return defaultBaseURL
	}
	return base
}
