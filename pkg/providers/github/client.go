package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v57/github"
	"github.com/gregjones/httpcache"
	"golang.org/x/oauth2"
)

const defaultBaseURL = "https://api.github.com"

// Config contains the credentials and endpoint for a GitHub account.
type Config struct {
	Token   string
	BaseURL string
}

// Client reads repository content through the GitHub REST API.
type Client struct {
	gh *gh.Client
}

// NewTokenClient creates a GitHub SDK client authenticated with an account
// token. Requests pass through an ETag cache and the secondary rate-limit
// middleware.
func NewTokenClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("github token is required")
	}
	rateLimited := github_ratelimit.NewClient(httpcache.NewMemoryCacheTransport())
	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
			Base:   rateLimited.Transport,
		},
		Timeout: 30 * time.Second,
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL != "" && baseURL != defaultBaseURL {
		client, err := gh.NewEnterpriseClient(baseURL, baseURL, httpClient)
		if err != nil {
			return nil, err
		}
		return &Client{gh: client}, nil
	}
	return &Client{gh: gh.NewClient(httpClient)}, nil
}

// FileContent returns the decoded content of path at ref.
func (c *Client) FileContent(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	opts := &gh.RepositoryContentGetOptions{Ref: ref}
	file, _, _, err := c.gh.Repositories.GetContents(ctx, owner, repo, path, opts)
	if err != nil {
		return nil, fmt.Errorf("github get contents %s@%s: %w", path, ref, err)
	}
	if file == nil {
		return nil, fmt.Errorf("github get contents %s@%s: path is a directory", path, ref)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("github decode contents %s: %w", path, err)
	}
	if content == "" && file.GetSize() > 0 {
		// Files above the contents API limit come back without a body.
		return c.download(ctx, owner, repo, path, ref)
	}
	return []byte(content), nil
}

func (c *Client) download(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	rc, _, err := c.gh.Repositories.DownloadContents(ctx, owner, repo, path, &gh.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, fmt.Errorf("github download %s@%s: %w", path, ref, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// BranchHead returns the commit at the tip of branch.
func (c *Client) BranchHead(ctx context.Context, owner, repo, branch string) (pipeline.CommitInfo, error) {
	b, _, err := c.gh.Repositories.GetBranch(ctx, owner, repo, branch, 1)
	if err != nil {
		return pipeline.CommitInfo{}, fmt.Errorf("github get branch %s: %w", branch, err)
	}
	head := b.GetCommit()
	if head.GetSHA() == "" {
		return pipeline.CommitInfo{}, fmt.Errorf("github branch %s has no head commit", branch)
	}
	info := pipeline.CommitInfo{
		SHA:     head.GetSHA(),
		Message: head.GetCommit().GetMessage(),
		Author:  head.GetCommit().GetAuthor().GetName(),
	}
	if date := head.GetCommit().GetAuthor().GetDate(); !date.IsZero() {
		info.Timestamp = date.UTC().Format(time.RFC3339)
	}
	return info, nil
}

// ListFiles enumerates every blob reachable from ref.
func (c *Client) ListFiles(ctx context.Context, owner, repo, ref string) ([]string, error) {
	tree, _, err := c.gh.Git.GetTree(ctx, owner, repo, ref, true)
	if err != nil {
		return nil, fmt.Errorf("github get tree %s: %w", ref, err)
	}
	// A truncated tree still yields the entries GitHub returned.
	paths := make([]string, 0, len(tree.Entries))
	for _, entry := range tree.Entries {
		if entry.GetType() == "blob" {
			paths = append(paths, entry.GetPath())
		}
	}
	return paths, nil
}
