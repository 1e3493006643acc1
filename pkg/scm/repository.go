package scm

import (
	"fmt"
	"net/url"
	"strings"
)

// Repository identifies a repository on its provider. Owner may contain
// slashes for nested GitLab groups.
type Repository struct {
	Host  string
	Owner string
	Name  string
}

// FullName returns owner/name.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// ParseRepositoryURL accepts https, ssh and scp-style clone URLs.
func ParseRepositoryURL(raw string) (Repository, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Repository{}, fmt.Errorf("repository url is required")
	}

	var host, path string
	if !strings.Contains(raw, "://") && strings.Contains(raw, ":") {
		// git@github.com:owner/name.git
		at := strings.Index(raw, "@")
		colon := strings.Index(raw, ":")
		if colon < at {
			return Repository{}, fmt.Errorf("invalid repository url %q", raw)
		}
		host = raw[at+1 : colon]
		path = raw[colon+1:]
	} else {
		u, err := url.Parse(raw)
		if err != nil {
			return Repository{}, fmt.Errorf("invalid repository url %q: %w", raw, err)
		}
		host = u.Hostname()
		path = u.Path
	}

	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return Repository{}, fmt.Errorf("repository url %q has no owner/name", raw)
	}
	return Repository{Host: host, Owner: path[:idx], Name: path[idx+1:]}, nil
}
