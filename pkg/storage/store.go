package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRepositoryNotFound is returned for missing or inactive repositories.
	ErrRepositoryNotFound = errors.New("repository not found")
	// ErrAccountNotFound is returned for missing or inactive git accounts.
	ErrAccountNotFound = errors.New("git account not found")
)

// FilePatterns is the per-repository eligibility configuration.
type FilePatterns struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

// RepositoryRecord is a tracked repository.
type RepositoryRecord struct {
	ID            int64
	ProjectID     int64
	GitAccountID  int64
	Name          string
	RepositoryURL string
	Branch        string
	WebhookSecret string
	FilePatterns  *FilePatterns
	IsActive      bool
	CreatedAt     time.Time
	LastSyncedAt  *time.Time
}

// AccountRecord is a git account holding the token used to read content.
type AccountRecord struct {
	ID          int64
	ProviderID  int64
	Name        string
	AccessToken string
	IsActive    bool
	CreatedAt   time.Time
}

// ProviderRecord names a source-control provider and its API base URL.
type ProviderRecord struct {
	ID         int64
	Name       string
	APIBaseURL string
	CreatedAt  time.Time
}

// Target bundles what one webhook invocation or queue message needs to know
// about a repository.
type Target struct {
	Repository RepositoryRecord
	Account    AccountRecord
	// Provider is nil when the account references no provider row.
	Provider *ProviderRecord
}

// Store is the read-only view of repository configuration used by the
// pipeline.
type Store interface {
	// LookupTarget loads an active repository and its active account.
	LookupTarget(ctx context.Context, repositoryID int64) (*Target, error)
	Close() error
}
