package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the manifest lifecycle marker. It only moves forward.
type Status string

const (
	StatusPending             Status = "pending"
	StatusEmbeddingsGenerated Status = "embeddings_generated"
	StatusAnalyzed            Status = "analyzed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusEmbeddingsGenerated:
		return 1
	case StatusAnalyzed:
		return 2
	default:
		return -1
	}
}

// AtLeast reports whether s is the same as or later than other.
func (s Status) AtLeast(other Status) bool {
	return s.rank() >= other.rank()
}

// RepositoryInfo is the repository section of a manifest.
type RepositoryInfo struct {
	ID           int64  `json:"id"`
	URL          string `json:"url"`
	ProjectID    int64  `json:"project_id"`
	GitAccountID int64  `json:"git_account_id"`
	Branch       string `json:"branch"`
}

// ManifestFile is one durably stored file.
type ManifestFile struct {
	Path        string  `json:"path"`
	SHA         string  `json:"sha"`
	PreviousSHA *string `json:"previous_sha"`
	S3Key       string  `json:"s3_key"`
}

// Manifest is the per-commit record consumed by the Analysis Fan-out.
type Manifest struct {
	CommitInfo CommitInfo     `json:"commit_info"`
	Repository RepositoryInfo `json:"repository"`
	Files      []ManifestFile `json:"files"`
	Status     Status         `json:"status"`
	CreatedAt  string         `json:"created_at"`
	AnalyzedAt string         `json:"analyzed_at,omitempty"`
}

// NewManifest starts a pending manifest for a message and its resolved commit.
func NewManifest(msg QueueMessage, commit CommitInfo, now time.Time) Manifest {
	return Manifest{
		CommitInfo: commit,
		Repository: RepositoryInfo{
			ID:           msg.RepositoryID,
			URL:          msg.RepositoryURL,
			ProjectID:    msg.ProjectID,
			GitAccountID: msg.GitAccountID,
			Branch:       msg.Branch,
		},
		Files:     []ManifestFile{},
		Status:    StatusPending,
		CreatedAt: now.UTC().Format(time.RFC3339Nano),
	}
}

// Advance moves the manifest to next and stamps analyzed_at. It never
// regresses the status and reports whether anything changed.
func (m *Manifest) Advance(next Status, now time.Time) bool {
	if m.Status.AtLeast(next) {
		return false
	}
	m.Status = next
	m.AnalyzedAt = now.UTC().Format(time.RFC3339Nano)
	return true
}

// MergeStored folds an earlier copy of the same commit's manifest into m.
// The stored status and timestamps win when the stored status is at least
// m's, and stored files whose path m does not list are kept.
func (m *Manifest) MergeStored(stored Manifest) {
	if stored.Status.AtLeast(m.Status) {
		m.Status = stored.Status
		m.AnalyzedAt = stored.AnalyzedAt
	}
	if stored.CreatedAt != "" {
		m.CreatedAt = stored.CreatedAt
	}
	listed := make(map[string]struct{}, len(m.Files))
	for _, file := range m.Files {
		listed[file.Path] = struct{}{}
	}
	for _, file := range stored.Files {
		if _, ok := listed[file.Path]; !ok {
			m.Files = append(m.Files, file)
		}
	}
}

// DecodeManifest parses a stored manifest object.
func DecodeManifest(raw []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, &MalformedPayloadError{Err: fmt.Errorf("decode manifest: %w", err)}
	}
	if m.CommitInfo.SHA == "" {
		return m, &MalformedPayloadError{Err: fmt.Errorf("manifest has no commit sha")}
	}
	if m.Status.rank() < 0 {
		return m, &MalformedPayloadError{Err: fmt.Errorf("manifest has unknown status %q", m.Status)}
	}
	return m, nil
}
