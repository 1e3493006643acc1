package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ChangeType classifies a file change inside a push.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// EventType is the kind of queue message emitted by the webhook.
type EventType string

const (
	EventPush  EventType = "push"
	EventSetup EventType = "setup"
)

// FileChange is one eligible path touched by a commit.
type FileChange struct {
	Path        string     `json:"path"`
	SHA         string     `json:"sha"`
	ChangeType  ChangeType `json:"change_type"`
	PreviousSHA *string    `json:"previous_sha"`
}

// CommitInfo identifies the commit a manifest is built for.
type CommitInfo struct {
	SHA       string `json:"sha"`
	Message   string `json:"message"`
	Author    string `json:"author"`
	Timestamp string `json:"timestamp"`
}

// QueueMessage is the unit of work handed from the webhook to the Manifest
// Builder. It is immutable once enqueued and may be delivered more than once.
type QueueMessage struct {
	RepositoryID   int64        `json:"repository_id"`
	ProjectID      int64        `json:"project_id"`
	GitAccountID   int64        `json:"git_account_id"`
	RepositoryURL  string       `json:"repository_url"`
	Branch         string       `json:"branch"`
	EventType      EventType    `json:"event_type"`
	EventTimestamp string       `json:"event_timestamp"`
	CommitInfo     *CommitInfo  `json:"commit_info"`
	FileChanges    []FileChange `json:"file_changes"`
	FullScan       bool         `json:"full_scan"`
	DeletedRef     *string      `json:"deleted_ref"`
}

// DecodeQueueMessage parses and validates a queue message body. Any failure is
// reported as a MalformedPayloadError.
func DecodeQueueMessage(raw []byte) (QueueMessage, error) {
	var msg QueueMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, &MalformedPayloadError{Err: err}
	}
	if err := msg.Validate(); err != nil {
		return msg, &MalformedPayloadError{Err: err}
	}
	return msg, nil
}

// Validate checks the fields the pipeline depends on.
func (m QueueMessage) Validate() error {
	var errs []error
	if m.RepositoryID <= 0 {
		errs = append(errs, errors.New("repository_id is required"))
	}
	if strings.TrimSpace(m.RepositoryURL) == "" {
		errs = append(errs, errors.New("repository_url is required"))
	}
	if strings.TrimSpace(m.Branch) == "" {
		errs = append(errs, errors.New("branch is required"))
	}
	switch m.EventType {
	case EventPush:
		if m.CommitInfo == nil || m.CommitInfo.SHA == "" {
			errs = append(errs, errors.New("push message requires commit_info.sha"))
		}
	case EventSetup:
		if !m.FullScan {
			errs = append(errs, errors.New("setup message requires full_scan"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported event_type %q", m.EventType))
	}
	for i, change := range m.FileChanges {
		if change.Path == "" {
			errs = append(errs, fmt.Errorf("file_changes[%d]: path is required", i))
		}
		switch change.ChangeType {
		case ChangeAdded, ChangeModified, ChangeRemoved:
		default:
			errs = append(errs, fmt.Errorf("file_changes[%d]: unsupported change_type %q", i, change.ChangeType))
		}
	}
	return errors.Join(errs...)
}

// LatestChanges collapses repeated paths, keeping the last change in commit
// order. The relative order of first appearance is preserved.
func LatestChanges(changes []FileChange) []FileChange {
	index := make(map[string]int, len(changes))
	out := make([]FileChange, 0, len(changes))
	for _, change := range changes {
		if i, ok := index[change.Path]; ok {
			out[i] = change
			continue
		}
		index[change.Path] = len(out)
		out = append(out, change)
	}
	return out
}
