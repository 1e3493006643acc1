package githubevent

import (
	"strings"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"

	"github.com/go-playground/webhooks/v6/github"
)

const branchRefPrefix = "refs/heads/"

// PushEvent is the part of a push delivery the translator reads.
type PushEvent struct {
	Ref        string
	Before     string
	After      string
	Commits    []Commit
	HeadCommit *Commit
}

// Commit is one commit of a push.
type Commit struct {
	ID        string
	Message   string
	Author    string
	Timestamp string
	Added     []string
	Modified  []string
	Removed   []string
}

// CreateEvent is the part of a create delivery the translator reads.
type CreateEvent struct {
	Ref     string
	RefType string
}

// Target is the tracked repository a delivery was addressed to.
type Target struct {
	RepositoryID  int64
	ProjectID     int64
	GitAccountID  int64
	RepositoryURL string
	Branch        string
	Filter        *Filter
}

// BranchFromRef returns the branch name of a refs/heads/ ref, or "" for tags
// and other refs.
func BranchFromRef(ref string) string {
	if !strings.HasPrefix(ref, branchRefPrefix) {
		return ""
	}
	return strings.TrimPrefix(ref, branchRefPrefix)
}

// ExtractFileChanges walks every commit and keeps eligible paths. Modified and
// removed paths carry the pre-push SHA as previous_sha.
func ExtractFileChanges(evt PushEvent, filter *Filter) []pipeline.FileChange {
	var changes []pipeline.FileChange
	for _, commit := range evt.Commits {
		for _, path := range commit.Added {
			if filter.ShouldProcess(path) {
				changes = append(changes, pipeline.FileChange{Path: path, SHA: commit.ID, ChangeType: pipeline.ChangeAdded})
			}
		}
		for _, path := range commit.Modified {
			if filter.ShouldProcess(path) {
				changes = append(changes, pipeline.FileChange{Path: path, SHA: commit.ID, ChangeType: pipeline.ChangeModified, PreviousSHA: previous(evt.Before)})
			}
		}
		for _, path := range commit.Removed {
			if filter.ShouldProcess(path) {
				changes = append(changes, pipeline.FileChange{Path: path, SHA: commit.ID, ChangeType: pipeline.ChangeRemoved, PreviousSHA: previous(evt.Before)})
			}
		}
	}
	return changes
}

// TranslatePush builds a push message, or returns nil when the ref is not the
// tracked branch or no path is eligible.
func TranslatePush(evt PushEvent, target Target, now time.Time) *pipeline.QueueMessage {
	branch := BranchFromRef(evt.Ref)
	if branch == "" || branch != target.Branch {
		return nil
	}
	changes := ExtractFileChanges(evt, target.Filter)
	if len(changes) == 0 {
		return nil
	}

	commit := pipeline.CommitInfo{SHA: evt.After}
	head := evt.HeadCommit
	if head == nil && len(evt.Commits) > 0 {
		head = &evt.Commits[len(evt.Commits)-1]
	}
	if head != nil {
		commit.Message = head.Message
		commit.Author = head.Author
		commit.Timestamp = head.Timestamp
	}

	msg := newMessage(target, branch, pipeline.EventPush, now)
	msg.CommitInfo = &commit
	msg.FileChanges = changes
	return &msg
}

// TranslateCreate builds a setup message requesting a full scan when the
// tracked branch is created, and returns nil otherwise.
func TranslateCreate(evt CreateEvent, target Target, now time.Time) *pipeline.QueueMessage {
	if evt.RefType != "branch" || evt.Ref != target.Branch {
		return nil
	}
	msg := newMessage(target, evt.Ref, pipeline.EventSetup, now)
	msg.FullScan = true
	return &msg
}

// FromPushPayload converts a parsed webhook payload.
func FromPushPayload(pl github.PushPayload) PushEvent {
	evt := PushEvent{
		Ref:     pl.Ref,
		Before:  pl.Before,
		After:   pl.After,
		Commits: make([]Commit, 0, len(pl.Commits)),
	}
	for _, c := range pl.Commits {
		evt.Commits = append(evt.Commits, Commit{
			ID:        c.ID,
			Message:   c.Message,
			Author:    c.Author.Name,
			Timestamp: c.Timestamp,
			Added:     c.Added,
			Modified:  c.Modified,
			Removed:   c.Removed,
		})
	}
	if pl.HeadCommit.ID != "" {
		evt.HeadCommit = &Commit{
			ID:        pl.HeadCommit.ID,
			Message:   pl.HeadCommit.Message,
			Author:    pl.HeadCommit.Author.Name,
			Timestamp: pl.HeadCommit.Timestamp,
		}
	}
	return evt
}

// FromCreatePayload converts a parsed webhook payload.
func FromCreatePayload(pl github.CreatePayload) CreateEvent {
	return CreateEvent{Ref: pl.Ref, RefType: pl.RefType}
}

func newMessage(target Target, branch string, eventType pipeline.EventType, now time.Time) pipeline.QueueMessage {
	return pipeline.QueueMessage{
		RepositoryID:   target.RepositoryID,
		ProjectID:      target.ProjectID,
		GitAccountID:   target.GitAccountID,
		RepositoryURL:  target.RepositoryURL,
		Branch:         branch,
		EventType:      eventType,
		EventTimestamp: now.UTC().Format(time.RFC3339Nano),
		FileChanges:    []pipeline.FileChange{},
	}
}

func previous(sha string) *string {
	if sha == "" {
		return nil
	}
	return &sha
}
