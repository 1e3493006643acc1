// Package manifest turns queue messages into stored file objects and a
// per-commit manifest.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/auth"
	"github.com/aaronbmoore/hobbes-processor/pkg/githubevent"
	"github.com/aaronbmoore/hobbes-processor/pkg/objectstore"
	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
	"github.com/aaronbmoore/hobbes-processor/pkg/retry"
	"github.com/aaronbmoore/hobbes-processor/pkg/scm"
	"github.com/aaronbmoore/hobbes-processor/pkg/storage"
	"github.com/aaronbmoore/hobbes-processor/pkg/worker"
)

// maxManifestWrites bounds conditional manifest rewrites under contention.
const maxManifestWrites = 3

// Notifier announces a stored manifest to the analysis stage.
type Notifier interface {
	Notify(ctx context.Context, note pipeline.ManifestNotification) error
}

// Options wires a Builder. Store, Auth, Sources and Objects are required.
type Options struct {
	Store    storage.Store
	Auth     auth.Resolver
	Sources  scm.ClientFactory
	Objects  objectstore.Store
	Notifier Notifier
	Retry    retry.Policy
	Recorder pipeline.Recorder
	Logger   *log.Logger
	Now      func() time.Time
}

// Builder is the Manifest Builder stage.
type Builder struct {
	store    storage.Store
	auth     auth.Resolver
	sources  scm.ClientFactory
	objects  objectstore.Store
	notifier Notifier
	retry    retry.Policy
	recorder pipeline.Recorder
	logger   *log.Logger
	now      func() time.Time
}

// Result reports what one message produced. Manifest is nil when no file was
// stored or the repository is no longer tracked.
type Result struct {
	Manifest    *pipeline.Manifest
	ManifestKey string
	Outcome     pipeline.Outcome[pipeline.FileChange]
}

// New builds a Builder with defaults for the optional collaborators.
func New(opts Options) (*Builder, error) {
	if opts.Store == nil || opts.Auth == nil || opts.Sources == nil || opts.Objects == nil {
		return nil, errors.New("manifest builder requires store, auth, sources and objects")
	}
	b := &Builder{
		store:    opts.Store,
		auth:     opts.Auth,
		sources:  opts.Sources,
		objects:  opts.Objects,
		notifier: opts.Notifier,
		retry:    opts.Retry,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if b.retry.MaxAttempts == 0 {
		b.retry = retry.Default
	}
	if b.recorder == nil {
		b.recorder = pipeline.NopRecorder{}
	}
	if b.logger == nil {
		b.logger = log.New(io.Discard, "", 0)
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

// Handle is the worker entry point for the file-processing topic.
func (b *Builder) Handle(ctx context.Context, evt *worker.Event) error {
	msg, err := pipeline.DecodeQueueMessage(evt.Payload)
	if err != nil {
		return err
	}
	result, err := b.Build(ctx, msg)
	if err != nil {
		return err
	}
	b.logger.Printf("request_id=%s repository_id=%d stored=%d failed=%d manifest=%s",
		evt.RequestID(), msg.RepositoryID, len(result.Outcome.Succeeded), len(result.Outcome.Failed), result.ManifestKey)
	return nil
}

// Build processes one queue message. File-level failures are recorded in the
// result and never returned; the returned error is message-level.
func (b *Builder) Build(ctx context.Context, msg pipeline.QueueMessage) (Result, error) {
	started := b.now()
	defer func() { b.recorder.ObserveDuration(pipeline.StageManifest, b.now().Sub(started)) }()

	var result Result

	target, err := b.store.LookupTarget(ctx, msg.RepositoryID)
	if errors.Is(err, storage.ErrRepositoryNotFound) || errors.Is(err, storage.ErrAccountNotFound) {
		b.logger.Printf("repository_id=%d skipped: %v", msg.RepositoryID, err)
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("lookup repository %d: %w", msg.RepositoryID, err)
	}

	repo, err := scm.ParseRepositoryURL(msg.RepositoryURL)
	if err != nil {
		return result, &pipeline.MalformedPayloadError{Err: err}
	}
	authCtx, err := b.auth.Resolve(ctx, target)
	if err != nil {
		return result, fmt.Errorf("resolve credentials: %w", err)
	}
	source, err := b.sources.NewClient(ctx, authCtx)
	if err != nil {
		return result, fmt.Errorf("source client: %w", err)
	}

	commit, changes, err := b.resolveChanges(ctx, msg, target, source, repo)
	if err != nil {
		return result, err
	}

	manifest := pipeline.NewManifest(msg, commit, b.now())
	for _, change := range pipeline.LatestChanges(changes) {
		if change.ChangeType == pipeline.ChangeRemoved {
			continue
		}
		entry, attempts, err := b.storeFile(ctx, source, repo, commit.SHA, change)
		if err != nil {
			result.Outcome.Fail(change, err)
			b.recorder.StageError(pipeline.StageManifest, pipeline.ErrorType(err))
			b.logger.Printf("repository_id=%d commit=%s path=%s failed: %v", msg.RepositoryID, commit.SHA, change.Path, err)
			b.writeErrorArtifact(ctx, msg.RepositoryID, commit.SHA, change, attempts, err)
			continue
		}
		result.Outcome.Succeed(change)
		manifest.Files = append(manifest.Files, entry)
		b.recorder.FileProcessed(pipeline.StageManifest)
	}

	if len(manifest.Files) == 0 {
		b.logger.Printf("warning: repository_id=%d commit=%s produced no stored files, manifest not written", msg.RepositoryID, commit.SHA)
		return result, nil
	}

	key := pipeline.ManifestKey(commit.SHA)
	manifest, err = b.writeManifest(ctx, key, manifest)
	if err != nil {
		return result, err
	}
	result.Manifest = &manifest
	result.ManifestKey = key

	if b.notifier != nil {
		note := pipeline.ManifestNotification{Bucket: b.objects.Bucket(), Key: key}
		if err := b.notifier.Notify(ctx, note); err != nil {
			return result, fmt.Errorf("notify %s: %w", key, err)
		}
	}
	return result, nil
}

// resolveChanges returns the commit the manifest describes and the changes to
// store. A full scan enumerates the tracked branch head.
func (b *Builder) resolveChanges(ctx context.Context, msg pipeline.QueueMessage, target *storage.Target, source scm.SourceClient, repo scm.Repository) (pipeline.CommitInfo, []pipeline.FileChange, error) {
	if !msg.FullScan {
		if msg.CommitInfo == nil {
			return pipeline.CommitInfo{}, nil, &pipeline.MalformedPayloadError{Err: errors.New("commit_info is required")}
		}
		return *msg.CommitInfo, msg.FileChanges, nil
	}

	var filter *githubevent.Filter
	if patterns := target.Repository.FilePatterns; patterns != nil {
		f, err := githubevent.NewFilter(patterns.Include, patterns.Exclude)
		if err != nil {
			return pipeline.CommitInfo{}, nil, fmt.Errorf("repository %d file_patterns: %w", target.Repository.ID, err)
		}
		filter = f
	}

	var head pipeline.CommitInfo
	if _, err := b.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		head, err = source.BranchHead(ctx, repo.Owner, repo.Name, msg.Branch)
		return err
	}); err != nil {
		return pipeline.CommitInfo{}, nil, fmt.Errorf("branch head %s: %w", msg.Branch, err)
	}

	var paths []string
	if _, err := b.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		paths, err = source.ListFiles(ctx, repo.Owner, repo.Name, head.SHA)
		return err
	}); err != nil {
		return pipeline.CommitInfo{}, nil, fmt.Errorf("list files at %s: %w", head.SHA, err)
	}

	changes := make([]pipeline.FileChange, 0, len(paths))
	for _, path := range paths {
		if filter.ShouldProcess(path) {
			changes = append(changes, pipeline.FileChange{Path: path, SHA: head.SHA, ChangeType: pipeline.ChangeAdded})
		}
	}
	b.logger.Printf("repository_id=%d full scan of %s at %s: %d of %d files eligible", msg.RepositoryID, msg.Branch, head.SHA, len(changes), len(paths))
	return head, changes, nil
}

func (b *Builder) storeFile(ctx context.Context, source scm.SourceClient, repo scm.Repository, commitSHA string, change pipeline.FileChange) (pipeline.ManifestFile, int, error) {
	var content []byte
	attempts, err := b.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		content, err = source.FileContent(ctx, repo.Owner, repo.Name, change.Path, commitSHA)
		return err
	})
	if err != nil {
		return pipeline.ManifestFile{}, attempts, fmt.Errorf("fetch %s after %d attempt(s): %w", change.Path, attempts, err)
	}

	key := pipeline.FileKey(commitSHA, change.Path)
	attempts, err = b.put(ctx, key, content, objectstore.ContentTypeText)
	if err != nil {
		return pipeline.ManifestFile{}, attempts, err
	}
	return pipeline.ManifestFile{
		Path:        change.Path,
		SHA:         change.SHA,
		PreviousSHA: change.PreviousSHA,
		S3Key:       key,
	}, attempts, nil
}

// writeManifest stores m at key. A manifest already stored for the commit,
// for example by an earlier delivery of the same message, is merged in and
// replaced with a conditional write so its status never moves backwards.
func (b *Builder) writeManifest(ctx context.Context, key string, m pipeline.Manifest) (pipeline.Manifest, error) {
	for attempt := 1; attempt <= maxManifestWrites; attempt++ {
		existing, err := b.objects.Get(ctx, key)
		if errors.Is(err, objectstore.ErrNotFound) {
			body, err := json.Marshal(m)
			if err != nil {
				return m, err
			}
			_, err = b.put(ctx, key, body, objectstore.ContentTypeJSON)
			return m, err
		}
		if err != nil {
			return m, &pipeline.StorageError{Op: "get", Key: key, Attempts: attempt, Err: err}
		}

		merged := m
		merged.Files = append([]pipeline.ManifestFile(nil), m.Files...)
		if stored, err := pipeline.DecodeManifest(existing.Body); err == nil {
			merged.MergeStored(stored)
		} else {
			b.logger.Printf("manifest %s unreadable, replacing: %v", key, err)
		}
		body, err := json.Marshal(merged)
		if err != nil {
			return m, err
		}
		err = b.objects.PutIfMatch(ctx, key, body, objectstore.ContentTypeJSON, existing.Version)
		if err == nil {
			return merged, nil
		}
		if !errors.Is(err, objectstore.ErrPreconditionFailed) {
			return m, &pipeline.StorageError{Op: "put_if_match", Key: key, Attempts: attempt, Err: err}
		}
		b.logger.Printf("manifest %s changed concurrently, merging again", key)
	}
	return m, &pipeline.StorageError{Op: "put_if_match", Key: key, Attempts: maxManifestWrites, Err: objectstore.ErrPreconditionFailed}
}

// put stores body with bounded retries and reports exhaustion as a
// StorageError.
func (b *Builder) put(ctx context.Context, key string, body []byte, contentType string) (int, error) {
	attempts, err := b.retry.Do(ctx, func(ctx context.Context) error {
		return b.objects.Put(ctx, key, body, contentType)
	})
	if err != nil {
		return attempts, &pipeline.StorageError{Op: "put", Key: key, Attempts: attempts, Err: err}
	}
	return attempts, nil
}

func (b *Builder) writeErrorArtifact(ctx context.Context, repositoryID int64, commitSHA string, change pipeline.FileChange, attempts int, cause error) {
	artifact := pipeline.ErrorArtifact{
		RepositoryID: repositoryID,
		CommitSHA:    commitSHA,
		Path:         change.Path,
		SHA:          change.SHA,
		Error:        cause.Error(),
		ErrorType:    pipeline.ErrorType(cause),
		Attempts:     attempts,
		Timestamp:    b.now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(artifact)
	if err != nil {
		return
	}
	key := pipeline.ErrorKey(change.SHA, change.Path)
	if err := b.objects.Put(ctx, key, body, objectstore.ContentTypeJSON); err != nil {
		b.logger.Printf("error artifact %s not written: %v", key, err)
	}
}
