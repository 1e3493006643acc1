// Package analysis embeds and indexes the files listed in a manifest, then
// advances the manifest status.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/codeanalysis"
	"github.com/aaronbmoore/hobbes-processor/pkg/embedding"
	"github.com/aaronbmoore/hobbes-processor/pkg/objectstore"
	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
	"github.com/aaronbmoore/hobbes-processor/pkg/retry"
	"github.com/aaronbmoore/hobbes-processor/pkg/vectorstore"
	"github.com/aaronbmoore/hobbes-processor/pkg/worker"
)

// maxStatusWrites bounds conditional manifest rewrites under contention.
const maxStatusWrites = 3

// Options wires a FanOut. Analyzer is optional.
type Options struct {
	Objects  objectstore.Store
	Embedder embedding.Embedder
	Analyzer codeanalysis.Analyzer
	Vectors  vectorstore.Store
	Retry    retry.Policy
	Recorder pipeline.Recorder
	Logger   *log.Logger
	Now      func() time.Time
	// DebugEmbeddings writes embeddings/<key>.json next to each stored file.
	DebugEmbeddings bool
}

// FanOut is the Analysis Fan-out stage.
type FanOut struct {
	objects  objectstore.Store
	embedder embedding.Embedder
	analyzer codeanalysis.Analyzer
	vectors  vectorstore.Store
	retry    retry.Policy
	recorder pipeline.Recorder
	logger   *log.Logger
	now      func() time.Time
	debug    bool
}

// Result reports one manifest run.
type Result struct {
	ManifestKey string
	// Skipped is set when the manifest already reached the target status.
	Skipped    bool
	Status     pipeline.Status
	Outcome    pipeline.Outcome[pipeline.ManifestFile]
	SegmentIDs []string
}

// New builds a FanOut.
func New(opts Options) (*FanOut, error) {
	if opts.Objects == nil || opts.Embedder == nil || opts.Vectors == nil {
		return nil, errors.New("analysis fan-out requires objects, embedder and vectors")
	}
	f := &FanOut{
		objects:  opts.Objects,
		embedder: opts.Embedder,
		analyzer: opts.Analyzer,
		vectors:  opts.Vectors,
		retry:    opts.Retry,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		now:      opts.Now,
		debug:    opts.DebugEmbeddings,
	}
	if f.retry.MaxAttempts == 0 {
		f.retry = retry.Default
	}
	if f.recorder == nil {
		f.recorder = pipeline.NopRecorder{}
	}
	if f.logger == nil {
		f.logger = log.New(io.Discard, "", 0)
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

// TargetStatus is the status a completed run writes.
func (f *FanOut) TargetStatus() pipeline.Status {
	if f.analyzer != nil {
		return pipeline.StatusAnalyzed
	}
	return pipeline.StatusEmbeddingsGenerated
}

// Handle is the worker entry point for the manifest events topic.
func (f *FanOut) Handle(ctx context.Context, evt *worker.Event) error {
	notes, err := DecodeNotifications(evt.Payload)
	if err != nil {
		return err
	}
	var errs []error
	for _, note := range notes {
		if !pipeline.IsManifestKey(note.Key) {
			f.logger.Printf("skipping non-manifest key %s", note.Key)
			continue
		}
		if note.Bucket != "" && note.Bucket != f.objects.Bucket() {
			f.logger.Printf("notification for bucket %s read from %s", note.Bucket, f.objects.Bucket())
		}
		result, err := f.Process(ctx, note.Key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", note.Key, err))
			continue
		}
		f.logger.Printf("request_id=%s manifest=%s skipped=%t status=%s indexed=%d failed=%d",
			evt.RequestID(), note.Key, result.Skipped, result.Status, len(result.Outcome.Succeeded), len(result.Outcome.Failed))
	}
	return errors.Join(errs...)
}

// Process runs the fan-out for one manifest key.
func (f *FanOut) Process(ctx context.Context, key string) (Result, error) {
	started := f.now()
	defer func() { f.recorder.ObserveDuration(pipeline.StageAnalysis, f.now().Sub(started)) }()

	result := Result{ManifestKey: key}
	obj, err := f.get(ctx, key)
	if errors.Is(err, objectstore.ErrNotFound) {
		f.logger.Printf("manifest %s no longer exists", key)
		result.Skipped = true
		return result, nil
	}
	if err != nil {
		return result, err
	}
	manifest, err := pipeline.DecodeManifest(obj.Body)
	if err != nil {
		return result, err
	}
	result.Status = manifest.Status

	target := f.TargetStatus()
	if manifest.Status.AtLeast(target) {
		result.Skipped = true
		return result, nil
	}

	if err := f.vectors.EnsureCollection(ctx); err != nil {
		return result, fmt.Errorf("ensure collection: %w", err)
	}

	for _, file := range manifest.Files {
		id, err := f.processFile(ctx, manifest, file)
		if err != nil {
			result.Outcome.Fail(file, err)
			f.recorder.StageError(pipeline.StageAnalysis, pipeline.ErrorType(err))
			f.logger.Printf("manifest=%s path=%s failed: %v", key, file.Path, err)
			continue
		}
		result.Outcome.Succeed(file)
		result.SegmentIDs = append(result.SegmentIDs, id)
		f.recorder.FileProcessed(pipeline.StageAnalysis)
	}

	if len(manifest.Files) > 0 && len(result.Outcome.Succeeded) == 0 {
		f.logger.Printf("warning: manifest=%s all %d files failed", key, len(manifest.Files))
	}

	status, err := f.advance(ctx, key, obj.Version, manifest, target)
	if err != nil {
		return result, err
	}
	result.Status = status
	return result, nil
}

func (f *FanOut) processFile(ctx context.Context, m pipeline.Manifest, file pipeline.ManifestFile) (string, error) {
	obj, err := f.get(ctx, file.S3Key)
	if err != nil {
		return "", err
	}
	content := obj.Body

	vector, err := f.embedder.Embed(ctx, string(content))
	if err != nil {
		return "", fmt.Errorf("embed %s: %w", file.Path, err)
	}

	var analysis *codeanalysis.Analysis
	if f.analyzer != nil {
		analysis, err = f.analyzer.Analyze(ctx, codeanalysis.Request{
			Path:          file.Path,
			Content:       string(content),
			RepositoryURL: m.Repository.URL,
		})
		if err != nil {
			return "", fmt.Errorf("analyze %s: %w", file.Path, err)
		}
	}

	id := pipeline.SegmentID(m.Repository.ID, file.Path, content)
	payload, err := BuildPayload(id, m, file, content, analysis).Map()
	if err != nil {
		return "", err
	}
	if err := f.vectors.Upsert(ctx, []vectorstore.Point{{ID: id, Vector: vector, Payload: payload}}); err != nil {
		return "", fmt.Errorf("upsert %s: %w", file.Path, err)
	}

	if f.debug {
		f.writeEmbeddingCopy(ctx, file, vector)
	}
	return id, nil
}

type embeddingCopy struct {
	FilePath    string    `json:"file_path"`
	Embedding   []float32 `json:"embedding"`
	GeneratedAt string    `json:"generated_at"`
}

func (f *FanOut) writeEmbeddingCopy(ctx context.Context, file pipeline.ManifestFile, vector []float32) {
	body, err := json.Marshal(embeddingCopy{
		FilePath:    file.Path,
		Embedding:   vector,
		GeneratedAt: f.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	key := pipeline.EmbeddingKey(file.S3Key)
	if err := f.objects.Put(ctx, key, body, objectstore.ContentTypeJSON); err != nil {
		f.logger.Printf("embedding copy %s not written: %v", key, err)
	}
}

// advance rewrites the manifest with the target status only if nobody else
// changed it since it was read. On a lost race the stored copy is re-read; a
// concurrent run that already reached the target wins, otherwise the status is
// merged into the fresh copy and the write is retried.
func (f *FanOut) advance(ctx context.Context, key, version string, m pipeline.Manifest, target pipeline.Status) (pipeline.Status, error) {
	for attempt := 1; attempt <= maxStatusWrites; attempt++ {
		if !m.Advance(target, f.now()) {
			return m.Status, nil
		}
		body, err := json.Marshal(m)
		if err != nil {
			return m.Status, err
		}
		err = f.objects.PutIfMatch(ctx, key, body, objectstore.ContentTypeJSON, version)
		if err == nil {
			return m.Status, nil
		}
		if !errors.Is(err, objectstore.ErrPreconditionFailed) {
			return m.Status, &pipeline.StorageError{Op: "put_if_match", Key: key, Attempts: attempt, Err: err}
		}

		obj, getErr := f.get(ctx, key)
		if getErr != nil {
			return m.Status, getErr
		}
		fresh, decodeErr := pipeline.DecodeManifest(obj.Body)
		if decodeErr != nil {
			return m.Status, decodeErr
		}
		f.logger.Printf("manifest %s changed concurrently (stored status %s), merging", key, fresh.Status)
		m, version = fresh, obj.Version
	}
	return m.Status, &pipeline.StorageError{Op: "put_if_match", Key: key, Attempts: maxStatusWrites, Err: objectstore.ErrPreconditionFailed}
}

// get reads key with bounded retries. A missing object is not retried.
func (f *FanOut) get(ctx context.Context, key string) (*objectstore.Object, error) {
	var obj *objectstore.Object
	attempts, err := f.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		obj, err = f.objects.Get(ctx, key)
		if errors.Is(err, objectstore.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &pipeline.StorageError{Op: "get", Key: key, Attempts: attempts, Err: err}
	}
	return obj, nil
}
