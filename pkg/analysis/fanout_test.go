package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronbmoore/hobbes-processor/pkg/codeanalysis"
	"github.com/aaronbmoore/hobbes-processor/pkg/embedding"
	"github.com/aaronbmoore/hobbes-processor/pkg/objectstore"
	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"
	"github.com/aaronbmoore/hobbes-processor/pkg/retry"
	"github.com/aaronbmoore/hobbes-processor/pkg/vectorstore"
	"github.com/aaronbmoore/hobbes-processor/pkg/worker"
)

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type memoryVectors struct {
	mu      sync.Mutex
	ensured int
	points  map[string]vectorstore.Point
	upserts int
}

func (v *memoryVectors) EnsureCollection(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ensured++
	return nil
}

func (v *memoryVectors) Upsert(_ context.Context, points []vectorstore.Point) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.points == nil {
		v.points = map[string]vectorstore.Point{}
	}
	for _, p := range points {
		v.points[p.ID] = p
		v.upserts++
	}
	return nil
}

type failingEmbedder struct {
	embedding.Embedder
	failOn string
}

func (e failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == e.failOn {
		return nil, errors.New("rate limited")
	}
	return e.Embedder.Embed(ctx, text)
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(_ context.Context, req codeanalysis.Request) (*codeanalysis.Analysis, error) {
	return &codeanalysis.Analysis{
		Language:             codeanalysis.Language{Name: "Go", Confidence: 0.99},
		FileType:             codeanalysis.FileType{Type: "service"},
		DetectedPatterns:     []codeanalysis.Pattern{{Name: "repository"}},
		ArchitecturalContext: codeanalysis.Architecture{Layer: "data"},
	}, nil
}

func seedManifest(t *testing.T, mem *objectstore.Memory, files map[string]string, order []string) string {
	t.Helper()
	ctx := context.Background()
	m := pipeline.Manifest{
		CommitInfo: pipeline.CommitInfo{SHA: "c0ffee", Message: "feat", Author: "Ada", Timestamp: "2024-03-01T09:00:00Z"},
		Repository: pipeline.RepositoryInfo{ID: 7, URL: "https://github.com/acme/api", ProjectID: 3, GitAccountID: 2, Branch: "main"},
		Status:     pipeline.StatusPending,
		CreatedAt:  "2024-03-01T09:01:00Z",
	}
	for _, path := range order {
		key := pipeline.FileKey("c0ffee", path)
		require.NoError(t, mem.Put(ctx, key, []byte(files[path]), objectstore.ContentTypeText))
		m.Files = append(m.Files, pipeline.ManifestFile{Path: path, SHA: "c0ffee", S3Key: key})
	}
	body, err := json.Marshal(m)
	require.NoError(t, err)
	key := pipeline.ManifestKey("c0ffee")
	require.NoError(t, mem.Put(ctx, key, body, objectstore.ContentTypeJSON))
	return key
}

func newFanOut(t *testing.T, objects objectstore.Store, embedder embedding.Embedder, analyzer codeanalysis.Analyzer, vectors vectorstore.Store) *FanOut {
	t.Helper()
	f, err := New(Options{
		Objects:         objects,
		Embedder:        embedder,
		Analyzer:        analyzer,
		Vectors:         vectors,
		Retry:           retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		Now:             func() time.Time { return fixedNow },
		DebugEmbeddings: true,
	})
	require.NoError(t, err)
	return f
}

func readManifest(t *testing.T, mem *objectstore.Memory, key string) pipeline.Manifest {
	t.Helper()
	obj, err := mem.Get(context.Background(), key)
	require.NoError(t, err)
	m, err := pipeline.DecodeManifest(obj.Body)
	require.NoError(t, err)
	return m
}

func TestProcessIsIdempotent(t *testing.T) {
	files := map[string]string{"a.go": "package a\n", "b.py": "print(1)\n"}
	order := []string{"a.go", "b.py"}

	run := func() ([]string, *memoryVectors) {
		mem := objectstore.NewMemory("processing")
		key := seedManifest(t, mem, files, order)
		vectors := &memoryVectors{}
		f := newFanOut(t, mem, embedding.Hash{Dimension: 8}, nil, vectors)
		result, err := f.Process(context.Background(), key)
		require.NoError(t, err)
		return result.SegmentIDs, vectors
	}

	first, vectors := run()
	second, _ := run()
	require.Len(t, first, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, pipeline.SegmentID(7, "a.go", []byte("package a\n")), first[0])
	assert.Equal(t, 1, vectors.ensured)

	payload := vectors.points[first[0]].Payload
	fileCtx := payload["file_context"].(map[string]interface{})
	assert.Equal(t, "go", fileCtx["language"])
	assert.Equal(t, map[string]interface{}{}, payload["code_analysis"])
	filters := payload["filters"].(map[string]interface{})
	assert.Equal(t, []interface{}{}, filters["pattern_types"])
}

func TestProcessAdvancesStatusAndSkipsSecondRun(t *testing.T) {
	mem := objectstore.NewMemory("processing")
	key := seedManifest(t, mem, map[string]string{"a.go": "package a"}, []string{"a.go"})
	vectors := &memoryVectors{}
	f := newFanOut(t, mem, embedding.Hash{Dimension: 8}, nil, vectors)

	result, err := f.Process(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, pipeline.StatusEmbeddingsGenerated, result.Status)

	stored := readManifest(t, mem, key)
	assert.Equal(t, pipeline.StatusEmbeddingsGenerated, stored.Status)
	assert.Equal(t, "2024-03-01T10:00:00Z", stored.AnalyzedAt)
	assert.Len(t, stored.Files, 1)

	again, err := f.Process(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, 1, vectors.upserts)

	_, err = mem.Get(context.Background(), "embeddings/files/c0ffee/a.go.json")
	require.NoError(t, err)
}

func TestProcessWithAnalyzer(t *testing.T) {
	mem := objectstore.NewMemory("processing")
	key := seedManifest(t, mem, map[string]string{"store.go": "package store"}, []string{"store.go"})
	vectors := &memoryVectors{}
	f := newFanOut(t, mem, embedding.Hash{Dimension: 8}, stubAnalyzer{}, vectors)

	result, err := f.Process(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAnalyzed, result.Status)

	payload := vectors.points[result.SegmentIDs[0]].Payload
	filters := payload["filters"].(map[string]interface{})
	assert.Equal(t, []interface{}{"repository"}, filters["pattern_types"])
	assert.Equal(t, "data", filters["layer"])
	fileCtx := payload["file_context"].(map[string]interface{})
	assert.Equal(t, "service", fileCtx["type"])
	git := payload["git_context"].(map[string]interface{})
	assert.Equal(t, "c0ffee", git["commit_sha"])
}

func TestProcessPartialFailure(t *testing.T) {
	mem := objectstore.NewMemory("processing")
	key := seedManifest(t, mem, map[string]string{"a.go": "A", "b.go": "B", "c.go": "C"}, []string{"a.go", "b.go", "c.go"})
	vectors := &memoryVectors{}
	f := newFanOut(t, mem, failingEmbedder{Embedder: embedding.Hash{Dimension: 8}, failOn: "B"}, nil, vectors)

	result, err := f.Process(context.Background(), key)
	require.NoError(t, err)
	assert.Len(t, result.Outcome.Succeeded, 2)
	require.Len(t, result.Outcome.Failed, 1)
	assert.Equal(t, "b.go", result.Outcome.Failed[0].Item.Path)
	assert.Len(t, vectors.points, 2)
	assert.Equal(t, pipeline.StatusEmbeddingsGenerated, readManifest(t, mem, key).Status)
}

func TestProcessAllFilesFailedStillAdvancesStatus(t *testing.T) {
	mem := objectstore.NewMemory("processing")
	key := seedManifest(t, mem, map[string]string{"a.go": "A"}, []string{"a.go"})
	vectors := &memoryVectors{}
	f := newFanOut(t, mem, failingEmbedder{Embedder: embedding.Hash{Dimension: 8}, failOn: "A"}, nil, vectors)

	result, err := f.Process(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, result.Outcome.Succeeded)
	require.Len(t, result.Outcome.Failed, 1)
	assert.Equal(t, "a.go", result.Outcome.Failed[0].Item.Path)
	assert.Empty(t, vectors.points)

	stored := readManifest(t, mem, key)
	assert.Equal(t, pipeline.StatusEmbeddingsGenerated, stored.Status)
	assert.NotEmpty(t, stored.AnalyzedAt)
}

// racingObjects rewrites the manifest behind the fan-out's back right before
// its first conditional write.
type racingObjects struct {
	*objectstore.Memory
	once   sync.Once
	status pipeline.Status
}

func (r *racingObjects) PutIfMatch(ctx context.Context, key string, body []byte, contentType, version string) error {
	r.once.Do(func() {
		obj, _ := r.Memory.Get(ctx, key)
		m, _ := pipeline.DecodeManifest(obj.Body)
		m.Status = r.status
		raw, _ := json.Marshal(m)
		_ = r.Memory.Put(ctx, key, raw, contentType)
	})
	return r.Memory.PutIfMatch(ctx, key, body, contentType, version)
}

func TestProcessMergesAfterLostRace(t *testing.T) {
	mem := objectstore.NewMemory("processing")
	key := seedManifest(t, mem, map[string]string{"a.go": "A"}, []string{"a.go"})
	objects := &racingObjects{Memory: mem, status: pipeline.StatusEmbeddingsGenerated}
	f := newFanOut(t, objects, embedding.Hash{Dimension: 8}, stubAnalyzer{}, &memoryVectors{})

	result, err := f.Process(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAnalyzed, result.Status)
	assert.Equal(t, pipeline.StatusAnalyzed, readManifest(t, mem, key).Status)
}

func TestProcessConcurrentWinnerIsKept(t *testing.T) {
	mem := objectstore.NewMemory("processing")
	key := seedManifest(t, mem, map[string]string{"a.go": "A"}, []string{"a.go"})
	objects := &racingObjects{Memory: mem, status: pipeline.StatusAnalyzed}
	f := newFanOut(t, objects, embedding.Hash{Dimension: 8}, nil, &memoryVectors{})

	result, err := f.Process(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAnalyzed, result.Status)
	assert.Equal(t, pipeline.StatusAnalyzed, readManifest(t, mem, key).Status, "status never regresses")
}

func TestHandleNotifications(t *testing.T) {
	mem := objectstore.NewMemory("processing")
	key := seedManifest(t, mem, map[string]string{"a.go": "A"}, []string{"a.go"})
	vectors := &memoryVectors{}
	f := newFanOut(t, mem, embedding.Hash{Dimension: 8}, nil, vectors)

	s3Body := `{"Records":[
		{"s3":{"bucket":{"name":"processing"},"object":{"key":"files/c0ffee/a.go"}}},
		{"s3":{"bucket":{"name":"processing"},"object":{"key":"manifests%2Fc0ffee.json"}}}
	]}`
	require.NoError(t, f.Handle(context.Background(), &worker.Event{Payload: []byte(s3Body), Attempt: 1}))
	assert.Len(t, vectors.points, 1)
	assert.Equal(t, pipeline.StatusEmbeddingsGenerated, readManifest(t, mem, key).Status)

	require.NoError(t, f.Handle(context.Background(), &worker.Event{Payload: []byte(`{"bucket":"processing","key":"manifests/c0ffee.json"}`)}))
	assert.Equal(t, 1, vectors.upserts)

	err := f.Handle(context.Background(), &worker.Event{Payload: []byte(`[]`)})
	assert.True(t, worker.IsNonRecoverable(err))
}

func TestDecodeNotifications(t *testing.T) {
	notes, err := DecodeNotifications([]byte(`{"Records":[{"s3":{"bucket":{"name":"b"},"object":{"key":"manifests/a+b.json"}}}]}`))
	require.NoError(t, err)
	assert.Equal(t, []pipeline.ManifestNotification{{Bucket: "b", Key: "manifests/a b.json"}}, notes)

	_, err = DecodeNotifications([]byte(`{"bucket":"b"}`))
	assert.True(t, worker.IsNonRecoverable(err))
}
