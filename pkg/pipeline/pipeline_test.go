package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeQueueMessagePush(t *testing.T) {
	raw := []byte(`{
		"repository_id": 7, "project_id": 3, "git_account_id": 2,
		"repository_url": "https://github.com/acme/api", "branch": "main",
		"event_type": "push", "event_timestamp": "2024-01-01T00:00:00",
		"commit_info": {"sha": "abc", "message": "m", "author": "a", "timestamp": "t"},
		"file_changes": [{"path": "a.go", "sha": "abc", "change_type": "added", "previous_sha": null}],
		"full_scan": false, "deleted_ref": null
	}`)

	msg, err := DecodeQueueMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(7), msg.RepositoryID)
	assert.Equal(t, EventPush, msg.EventType)
	require.Len(t, msg.FileChanges, 1)
	assert.Nil(t, msg.FileChanges[0].PreviousSHA)
}

func TestDecodeQueueMessageMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"repository_id":`,
		"missing repo":  `{"repository_url":"u","branch":"main","event_type":"push","commit_info":{"sha":"x"}}`,
		"unknown event": `{"repository_id":1,"repository_url":"u","branch":"main","event_type":"tag"}`,
		"push no sha":   `{"repository_id":1,"repository_url":"u","branch":"main","event_type":"push"}`,
		"bad change":    `{"repository_id":1,"repository_url":"u","branch":"main","event_type":"setup","full_scan":true,"file_changes":[{"path":"a","change_type":"renamed"}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeQueueMessage([]byte(body))
			require.Error(t, err)
			var malformed *MalformedPayloadError
			assert.True(t, errors.As(err, &malformed))
			assert.Equal(t, "MalformedPayloadError", ErrorType(err))
		})
	}
}

func TestLatestChangesKeepsLastChangePerPath(t *testing.T) {
	changes := []FileChange{
		{Path: "a.go", SHA: "c1", ChangeType: ChangeAdded},
		{Path: "b.go", SHA: "c1", ChangeType: ChangeAdded},
		{Path: "a.go", SHA: "c2", ChangeType: ChangeRemoved},
	}

	out := LatestChanges(changes)
	require.Len(t, out, 2)
	assert.Equal(t, "a.go", out[0].Path)
	assert.Equal(t, ChangeRemoved, out[0].ChangeType)
	assert.Equal(t, "c2", out[0].SHA)
	assert.Equal(t, "b.go", out[1].Path)
}

func TestStatusNeverRegresses(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := Manifest{Status: StatusPending}

	assert.True(t, m.Advance(StatusAnalyzed, now))
	assert.Equal(t, StatusAnalyzed, m.Status)
	assert.NotEmpty(t, m.AnalyzedAt)

	assert.False(t, m.Advance(StatusEmbeddingsGenerated, now.Add(time.Hour)))
	assert.Equal(t, StatusAnalyzed, m.Status)
	assert.False(t, m.Advance(StatusPending, now))
}

func TestMergeStoredKeepsStatusAndFiles(t *testing.T) {
	stored := Manifest{
		Files:      []ManifestFile{{Path: "a.go", S3Key: "files/x/a.go"}, {Path: "old.go", S3Key: "files/x/old.go"}},
		Status:     StatusEmbeddingsGenerated,
		CreatedAt:  "2024-05-01T12:00:00Z",
		AnalyzedAt: "2024-05-01T12:05:00Z",
	}
	m := Manifest{
		Files:     []ManifestFile{{Path: "a.go", S3Key: "files/x/a.go"}, {Path: "new.go", S3Key: "files/x/new.go"}},
		Status:    StatusPending,
		CreatedAt: "2024-05-02T08:00:00Z",
	}

	m.MergeStored(stored)
	assert.Equal(t, StatusEmbeddingsGenerated, m.Status)
	assert.Equal(t, "2024-05-01T12:05:00Z", m.AnalyzedAt)
	assert.Equal(t, "2024-05-01T12:00:00Z", m.CreatedAt)
	require.Len(t, m.Files, 3)
	assert.Equal(t, "new.go", m.Files[1].Path)
	assert.Equal(t, "old.go", m.Files[2].Path)
}

func TestDecodeManifestRejectsUnknownStatus(t *testing.T) {
	_, err := DecodeManifest([]byte(`{"commit_info":{"sha":"x"},"status":"done"}`))
	require.Error(t, err)

	m, err := DecodeManifest([]byte(`{"commit_info":{"sha":"x"},"status":"pending","files":[]}`))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
}

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "files/abc/src/main.go", FileKey("abc", "src/main.go"))
	assert.Equal(t, "files/abc/src/main.go", FileKey("abc", "/src/main.go"))
	assert.Equal(t, "manifests/abc.json", ManifestKey("abc"))
	assert.Equal(t, "errors/f1/src/main.go.json", ErrorKey("f1", "src/main.go"))
	assert.Equal(t, "embeddings/files/abc/a.go.json", EmbeddingKey("files/abc/a.go"))

	assert.True(t, IsManifestKey("manifests/abc.json"))
	assert.False(t, IsManifestKey("manifests/.json"))
	assert.False(t, IsManifestKey("manifests/a/b.json"))
	assert.False(t, IsManifestKey("files/abc/a.json"))
	assert.False(t, IsManifestKey("manifests/abc.txt"))
}

func TestSegmentIDIsDeterministic(t *testing.T) {
	content := []byte("package main\n")
	first := SegmentID(42, "cmd/main.go", content)
	second := SegmentID(42, "cmd/main.go", append([]byte(nil), content...))

	assert.Equal(t, first, second)
	_, err := uuid.Parse(first)
	require.NoError(t, err)

	assert.NotEqual(t, first, SegmentID(43, "cmd/main.go", content))
	assert.NotEqual(t, first, SegmentID(42, "cmd/other.go", content))
	assert.NotEqual(t, first, SegmentID(42, "cmd/main.go", []byte("package other\n")))
}

func TestErrorTypeClassifiesWrappedErrors(t *testing.T) {
	storageErr := fmt.Errorf("file a.go: %w", &StorageError{Op: "put", Key: "k", Attempts: 3, Err: errors.New("boom")})
	transportErr := &TransportError{Topic: "t", Attempts: 2, Err: errors.New("down")}

	assert.Equal(t, "StorageError", ErrorType(storageErr))
	assert.Equal(t, "TransportError", ErrorType(transportErr))
	assert.Equal(t, "ProcessingError", ErrorType(errors.New("x")))
	assert.Equal(t, "", ErrorType(nil))
}

func TestOutcomeAccumulates(t *testing.T) {
	var out Outcome[string]
	out.Succeed("a")
	out.Fail("b", errors.New("nope"))
	out.Succeed("c")

	assert.Equal(t, []string{"a", "c"}, out.Succeeded)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, "b", out.Failed[0].Item)
}
