package githubevent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aaronbmoore/hobbes-processor/pkg/pipeline"

	"github.com/go-playground/webhooks/v6/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func TestVerifySignatureRoundTrip(t *testing.T) {
	payload := []byte(`{"ref":"refs/heads/main"}`)
	sig := Sign(payload, "s3cret")

	assert.True(t, VerifySignature(payload, sig, "s3cret"))
	assert.False(t, VerifySignature(payload, sig, "other"))
	assert.False(t, VerifySignature(payload, "", "s3cret"))
	assert.False(t, VerifySignature(payload, sig, ""))
}

func TestVerifySignatureRejectsEveryBitFlip(t *testing.T) {
	payload := []byte(`{"after":"abc","commits":[]}`)
	sig := Sign(payload, "key")

	for i := range payload {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), payload...)
			mutated[i] ^= 1 << bit
			if VerifySignature(mutated, sig, "key") {
				t.Fatalf("mutation at byte %d bit %d verified", i, bit)
			}
		}
	}
}

func TestFilterDefaults(t *testing.T) {
	f, err := NewFilter(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, f)

	assert.True(t, f.ShouldProcess("cmd/main.go"))
	assert.True(t, f.ShouldProcess("web/App.tsx"))
	assert.False(t, f.ShouldProcess("README.md"))
	assert.False(t, f.ShouldProcess("go.mod"))
}

func TestFilterExcludeWins(t *testing.T) {
	f, err := NewFilter([]string{`src/`, `lib/.*\.py`}, []string{`src/vendor/`, `.*_test\.go`})
	require.NoError(t, err)

	assert.True(t, f.ShouldProcess("src/app.go"))
	assert.True(t, f.ShouldProcess("lib/util.py"))
	assert.False(t, f.ShouldProcess("src/vendor/dep.go"))
	assert.False(t, f.ShouldProcess("src/app_test.go"))
	assert.False(t, f.ShouldProcess("docs/src/app.go"), "patterns are anchored at the start")
	assert.False(t, f.ShouldProcess("cmd/main.go"))
}

func TestFilterExcludeOnly(t *testing.T) {
	f, err := NewFilter(nil, []string{`docs/`})
	require.NoError(t, err)

	assert.True(t, f.ShouldProcess("README.md"))
	assert.False(t, f.ShouldProcess("docs/index.md"))
}

func TestFilterInvalidPattern(t *testing.T) {
	_, err := NewFilter([]string{"("}, nil)
	require.Error(t, err)
}

func testTarget() Target {
	return Target{
		RepositoryID:  11,
		ProjectID:     5,
		GitAccountID:  3,
		RepositoryURL: "https://github.com/acme/api",
		Branch:        "main",
	}
}

func TestTranslatePush(t *testing.T) {
	evt := PushEvent{
		Ref:    "refs/heads/main",
		Before: "b0",
		After:  "a1",
		Commits: []Commit{{
			ID:       "c1",
			Added:    []string{"new.go", "notes.txt"},
			Modified: []string{"old.py"},
			Removed:  []string{"gone.js"},
		}},
		HeadCommit: &Commit{ID: "a1", Message: "feat: things", Author: "Ada", Timestamp: "2024-03-01T09:00:00Z"},
	}

	msg := TranslatePush(evt, testTarget(), fixedNow)
	require.NotNil(t, msg)
	assert.Equal(t, pipeline.EventPush, msg.EventType)
	assert.Equal(t, "main", msg.Branch)
	assert.False(t, msg.FullScan)
	assert.Equal(t, int64(11), msg.RepositoryID)
	assert.Equal(t, &pipeline.CommitInfo{SHA: "a1", Message: "feat: things", Author: "Ada", Timestamp: "2024-03-01T09:00:00Z"}, msg.CommitInfo)

	require.Len(t, msg.FileChanges, 3)
	added, modified, removed := msg.FileChanges[0], msg.FileChanges[1], msg.FileChanges[2]
	assert.Equal(t, "new.go", added.Path)
	assert.Equal(t, "c1", added.SHA)
	assert.Nil(t, added.PreviousSHA)
	assert.Equal(t, pipeline.ChangeModified, modified.ChangeType)
	require.NotNil(t, modified.PreviousSHA)
	assert.Equal(t, "b0", *modified.PreviousSHA)
	assert.Equal(t, pipeline.ChangeRemoved, removed.ChangeType)
	require.NotNil(t, removed.PreviousSHA)
	assert.Equal(t, "b0", *removed.PreviousSHA)

	require.NoError(t, msg.Validate())
}

func TestTranslatePushDropsOtherRefs(t *testing.T) {
	base := PushEvent{
		After:   "a1",
		Commits: []Commit{{ID: "c1", Added: []string{"x.go"}}},
	}
	for _, ref := range []string{"refs/heads/develop", "refs/tags/v1.0.0", "main", ""} {
		evt := base
		evt.Ref = ref
		assert.Nil(t, TranslatePush(evt, testTarget(), fixedNow), ref)
	}
}

func TestTranslatePushNoEligibleChanges(t *testing.T) {
	evt := PushEvent{
		Ref:     "refs/heads/main",
		After:   "a1",
		Commits: []Commit{{ID: "c1", Added: []string{"README.md"}}},
	}
	assert.Nil(t, TranslatePush(evt, testTarget(), fixedNow))
}

func TestTranslateCreate(t *testing.T) {
	msg := TranslateCreate(CreateEvent{Ref: "main", RefType: "branch"}, testTarget(), fixedNow)
	require.NotNil(t, msg)
	assert.Equal(t, pipeline.EventSetup, msg.EventType)
	assert.True(t, msg.FullScan)
	assert.Nil(t, msg.CommitInfo)
	assert.Empty(t, msg.FileChanges)
	require.NoError(t, msg.Validate())

	assert.Nil(t, TranslateCreate(CreateEvent{Ref: "main", RefType: "tag"}, testTarget(), fixedNow))
	assert.Nil(t, TranslateCreate(CreateEvent{Ref: "feature", RefType: "branch"}, testTarget(), fixedNow))
}

func TestFromPushPayload(t *testing.T) {
	raw := []byte(`{
		"ref": "refs/heads/main", "before": "b0", "after": "a1",
		"commits": [{"id": "c1", "message": "m", "timestamp": "ts",
			"author": {"name": "Ada"}, "added": ["a.go"], "modified": [], "removed": ["r.go"]}],
		"head_commit": {"id": "a1", "message": "head", "timestamp": "ts2", "author": {"name": "Grace"}}
	}`)
	var pl github.PushPayload
	require.NoError(t, json.Unmarshal(raw, &pl))

	evt := FromPushPayload(pl)
	assert.Equal(t, "refs/heads/main", evt.Ref)
	require.Len(t, evt.Commits, 1)
	assert.Equal(t, []string{"a.go"}, evt.Commits[0].Added)
	assert.Equal(t, []string{"r.go"}, evt.Commits[0].Removed)
	require.NotNil(t, evt.HeadCommit)
	assert.Equal(t, "Grace", evt.HeadCommit.Author)
	assert.Equal(t, "head", evt.HeadCommit.Message)
}
