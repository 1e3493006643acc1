package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "files/1/a.go", []byte("v1"), ContentTypeText))
	first, err := store.Get(ctx, "files/1/a.go")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(first.Body))
	assert.Equal(t, ContentTypeText, first.ContentType)

	require.NoError(t, store.Put(ctx, "files/1/a.go", []byte("v2"), ContentTypeText))
	second, err := store.Get(ctx, "files/1/a.go")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(second.Body))
	assert.NotEqual(t, first.Version, second.Version)

	err = store.PutIfMatch(ctx, "files/1/a.go", []byte("stale"), ContentTypeText, first.Version)
	require.ErrorIs(t, err, ErrPreconditionFailed)

	require.NoError(t, store.PutIfMatch(ctx, "files/1/a.go", []byte("v3"), ContentTypeText, second.Version))
	third, err := store.Get(ctx, "files/1/a.go")
	require.NoError(t, err)
	assert.Equal(t, "v3", string(third.Body))

	err = store.PutIfMatch(ctx, "missing", []byte("x"), ContentTypeText, "1")
	require.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemory("test-bucket")
	assert.Equal(t, "test-bucket", store.Bucket())
	exerciseStore(t, store)
	assert.Equal(t, []string{"files/1/a.go"}, store.Keys("files/"))
}

func TestSQLStore(t *testing.T) {
	store, err := OpenSQL(Config{
		SQLDriver:   "sqlite",
		DSN:         filepath.Join(t.TempDir(), "objects.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "hobbes_objects", store.Bucket())
	exerciseStore(t, store)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "gcs"})
	require.Error(t, err)
}

// fakeS3 serves path-style object requests with If-Match support.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	etags   map[string]string
	seq     int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		if match := r.Header.Get("If-Match"); match != "" && match != f.etags[key] {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>PreconditionFailed</Code><Message>At least one of the pre-conditions you specified did not hold</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.seq++
		etag := `"etag-` + string(rune('0'+f.seq)) + `"`
		f.objects[key] = body
		f.etags[key] = etag
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("ETag", f.etags[key])
		w.Header().Set("Content-Type", ContentTypeText)
		_, _ = w.Write(body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Store(t *testing.T) {
	server := httptest.NewServer(&fakeS3{objects: map[string][]byte{}, etags: map[string]string{}})
	defer server.Close()

	store, err := NewS3(context.Background(), Config{
		Bucket:          "hobbes",
		Region:          "us-east-1",
		Endpoint:        server.URL,
		UsePathStyle:    true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)
	exerciseStore(t, store)
}
