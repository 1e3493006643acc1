package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls  int
	values map[string]string
}

func (c *countingSource) Get(_ context.Context, name string) (string, error) {
	c.calls++
	value, ok := c.values[name]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func TestCacheFetchesOnce(t *testing.T) {
	src := &countingSource{values: map[string]string{"/hobbes/openai-api-key": "sk-1"}}
	cache := NewCache(src)

	for i := 0; i < 3; i++ {
		value, err := cache.Get(context.Background(), "/hobbes/openai-api-key")
		require.NoError(t, err)
		assert.Equal(t, "sk-1", value)
	}
	assert.Equal(t, 1, src.calls)

	_, err := cache.Get(context.Background(), "/hobbes/missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = cache.Get(context.Background(), "/hobbes/missing")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 3, src.calls, "failures are not cached")
}

func TestCacheResolverFallback(t *testing.T) {
	cache := NewCache(&countingSource{})

	value, err := cache.Resolver("", "literal")(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "literal", value)

	_, err = cache.Resolver("", "")(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEnvSource(t *testing.T) {
	assert.Equal(t, "HOBBES_DATABASE_URL", EnvName("/hobbes/database-url"))

	src := Env{Lookup: func(key string) (string, bool) {
		if key == "HOBBES_DATABASE_URL" {
			return "postgres://x", true
		}
		return "", false
	}}
	value, err := src.Get(context.Background(), "/hobbes/database-url")
	require.NoError(t, err)
	assert.Equal(t, "postgres://x", value)

	_, err = src.Get(context.Background(), "/hobbes/other")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSSMSource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AmazonSSM.GetParameter", r.Header.Get("X-Amz-Target"))
		var req struct {
			Name           string
			WithDecryption bool
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.WithDecryption)

		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		if req.Name != "/hobbes/database-url" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"__type":"ParameterNotFound","message":"not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"Parameter":{"Name":"/hobbes/database-url","Type":"SecureString","Value":"postgres://db"}}`))
	}))
	defer server.Close()

	src := NewSSMFromConfig(aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("test", "test", ""),
	}, server.URL)

	value, err := src.Get(context.Background(), "/hobbes/database-url")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db", value)

	_, err = src.Get(context.Background(), "/hobbes/nope")
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}
