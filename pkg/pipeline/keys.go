package pipeline

import (
	"strings"
)

const (
	filesPrefix      = "files/"
	manifestsPrefix  = "manifests/"
	errorsPrefix     = "errors/"
	embeddingsPrefix = "embeddings/"
)

// FileKey is where a file's content is stored for a commit.
func FileKey(commitSHA, path string) string {
	return filesPrefix + commitSHA + "/" + cleanPath(path)
}

// ManifestKey is where a commit's manifest is stored.
func ManifestKey(commitSHA string) string {
	return manifestsPrefix + commitSHA + ".json"
}

// ErrorKey is where a per-file failure artifact is stored.
func ErrorKey(fileSHA, path string) string {
	return errorsPrefix + fileSHA + "/" + cleanPath(path) + ".json"
}

// EmbeddingKey is where the embedding debug copy of a stored object goes.
func EmbeddingKey(objectKey string) string {
	return embeddingsPrefix + objectKey + ".json"
}

// IsManifestKey reports whether key follows the manifests/<sha>.json layout.
func IsManifestKey(key string) bool {
	if !strings.HasPrefix(key, manifestsPrefix) || !strings.HasSuffix(key, ".json") {
		return false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(key, manifestsPrefix), ".json")
	return name != "" && !strings.Contains(name, "/")
}

func cleanPath(path string) string {
	return strings.TrimLeft(path, "/")
}
