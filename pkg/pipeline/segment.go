package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

// segmentNamespace scopes segment ids so they never collide with other v5 ids.
var segmentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("hobbes:code_segments"))

// ContentHash is the hex sha256 of file content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// SegmentID derives the vector point id for a file version. Identical
// (repository, path, content) inputs always produce the same id.
func SegmentID(repositoryID int64, path string, content []byte) string {
	name := strconv.FormatInt(repositoryID, 10) + "\x00" + cleanPath(path) + "\x00" + ContentHash(content)
	return uuid.NewSHA1(segmentNamespace, []byte(name)).String()
}
