// Package sha256 computes content digests for raw documents.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ArchivePath returns a content-addressed object path for a document body,
// sharded by the first two digest characters.
func ArchivePath(prefix, digest, ext string) string {
	if len(digest) < 2 {
		return prefix + "/" + digest + ext
	}
	return prefix + "/" + digest[:2] + "/" + digest + ext
}
