// Package fingerprint computes the content hashes used as identity keys
// for documents and segments.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Bytes returns the lowercase hex SHA-256 digest of raw bytes. It is the
// document-level identity key used for change detection on re-ingest.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Text returns the lowercase hex SHA-256 digest of a string. It is the
// chunk-level identity key: two chunks with equal text share a fingerprint.
func Text(s string) string {
	return Bytes([]byte(s))
}
