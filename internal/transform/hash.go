package transform

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashPII replaces a personally identifying value with its SHA-256 digest
// (lowercase hex). The hash is one-way; the raw value must never reach a
// transformed record or the warehouse. An empty input hashes to "".
func HashPII(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
