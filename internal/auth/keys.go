// Package auth authenticates API callers against the identity directory.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashKey returns the hex SHA-256 of a trimmed API key. Only hashes are kept
// in the identities file.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
