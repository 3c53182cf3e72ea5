// Package apikey checks the keys presented to the sidecar APIs against the
// configured SHA-256 hash.
package apikey

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Hash returns the hex SHA-256 of key, the form stored in configuration.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Matches reports whether key hashes to wantHash. The comparison runs in
// constant time.
func Matches(key, wantHash string) bool {
	if key == "" || wantHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Hash(key)), []byte(wantHash)) == 1
}
