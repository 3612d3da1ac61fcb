// Package util holds small helpers shared across the server packages.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 128-bit hex identifier, optionally prefixed
// ("sess", "inv") so ids stay recognizable in logs and URLs. An empty
// prefix yields the bare hex, used for token jti values.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
