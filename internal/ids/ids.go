// Package ids mints the opaque identifiers used across the relay. Session
// and command ids cross process and network boundaries, so both come from a
// cryptographically secure source.
package ids

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewSessionID returns a random (version 4) UUID string.
func NewSessionID() string {
	return uuid.NewString()
}

// NewCommandID returns 16 random bytes, hex encoded.
func NewCommandID() string {
	return randomHex(16)
}

// NewToken returns n random bytes, hex encoded.
func NewToken(n int) string {
	return randomHex(n)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// Never fall back to a predictable id.
		panic("ids: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
