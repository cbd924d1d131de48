package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

func GenerateRandomUUID() string {
	return uuid.New().String()
}

// GenerateShortID returns the UUID without dashes (32 hex chars).
func GenerateShortID() string {
	return strings.ReplaceAll(GenerateRandomUUID(), "-", "")
}

// DigestID joins parts with '|' and returns the first n hex chars of their SHA-256.
func DigestID(n int, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	id := hex.EncodeToString(sum[:])
	if n > 0 && n < len(id) {
		return id[:n]
	}
	return id
}
