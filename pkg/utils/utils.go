package utils

import (
	"crypto/rand"
	"time"
)

// GenerateRandomID returns length cryptographically random bytes, used
// by cmd/bitchat for nickname suffixes and message IDs.
func GenerateRandomID(length int) []byte {
	id := make([]byte, length)
	_, err := rand.Read(id)
	if err != nil {
		// Degrade to a less-random fallback rather than fail outright —
		// callers use this for IDs, not key material.
		for i := range id {
			id[i] = byte(time.Now().Nanosecond() % 256)
			time.Sleep(time.Nanosecond)
		}
	}
	return id
}
