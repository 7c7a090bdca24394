package session

import (
	"crypto/rand"
	"encoding/hex"
)

// SeedBytes is the number of random bytes in a race seed.
const SeedBytes = 16

// NewSeed returns a fresh race seed as lowercase hex.
func NewSeed() string {
	b := make([]byte, SeedBytes)
	// crypto/rand.Read never returns an error since Go 1.24
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
