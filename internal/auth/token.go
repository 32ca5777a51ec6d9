package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// NewInviteToken returns a random hex token handed out once on invite
// creation. Only its hash is stored.
func NewInviteToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// HashToken derives the storable digest of an invite token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidInviteToken checks the shape of a presented invite token before any
// store lookup.
func ValidInviteToken(token string) bool {
	if len(token) != 32 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}
