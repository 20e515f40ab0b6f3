package client

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// ChallengeMethodS256 is the only PKCE method supported.
const ChallengeMethodS256 = "S256"

const (
	verifierBytes = 64 // 86 characters once encoded
	stateBytes    = 32
	nonceBytes    = 32
)

// PKCE holds a verifier and the challenge derived from it.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE generates a fresh verifier/challenge pair.
func NewPKCE() (PKCE, error) {
	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return PKCE{}, err
	}
	return PKCE{
		Verifier:  verifier,
		Challenge: GenerateCodeChallenge(verifier),
		Method:    ChallengeMethodS256,
	}, nil
}

// GenerateCodeVerifier returns a random verifier drawn from the base64url
// alphabet, within the 43-128 character range required by RFC 7636.
func GenerateCodeVerifier() (string, error) {
	return randomURLSafe(verifierBytes)
}

// GenerateCodeChallenge derives the S256 challenge for verifier.
func GenerateCodeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// GenerateState returns an unguessable CSRF state value.
func GenerateState() (string, error) {
	return randomURLSafe(stateBytes)
}

// GenerateNonce returns an unguessable ID token nonce.
func GenerateNonce() (string, error) {
	return randomURLSafe(nonceBytes)
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
