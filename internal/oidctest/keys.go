package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type keyPair struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
}

// Keys holds the RSA signing keys of a fake provider. Rotate keeps the
// previous key published so tokens signed before a rotation still verify.
type Keys struct {
	mu       sync.RWMutex
	current  keyPair
	previous []keyPair
}

// NewKeys generates a fresh 2048-bit signing key.
func NewKeys() (*Keys, error) {
	k := &Keys{}
	if err := k.Rotate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Rotate replaces the signing key.
func (k *Keys) Rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate rsa key: %w", err)
	}
	kid, err := randomKID()
	if err != nil {
		return err
	}
	pair := keyPair{
		private: key,
		jwk:     jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current.private != nil {
		k.previous = append([]keyPair{k.current}, k.previous...)
		if len(k.previous) > 1 {
			k.previous = k.previous[:1]
		}
	}
	k.current = pair
	return nil
}

// KID is the key id of the current signing key.
func (k *Keys) KID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current.jwk.KeyID
}

// Sign signs claims with RS256 and the current key.
func (k *Keys) Sign(claims jwt.MapClaims) (string, error) {
	return k.SignWithKID(k.KID(), claims)
}

// SignWithKID signs with the current key but puts kid in the header, which
// lets tests present a key id the JWKS does not contain.
func (k *Keys) SignWithKID(kid string, claims jwt.MapClaims) (string, error) {
	k.mu.RLock()
	priv := k.current.private
	k.mu.RUnlock()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// PublicJWKS is the key set served on the provider's jwks_uri.
func (k *Keys) PublicJWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keys := []jose.JSONWebKey{k.current.jwk.Public()}
	for _, prev := range k.previous {
		keys = append(keys, prev.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func randomKID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate kid: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
