package client

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// VerifierConfig configures the ID token verifier.
type VerifierConfig struct {
	Cache    *MetadataCache
	ClientID string
	// Leeway is the clock skew tolerated on exp. Defaults to DefaultClockSkew
	// and is capped at MaxClockSkew.
	Leeway time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

// Verifier checks provider-signed RS256 ID tokens.
type Verifier struct {
	cache    *MetadataCache
	clientID string
	leeway   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// IDTokenClaims holds the claims of a verified ID token.
type IDTokenClaims struct {
	Issuer        string    `json:"iss"`
	Subject       string    `json:"sub"`
	Audience      []string  `json:"aud"`
	ExpiresAt     time.Time `json:"exp"`
	IssuedAt      time.Time `json:"iat"`
	Nonce         string    `json:"nonce"`
	Email         string    `json:"email,omitempty"`
	EmailVerified bool      `json:"email_verified,omitempty"`
	Name          string    `json:"name,omitempty"`
	Picture       string    `json:"picture,omitempty"`
	TenantID      string    `json:"tenant_id,omitempty"`
}

type idTokenPayload struct {
	jwt.RegisteredClaims
	Nonce         string `json:"nonce"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	TenantID      string `json:"tenant_id"`
}

// NewVerifier creates a verifier with sane defaults.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.Leeway <= 0 {
		cfg.Leeway = DefaultClockSkew
	}
	if cfg.Leeway > MaxClockSkew {
		cfg.Leeway = MaxClockSkew
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Verifier{
		cache:    cfg.Cache,
		clientID: cfg.ClientID,
		leeway:   cfg.Leeway,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
}

// Verify runs every check in order and returns the claims only when all of
// them pass: algorithm, signing key, signature, issuer, audience, expiry, nonce.
func (v *Verifier) Verify(ctx context.Context, rawIDToken, expectedNonce string) (*IDTokenClaims, error) {
	if rawIDToken == "" {
		return nil, idTokenError(ErrMalformedIDToken, "empty token")
	}

	unverified, parts, err := jwt.NewParser(jwt.WithStrictDecoding()).ParseUnverified(rawIDToken, jwt.MapClaims{})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenUnverifiable) && unverified != nil:
		// Header decoded but alg is missing or unknown to the jwt library.
		alg, _ := unverified.Header["alg"].(string)
		return nil, idTokenError(ErrUnsupportedAlgorithm, "alg %q", alg)
	default:
		return nil, idTokenError(ErrMalformedIDToken, "%v", err)
	}
	alg, _ := unverified.Header["alg"].(string)
	if alg != jwt.SigningMethodRS256.Alg() {
		return nil, idTokenError(ErrUnsupportedAlgorithm, "alg %q", alg)
	}
	kid, _ := unverified.Header["kid"].(string)

	meta, err := v.cache.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	key, err := v.signingKey(ctx, meta.JWKSURI, kid)
	if err != nil {
		return nil, err
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
		jwt.WithStrictDecoding(),
	)
	// Non-zero padding bits in the last character still decode leniently.
	if _, err := parser.DecodeSegment(parts[2]); err != nil {
		return nil, idTokenError(ErrSignatureInvalid, "kid %q: signature encoding", kid)
	}
	var payload idTokenPayload
	_, err = parser.ParseWithClaims(rawIDToken, &payload, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, idTokenError(ErrSignatureInvalid, "kid %q", kid)
		}
		return nil, idTokenError(ErrMalformedIDToken, "%v", err)
	}

	if payload.Issuer != meta.Issuer {
		return nil, idTokenError(ErrIssuerMismatch, "got %q, want %q", payload.Issuer, meta.Issuer)
	}
	if !containsAudience(payload.Audience, v.clientID) {
		return nil, idTokenError(ErrAudienceMismatch, "client %q not in aud", v.clientID)
	}
	if payload.ExpiresAt == nil {
		return nil, idTokenError(ErrTokenExpired, "exp missing")
	}
	if !v.now().Before(payload.ExpiresAt.Time.Add(v.leeway)) {
		return nil, idTokenError(ErrTokenExpired, "expired at %s", payload.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}
	if expectedNonce == "" || subtle.ConstantTimeCompare([]byte(payload.Nonce), []byte(expectedNonce)) != 1 {
		return nil, idTokenError(ErrNonceMismatch, "")
	}

	claims := &IDTokenClaims{
		Issuer:        payload.Issuer,
		Subject:       payload.Subject,
		Audience:      []string(payload.Audience),
		ExpiresAt:     payload.ExpiresAt.Time,
		Nonce:         payload.Nonce,
		Email:         payload.Email,
		EmailVerified: payload.EmailVerified,
		Name:          payload.Name,
		Picture:       payload.Picture,
		TenantID:      payload.TenantID,
	}
	if payload.IssuedAt != nil {
		claims.IssuedAt = payload.IssuedAt.Time
	}
	return claims, nil
}

// signingKey finds the RSA key for kid, refreshing the key set once on a miss
// in case the provider rotated keys.
func (v *Verifier) signingKey(ctx context.Context, jwksURI, kid string) (*rsa.PublicKey, error) {
	set, err := v.cache.KeySet(ctx, jwksURI)
	if err != nil {
		return nil, err
	}
	if key := findRSAKey(set, kid); key != nil {
		return key, nil
	}

	v.logger.Info("id token kid not in cached jwks, refreshing", "kid", kid, "jwks_uri", jwksURI)
	v.cache.InvalidateKeySet(jwksURI)
	set, err = v.cache.KeySet(ctx, jwksURI)
	if err != nil {
		return nil, err
	}
	if key := findRSAKey(set, kid); key != nil {
		return key, nil
	}
	return nil, idTokenError(ErrKeyNotFound, "kid %q", kid)
}

func findRSAKey(set jose.JSONWebKeySet, kid string) *rsa.PublicKey {
	if kid == "" {
		return nil
	}
	for _, k := range set.Key(kid) {
		if pub, ok := k.Key.(*rsa.PublicKey); ok {
			return pub
		}
	}
	return nil
}

func containsAudience(aud jwt.ClaimStrings, clientID string) bool {
	if clientID == "" {
		return false
	}
	for _, a := range aud {
		if a == clientID {
			return true
		}
	}
	return false
}
