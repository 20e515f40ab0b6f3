// Package webhook verifies signed event deliveries from the provider.
package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignaturePrefix marks the only supported signature scheme.
const SignaturePrefix = "sha256="

var (
	ErrMissingSignature   = errors.New("webhook: missing signature or timestamp")
	ErrMalformedSignature = errors.New("webhook: malformed signature")
	ErrInvalidPayload     = errors.New("webhook: payload is not a JSON object")
	ErrSignatureMismatch  = errors.New("webhook: signature mismatch")
	ErrStaleTimestamp     = errors.New("webhook: timestamp outside allowed skew")
)

// Verifier checks HMAC-SHA256 signatures over "{timestamp}.{canonical body}".
type Verifier struct {
	Secret []byte
	// MaxSkew bounds how far the timestamp header may drift from Now.
	// Zero disables the check.
	MaxSkew time.Duration
	Now     func() time.Time
}

// Verify reports whether signature is valid for body and timestamp. Any
// parse problem is a failure.
func (v Verifier) Verify(body []byte, signature, timestamp string) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(signature, SignaturePrefix) {
		return ErrMalformedSignature
	}
	provided, err := hex.DecodeString(signature[len(SignaturePrefix):])
	if err != nil || len(provided) != sha256.Size {
		return ErrMalformedSignature
	}

	if v.MaxSkew > 0 {
		if err := v.checkTimestamp(timestamp); err != nil {
			return err
		}
	}

	canonical, err := Canonicalize(body)
	if err != nil {
		return err
	}
	if !hmac.Equal(provided, mac(v.Secret, timestamp, canonical)) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign returns the signature header value for body at timestamp.
func Sign(secret []byte, body []byte, timestamp string) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	return SignaturePrefix + hex.EncodeToString(mac(secret, timestamp, canonical)), nil
}

// Canonicalize re-encodes a JSON object compactly with sorted keys. Numbers
// keep their original text and HTML characters are not escaped.
func Canonicalize(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, ErrInvalidPayload
	}
	if dec.More() {
		return nil, ErrInvalidPayload
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func mac(secret []byte, timestamp string, canonical []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(canonical)
	return h.Sum(nil)
}

func (v Verifier) checkTimestamp(timestamp string) error {
	ts, err := parseTimestamp(timestamp)
	if err != nil {
		return ErrStaleTimestamp
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.MaxSkew {
		return ErrStaleTimestamp
	}
	return nil
}

// parseTimestamp accepts unix seconds or RFC 3339.
func parseTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}
