package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

var secret = []byte("whsec_test")

func TestCanonicalizeSortsKeys(t *testing.T) {
	got, err := Canonicalize([]byte(`{ "type": "message.received", "data": {"z": 1, "a": "<b>"}, "amount": 12.50 }`))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"amount":12.50,"data":{"a":"<b>","z":1},"type":"message.received"}`
	if string(got) != want {
		t.Fatalf("canonical = %s\nwant %s", got, want)
	}
}

func TestCanonicalizeRejectsNonObjects(t *testing.T) {
	for _, body := range []string{``, `[]`, `null`, `"x"`, `{"a":1} {"b":2}`, `{bad`} {
		if _, err := Canonicalize([]byte(body)); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("Canonicalize(%q) = %v, want ErrInvalidPayload", body, err)
		}
	}
}

func TestVerifyMatchesIndependentHMAC(t *testing.T) {
	body := []byte(`{"type":"contact.created","id":"evt_1"}`)
	ts := "1700000000"

	h := hmac.New(sha256.New, secret)
	h.Write([]byte(ts + "." + `{"id":"evt_1","type":"contact.created"}`))
	sig := "sha256=" + hex.EncodeToString(h.Sum(nil))

	if err := (Verifier{Secret: secret}).Verify(body, sig, ts); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyFailures(t *testing.T) {
	body := []byte(`{"type":"message.sent","data":{"message":{"id":"m1"}}}`)
	ts := "1700000000"
	good, err := Sign(secret, body, ts)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tests := []struct {
		name      string
		body      []byte
		signature string
		timestamp string
		want      error
	}{
		{"missing signature", body, "", ts, ErrMissingSignature},
		{"missing timestamp", body, good, "", ErrMissingSignature},
		{"no prefix", body, good[len("sha256="):], ts, ErrMalformedSignature},
		{"not hex", body, "sha256=zz", ts, ErrMalformedSignature},
		{"short", body, "sha256=abcd", ts, ErrMalformedSignature},
		{"wrong timestamp", body, good, "1700000001", ErrSignatureMismatch},
		{"tampered body", []byte(`{"type":"message.sent","data":{"message":{"id":"m2"}}}`), good, ts, ErrSignatureMismatch},
		{"not json", []byte(`nope`), good, ts, ErrInvalidPayload},
	}

	v := Verifier{Secret: secret}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Verify(tt.body, tt.signature, tt.timestamp); !errors.Is(err, tt.want) {
				t.Fatalf("Verify = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	body := []byte(`{"type":"link.clicked"}`)
	sig, _ := Sign([]byte("other"), body, "1")
	if err := (Verifier{Secret: secret}).Verify(body, sig, "1"); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("Verify = %v", err)
	}
}

func TestVerifyIgnoresKeyOrderAndWhitespace(t *testing.T) {
	sig, _ := Sign(secret, []byte(`{"a":1,"b":2}`), "42")
	if err := (Verifier{Secret: secret}).Verify([]byte("{\n  \"b\": 2,\n  \"a\": 1\n}"), sig, "42"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyTimestampSkew(t *testing.T) {
	now := time.Unix(1700000000, 0)
	v := Verifier{Secret: secret, MaxSkew: 5 * time.Minute, Now: func() time.Time { return now }}
	body := []byte(`{"type":"message.delivered"}`)

	fresh := "1700000100"
	sig, _ := Sign(secret, body, fresh)
	if err := v.Verify(body, sig, fresh); err != nil {
		t.Fatalf("fresh timestamp rejected: %v", err)
	}

	stale := "1699990000"
	sig, _ = Sign(secret, body, stale)
	if err := v.Verify(body, sig, stale); !errors.Is(err, ErrStaleTimestamp) {
		t.Fatalf("stale timestamp = %v", err)
	}

	rfc := now.Add(time.Minute).UTC().Format(time.RFC3339)
	sig, _ = Sign(secret, body, rfc)
	if err := v.Verify(body, sig, rfc); err != nil {
		t.Fatalf("rfc3339 timestamp rejected: %v", err)
	}
}
