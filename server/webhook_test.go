package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"oidclogin/webhook"
)

const testWebhookSecret = "whsec_test"

func newTestWebhook(secret string) *WebhookHandler {
	return NewWebhookHandler(WebhookConfig{Secret: secret, HeaderPrefix: DefaultHeaderPrefix}, 0, NewMetrics(), testLogger())
}

func signedRequest(t *testing.T, body, secret string) *http.Request {
	t.Helper()
	ts := "1700000000"
	sig, err := webhook.Sign([]byte(secret), []byte(body), ts)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, DefaultWebhookPath, strings.NewReader(body))
	req.Header.Set("X-Sendseven-Signature", sig)
	req.Header.Set("X-Sendseven-Timestamp", ts)
	req.Header.Set("X-Sendseven-Delivery-Id", "del_1")
	req.Header.Set("X-Sendseven-Event", "message.received")
	return req
}

func TestWebhookAcceptsSignedEvent(t *testing.T) {
	h := newTestWebhook(testWebhookSecret)
	body := `{"type":"message.received","tenant_id":"t1","data":{"message":{"id":"m1","text":"hi"},"contact":{"name":"Ann"}}}`

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, body, testWebhookSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"delivery_id":"del_1"`) || !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
	if got := testutil.ToFloat64(h.metrics.webhookEvents.WithLabelValues("message.received", "accepted")); got != 1 {
		t.Fatalf("accepted counter = %v", got)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newTestWebhook(testWebhookSecret)
	body := `{"type":"contact.created","data":{"contact":{"name":"Ann"}}}`

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, body, "wrong-secret"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(h.metrics.webhookEvents.WithLabelValues("contact.created", "invalid_signature")); got != 1 {
		t.Fatalf("rejected counter = %v", got)
	}
}

func TestWebhookMissingHeaders(t *testing.T) {
	h := newTestWebhook(testWebhookSecret)
	req := signedRequest(t, `{"type":"link.clicked","data":{}}`, testWebhookSecret)
	req.Header.Del("X-Sendseven-Delivery-Id")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookInvalidJSON(t *testing.T) {
	h := newTestWebhook(testWebhookSecret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, DefaultWebhookPath, strings.NewReader("{nope")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookVerificationChallenge(t *testing.T) {
	h := newTestWebhook("")
	body := `{"type":"sendseven_verification","data":{"challenge":"abc123def456"}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, DefaultWebhookPath, strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"challenge":"abc123def456"}` {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, DefaultWebhookPath, strings.NewReader(`{"type":"sendseven_verification","data":{}}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing challenge status = %d", rec.Code)
	}
}

func TestWebhookWithoutSecretFailsClosed(t *testing.T) {
	h := newTestWebhook("")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, `{"type":"message.sent","data":{}}`, "anything"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookStaleTimestamp(t *testing.T) {
	h := NewWebhookHandler(WebhookConfig{Secret: testWebhookSecret}, 5*time.Minute, NewMetrics(), testLogger())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, `{"type":"message.sent","data":{}}`, testWebhookSecret))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookUnknownEventTypeIsAccepted(t *testing.T) {
	h := newTestWebhook(testWebhookSecret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, `{"type":"something.new","data":{"x":1}}`, testWebhookSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := testutil.ToFloat64(h.metrics.webhookEvents.WithLabelValues("other", "accepted")); got != 1 {
		t.Fatalf("other counter = %v", got)
	}
}

func TestWebhookSummariesTolerateMissingFields(t *testing.T) {
	for eventType, summarize := range knownEvents {
		if attrs := summarize(map[string]any{}); len(attrs)%2 != 0 {
			t.Fatalf("%s summary has odd attr count", eventType)
		}
	}
}

func TestWebhookRouteMounted(t *testing.T) {
	env := newTestEnv(t, nil)
	req := signedRequest(t, `{"type":"conversation.closed","data":{"conversation":{"id":"c1"}}}`, testWebhookSecret)
	resp, err := http.Post(env.server.URL+DefaultWebhookPath, "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status = %d", resp.StatusCode)
	}

	rec := httptest.NewRecorder()
	env.app.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("routed webhook status = %d body = %s", rec.Code, rec.Body.String())
	}
}
