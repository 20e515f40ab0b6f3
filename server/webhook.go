package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"oidclogin/webhook"
)

const (
	maxWebhookBody        = 1 << 20
	verificationEventType = "sendseven_verification"
)

// WebhookEvent is the envelope of every delivery.
type WebhookEvent struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	CreatedAt string         `json:"created_at"`
	TenantID  string         `json:"tenant_id"`
	EventID   string         `json:"event_id"`
	Data      map[string]any `json:"data"`
}

// knownEvents are logged with a per-type summary. Anything else is logged as unknown.
var knownEvents = map[string]func(data map[string]any) []any{
	"message.received": func(d map[string]any) []any {
		text := str(field(d, "message", "text"))
		if len(text) > 50 {
			text = text[:50]
		}
		return []any{"contact", orUnknown(str(field(d, "contact", "name"))), "text", text}
	},
	"message.sent":      messageID,
	"message.delivered": messageID,
	"message.failed": func(d map[string]any) []any {
		reason := str(field(d, "error", "message"))
		if reason == "" {
			reason = "Unknown error"
		}
		return []any{"message_id", field(d, "message", "id"), "reason", reason}
	},
	"conversation.created": conversationID,
	"conversation.closed":  conversationID,
	"conversation.assigned": func(d map[string]any) []any {
		return []any{"conversation_id", field(d, "conversation", "id"), "assigned_to", orUnknown(str(field(d, "assigned_to", "name")))}
	},
	"contact.created": func(d map[string]any) []any {
		phone := str(field(d, "contact", "phone"))
		if phone == "" {
			phone = "No phone"
		}
		return []any{"contact", orUnknown(str(field(d, "contact", "name"))), "phone", phone}
	},
	"contact.updated": contactID,
	"contact.deleted": func(d map[string]any) []any {
		return []any{"contact_id", field(d, "contact", "id"), "contact", orUnknown(str(field(d, "contact", "name")))}
	},
	"contact.subscribed":   subscription,
	"contact.unsubscribed": subscription,
	"link.clicked": func(d map[string]any) []any {
		u := str(field(d, "link", "url"))
		if u == "" {
			u = "Unknown URL"
		}
		return []any{"url", u, "contact", orUnknown(str(field(d, "contact", "name")))}
	},
}

func messageID(d map[string]any) []any { return []any{"message_id", field(d, "message", "id")} }
func conversationID(d map[string]any) []any {
	return []any{"conversation_id", field(d, "conversation", "id")}
}
func contactID(d map[string]any) []any { return []any{"contact_id", field(d, "contact", "id")} }

func subscription(d map[string]any) []any {
	return []any{"contact", orUnknown(str(field(d, "contact", "name"))), "list_id", field(d, "subscription", "list_id")}
}

func field(d map[string]any, obj, key string) any {
	m, ok := d[obj].(map[string]any)
	if !ok {
		return nil
	}
	return m[key]
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// WebhookHandler receives signed event deliveries.
type WebhookHandler struct {
	verifier     webhook.Verifier
	configured   bool
	headerPrefix string
	logPayloads  bool
	logger       *slog.Logger
	metrics      *Metrics
}

// NewWebhookHandler builds the receiver from the webhook config section.
func NewWebhookHandler(cfg WebhookConfig, maxSkew time.Duration, metrics *Metrics, logger *slog.Logger) *WebhookHandler {
	prefix := cfg.HeaderPrefix
	if prefix == "" {
		prefix = DefaultHeaderPrefix
	}
	return &WebhookHandler{
		verifier:     webhook.Verifier{Secret: []byte(cfg.Secret), MaxSkew: maxSkew},
		configured:   cfg.Secret != "",
		headerPrefix: prefix,
		logPayloads:  cfg.LogPayloads,
		logger:       logger,
		metrics:      metrics,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.reject(w, "", "read_error", http.StatusBadRequest, "Failed to read body")
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.reject(w, "", "invalid_json", http.StatusBadRequest, "Invalid JSON")
		return
	}

	// Ownership challenges are sent unsigned when the endpoint is registered.
	if event.Type == verificationEventType {
		challenge := str(event.Data["challenge"])
		if challenge == "" {
			h.reject(w, event.Type, "invalid_challenge", http.StatusBadRequest, "Missing challenge")
			return
		}
		h.logger.Info("webhook verification challenge", "request_id", reqID)
		h.metrics.ObserveWebhook(event.Type, "challenge")
		writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
		return
	}

	signature := r.Header.Get(h.headerPrefix + "-Signature")
	timestamp := r.Header.Get(h.headerPrefix + "-Timestamp")
	deliveryID := r.Header.Get(h.headerPrefix + "-Delivery-Id")
	headerEvent := r.Header.Get(h.headerPrefix + "-Event")
	if signature == "" || timestamp == "" || deliveryID == "" || headerEvent == "" {
		h.logger.Warn("webhook missing required headers", "request_id", reqID)
		h.reject(w, event.Type, "missing_headers", http.StatusBadRequest, "Missing required headers")
		return
	}

	if !h.configured {
		h.logger.Error("webhook secret not configured, rejecting event", "request_id", reqID, "delivery_id", deliveryID)
		h.reject(w, event.Type, "not_configured", http.StatusServiceUnavailable, "Webhook secret not configured")
		return
	}

	if err := h.verifier.Verify(body, signature, timestamp); err != nil {
		result := "invalid_signature"
		if errors.Is(err, webhook.ErrStaleTimestamp) {
			result = "stale_timestamp"
		}
		h.logger.Warn("webhook signature rejected", "request_id", reqID, "delivery_id", deliveryID, "error", err)
		h.reject(w, event.Type, result, http.StatusUnauthorized, "Invalid signature")
		return
	}

	attrs := []any{
		"request_id", reqID,
		"delivery_id", deliveryID,
		"event", event.Type,
		"tenant_id", event.TenantID,
	}
	summarize, known := knownEvents[event.Type]
	if known {
		attrs = append(attrs, summarize(event.Data)...)
		h.logger.Info("webhook received", attrs...)
	} else {
		h.logger.Warn("webhook received unknown event type", attrs...)
	}
	if h.logPayloads {
		h.logger.Info("webhook payload", "delivery_id", deliveryID, "payload", json.RawMessage(body))
	}
	h.metrics.ObserveWebhook(eventLabel(event.Type, known), "accepted")

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"delivery_id": deliveryID,
	})
}

func (h *WebhookHandler) reject(w http.ResponseWriter, eventType, result string, status int, msg string) {
	_, known := knownEvents[eventType]
	h.metrics.ObserveWebhook(eventLabel(eventType, known || eventType == verificationEventType), result)
	writeJSON(w, status, map[string]string{"error": msg})
}

// eventLabel keeps metric cardinality bounded to known event types.
func eventLabel(eventType string, known bool) string {
	if eventType == "" {
		return "unknown"
	}
	if !known {
		return "other"
	}
	return strings.ToLower(eventType)
}
