package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/payreminder/internal/clients"
	"github.com/wolfman30/payreminder/internal/gateway"
)

// EventType is the closed set of webhook events the ingest understands.
type EventType string

const (
	EventMessageReceived EventType = "message-received"
	EventSessionStatus   EventType = "session-status"
	EventQRReady         EventType = "qr-ready"
	EventAuthFailure     EventType = "auth-failure"
	EventUnknown         EventType = "unknown"
)

func parseEventType(raw string) EventType {
	switch EventType(strings.ToLower(strings.TrimSpace(raw))) {
	case EventMessageReceived:
		return EventMessageReceived
	case EventSessionStatus:
		return EventSessionStatus
	case EventQRReady:
		return EventQRReady
	case EventAuthFailure:
		return EventAuthFailure
	default:
		return EventUnknown
	}
}

// ErrMalformed is matched by payload parsing failures.
var ErrMalformed = errors.New("ingest: malformed payload")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// SessionUpdate is the gateway session change carried by a session event.
type SessionUpdate struct {
	State  gateway.SessionState `json:"state"`
	Detail string               `json:"detail,omitempty"`
	QRCode string               `json:"qr_code,omitempty"`
}

// InboundEvent is a verified, normalized webhook event.
type InboundEvent struct {
	DedupeKey         string          `json:"dedupe_key"`
	Type              EventType       `json:"type"`
	RawType           string          `json:"raw_type,omitempty"`
	Phone             string          `json:"phone,omitempty"`
	Text              string          `json:"text,omitempty"`
	ProviderMessageID string          `json:"provider_message_id,omitempty"`
	ReceivedAt        time.Time       `json:"received_at"`
	Session           *SessionUpdate  `json:"session,omitempty"`
	Raw               json.RawMessage `json:"-"`
}

type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type messagePayload struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	Body      string          `json:"body"`
	Text      string          `json:"text"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type sessionPayload struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Detail string `json:"detail"`
	Reason string `json:"reason"`
	QRCode string `json:"qrcode"`
}

// Parse normalizes a verified webhook body. Events outside the known set
// parse successfully as EventUnknown.
func Parse(body []byte, now time.Time) (InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return InboundEvent{}, malformed("decode envelope: %v", err)
	}
	if strings.TrimSpace(env.Event) == "" {
		return InboundEvent{}, malformed("missing event")
	}
	evt := InboundEvent{
		Type:       parseEventType(env.Event),
		RawType:    env.Event,
		ReceivedAt: now.UTC(),
		Raw:        json.RawMessage(body),
	}

	switch evt.Type {
	case EventMessageReceived:
		var p messagePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return InboundEvent{}, err
		}
		phone, ok := clients.NormalizePhone(strings.TrimSuffix(p.From, "@c.us"))
		if !ok {
			return InboundEvent{}, malformed("invalid sender %q", p.From)
		}
		text := p.Body
		if text == "" {
			text = p.Text
		}
		if strings.TrimSpace(text) == "" {
			return InboundEvent{}, malformed("empty message text")
		}
		evt.Phone = phone
		evt.Text = text
		evt.ProviderMessageID = strings.TrimSpace(p.ID)
		if at, ok := parseTimestamp(p.Timestamp); ok {
			evt.ReceivedAt = at
		}
	case EventSessionStatus:
		var p sessionPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return InboundEvent{}, err
		}
		status := p.Status
		if status == "" {
			status = p.State
		}
		evt.Session = &SessionUpdate{State: sessionState(status), Detail: firstNonEmpty(p.Detail, status)}
	case EventQRReady:
		var p sessionPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return InboundEvent{}, err
		}
		evt.Session = &SessionUpdate{State: gateway.SessionQRPending, QRCode: p.QRCode}
	case EventAuthFailure:
		var p sessionPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return InboundEvent{}, err
		}
		evt.Session = &SessionUpdate{State: gateway.SessionAuthFailed, Detail: firstNonEmpty(p.Reason, p.Detail)}
	}

	evt.DedupeKey = dedupeKey(evt.ProviderMessageID, body)
	return evt, nil
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return malformed("missing payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return malformed("decode payload: %v", err)
	}
	return nil
}

// dedupeKey prefers the provider message id and falls back to a body digest.
func dedupeKey(providerID string, body []byte) string {
	if providerID != "" {
		return "msg:" + providerID
	}
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC(), true
		}
		raw = json.RawMessage(s)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC(), true
	}
	return time.Unix(n, 0).UTC(), true
}

func sessionState(status string) gateway.SessionState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "connected", "islogged", "inchat", "qrreadsuccess", "successchat":
		return gateway.SessionConnected
	case "disconnected", "notlogged", "browserclose", "desconnectedmobile", "serverclose":
		return gateway.SessionDisconnected
	case "qrreadfail", "qr_pending", "qrcode":
		return gateway.SessionQRPending
	case "autherror", "auth_failed", "unpaired":
		return gateway.SessionAuthFailed
	default:
		return gateway.SessionUnknown
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
