// Package gateway is the boundary to the chat-channel messaging transport.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sender delivers one text message to a phone number.
type Sender interface {
	Send(ctx context.Context, phone, text string) (SendResult, error)
}

// StatusChecker reports the health of the gateway session.
type StatusChecker interface {
	Status(ctx context.Context) (SessionStatus, error)
}

// Gateway is the full transport contract.
type Gateway interface {
	Sender
	StatusChecker
}

// SendResult is what the transport returns for an accepted message.
type SendResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// SessionState enumerates known gateway session states.
type SessionState string

const (
	SessionUnknown      SessionState = "UNKNOWN"
	SessionConnected    SessionState = "CONNECTED"
	SessionDisconnected SessionState = "DISCONNECTED"
	SessionQRPending    SessionState = "QR_PENDING"
	SessionAuthFailed   SessionState = "AUTH_FAILED"
)

// SessionStatus describes the gateway session at a point in time.
type SessionStatus struct {
	State     SessionState `json:"state"`
	Detail    string       `json:"detail,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Kind classifies gateway failures for retry decisions.
type Kind int

const (
	// KindTransient covers timeouts, 5xx and connection failures.
	KindTransient Kind = iota
	// KindRateLimited is an explicit throttling signal from the transport.
	KindRateLimited
	// KindPermanent is a recipient-level rejection (malformed or blocked number).
	KindPermanent
	// KindAuth means the gateway refused our credentials.
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// ErrUnavailable is wrapped by errors returned while the circuit breaker is open.
var ErrUnavailable = errors.New("gateway: unavailable")

// Error is a classified gateway failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway: %s error (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("gateway: %s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a recipient-level failure that must not be retried.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// KindOf classifies any error returned by a Sender. Unclassified errors are
// treated as transient; deadline errors are transient.
func KindOf(err error) Kind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindTransient
}

// IsTransient reports whether a send failure may be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimited
}

// IsPermanent reports whether a send failure must not be retried.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}
