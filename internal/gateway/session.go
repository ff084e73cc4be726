package gateway

import (
	"context"
	"sync"
	"time"
)

// SessionMonitor keeps the latest session status reported by gateway webhooks.
type SessionMonitor struct {
	mu      sync.RWMutex
	status  SessionStatus
	qrCode  string
	checker StatusChecker
}

// NewSessionMonitor creates a monitor; checker is optional and used by Refresh.
func NewSessionMonitor(checker StatusChecker) *SessionMonitor {
	return &SessionMonitor{
		status:  SessionStatus{State: SessionUnknown},
		checker: checker,
	}
}

// Update records a new session state.
func (m *SessionMonitor) Update(state SessionState, detail string, at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.UpdatedAt.IsZero() && at.Before(m.status.UpdatedAt) {
		return
	}
	m.status = SessionStatus{State: state, Detail: detail, UpdatedAt: at}
	if state != SessionQRPending {
		m.qrCode = ""
	}
}

// SetQRCode records a pending pairing QR code.
func (m *SessionMonitor) SetQRCode(code string, at time.Time) {
	m.Update(SessionQRPending, "qr code ready", at)
	m.mu.Lock()
	m.qrCode = code
	m.mu.Unlock()
}

// Current returns the last known status.
func (m *SessionMonitor) Current() SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// QRCode returns the pending pairing code, if any.
func (m *SessionMonitor) QRCode() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.qrCode
}

// Refresh polls the gateway directly and records the result.
func (m *SessionMonitor) Refresh(ctx context.Context) (SessionStatus, error) {
	if m.checker == nil {
		return m.Current(), nil
	}
	status, err := m.checker.Status(ctx)
	if err != nil {
		return m.Current(), err
	}
	m.Update(status.State, status.Detail, status.UpdatedAt)
	return m.Current(), nil
}
