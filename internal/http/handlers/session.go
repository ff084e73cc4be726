package handlers

import (
	"context"
	"net/http"

	"github.com/wolfman30/payreminder/internal/gateway"
	"github.com/wolfman30/payreminder/pkg/logging"
)

type sessionRefresher interface {
	sessionReader
	Refresh(ctx context.Context) (gateway.SessionStatus, error)
}

// SessionHandler exposes the gateway session and its pairing QR code to operators.
type SessionHandler struct {
	monitor sessionRefresher
	logger  *logging.Logger
}

func NewSessionHandler(monitor sessionRefresher, logger *logging.Logger) *SessionHandler {
	if monitor == nil {
		panic("handlers: session monitor cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionHandler{monitor: monitor, logger: logger.Component("session")}
}

type sessionResponse struct {
	gateway.SessionStatus
	QRCode string `json:"qr_code,omitempty"`
	Stale  bool   `json:"stale,omitempty"`
}

// Get returns the last known session; ?refresh=true polls the gateway first.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{SessionStatus: h.monitor.Current()}
	if r.URL.Query().Get("refresh") == "true" {
		status, err := h.monitor.Refresh(r.Context())
		if err != nil {
			h.logger.Warn("gateway session refresh failed", "error", err)
			resp.Stale = true
		}
		resp.SessionStatus = status
	}
	resp.QRCode = h.monitor.QRCode()
	writeJSON(w, http.StatusOK, resp)
}
