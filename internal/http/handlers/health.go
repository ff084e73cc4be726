package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/wolfman30/payreminder/internal/gateway"
)

type sessionReader interface {
	Current() gateway.SessionStatus
	QRCode() string
}

// HealthCheck pings a dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandler reports dependency health and the gateway session. A failing
// dependency answers 503; a disconnected session is reported but not fatal.
type HealthHandler struct {
	sessions sessionReader
	checks   map[string]HealthCheck
	timeout  time.Duration
}

func NewHealthHandler(sessions sessionReader, checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{sessions: sessions, checks: checks, timeout: 2 * time.Second}
}

type healthResponse struct {
	Status       string            `json:"status"`
	Checks       map[string]string `json:"checks,omitempty"`
	Gateway      *gatewayHealth    `json:"gateway,omitempty"`
	CheckedAtUTC time.Time         `json:"checked_at"`
}

type gatewayHealth struct {
	gateway.SessionStatus
	QRPending bool `json:"qr_pending"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", CheckedAtUTC: time.Now().UTC()}
	status := http.StatusOK

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(names))
		}
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	if h.sessions != nil {
		resp.Gateway = &gatewayHealth{SessionStatus: h.sessions.Current(), QRPending: h.sessions.QRCode() != ""}
	}
	writeJSON(w, status, resp)
}
