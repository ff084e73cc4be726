package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/golang-jwt/jwt/v5"

	appbootstrap "github.com/wolfman30/payreminder/internal/app/bootstrap"
	appconfig "github.com/wolfman30/payreminder/internal/config"
	"github.com/wolfman30/payreminder/internal/ingest"
	"github.com/wolfman30/payreminder/pkg/logging"
)

func buildTestApp(t *testing.T, adminSecret string) *appbootstrap.App {
	t.Helper()
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","response":[{"id":"wamid-out"}]}`))
	}))
	t.Cleanup(gw.Close)

	cfg := &appconfig.Config{
		GatewayBaseURL:   gw.URL,
		WebhookSecret:    "whsec",
		WebhookRateLimit: 100,
		WebhookRateBurst: 100,
		AdminJWTSecret:   adminSecret,
	}
	app, err := appbootstrap.Build(context.Background(), cfg, aws.Config{Region: "us-east-1"}, logging.New("error"))
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestHandlerServesPublicRoutes(t *testing.T) {
	handler := newHandler(buildTestApp(t, ""))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := `{"event":"message-received","payload":{"id":"wamid.1","from":"5511999990000@c.us","body":"oi"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/gateway", strings.NewReader(body))
	req.Header.Set(ingest.SignatureHeader, ingest.Sign("whsec", []byte(body)))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected webhook 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), "payreminder_webhook_inbound_total") {
		t.Fatalf("expected webhook counter to be exported")
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/batches/current", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected admin routes to be unmounted, got %d", rr.Code)
	}
}

func TestHandlerProtectsAdminRoutes(t *testing.T) {
	handler := newHandler(buildTestApp(t, "admin-secret"))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/batches/current", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("admin-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/admin/batches/current", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no batch yet, got %d: %s", rr.Code, rr.Body.String())
	}
}
