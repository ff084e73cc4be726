package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/wolfman30/payreminder/internal/ingest"
	"github.com/wolfman30/payreminder/pkg/logging"
)

const maxWebhookBody = 1 << 20

type webhookIngestor interface {
	Ingest(ctx context.Context, raw []byte, signatureHeader string) (ingest.Result, error)
}

// WebhookHandler receives gateway callbacks.
type WebhookHandler struct {
	ingestor webhookIngestor
	logger   *logging.Logger
}

func NewWebhookHandler(ingestor webhookIngestor, logger *logging.Logger) *WebhookHandler {
	if ingestor == nil {
		panic("handlers: ingestor cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{ingestor: ingestor, logger: logger.Component("webhook")}
}

// Handle answers 401 for a bad signature, 400 for a malformed payload and 200
// once the event is accepted, including duplicates and ignored events.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, maxWebhookBody)
	if err != nil {
		jsonError(w, err.Error(), bodyErrorStatus(err))
		return
	}
	res, err := h.ingestor.Ingest(r.Context(), body, r.Header.Get(ingest.SignatureHeader))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, ingest.ErrSignature):
		h.logger.Warn("rejected webhook signature", "error", err, "remote_ip", r.RemoteAddr)
		jsonError(w, "invalid signature", http.StatusUnauthorized)
	case errors.Is(err, ingest.ErrMalformed):
		h.logger.Warn("malformed webhook payload", "error", err)
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("webhook processing failed", "error", err)
		jsonError(w, "processing error", http.StatusInternalServerError)
	}
}
