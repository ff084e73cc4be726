package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/payreminder/internal/clients"
	"github.com/wolfman30/payreminder/internal/conversation"
	"github.com/wolfman30/payreminder/internal/http/middleware"
	"github.com/wolfman30/payreminder/pkg/logging"
)

type conversationService interface {
	Get(ctx context.Context, phone string) (conversation.Conversation, error)
	Close(ctx context.Context, phone, reason string) (conversation.Conversation, error)
}

// ConversationsHandler lets operators inspect and close conversations.
type ConversationsHandler struct {
	conversations conversationService
	logger        *logging.Logger
}

func NewConversationsHandler(svc conversationService, logger *logging.Logger) *ConversationsHandler {
	if svc == nil {
		panic("handlers: conversation service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &ConversationsHandler{conversations: svc, logger: logger.Component("conversations")}
}

func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	phone, ok := phoneParam(w, r)
	if !ok {
		return
	}
	conv, err := h.conversations.Get(r.Context(), phone)
	if err != nil {
		h.writeError(w, err, phone)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type closeRequest struct {
	Reason string `json:"reason"`
}

// Close moves the conversation to CLOSED. The body is optional.
func (h *ConversationsHandler) Close(w http.ResponseWriter, r *http.Request) {
	phone, ok := phoneParam(w, r)
	if !ok {
		return
	}
	var req closeRequest
	if r.ContentLength != 0 {
		if !decodeOptionalJSON(w, r, &req) {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "closed by " + middleware.AdminSubject(r.Context())
	}
	conv, err := h.conversations.Close(r.Context(), phone, req.Reason)
	if err != nil {
		h.writeError(w, err, phone)
		return
	}
	h.logger.Info("conversation closed by operator", "phone", phone, "reason", req.Reason)
	writeJSON(w, http.StatusOK, conv)
}

func (h *ConversationsHandler) writeError(w http.ResponseWriter, err error, phone string) {
	if errors.Is(err, conversation.ErrNotFound) {
		jsonError(w, "conversation not found", http.StatusNotFound)
		return
	}
	h.logger.Error("conversation request failed", "error", err, "phone", phone)
	jsonError(w, "internal error", http.StatusInternalServerError)
}

func phoneParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	phone, ok := clients.NormalizePhone(chi.URLParam(r, "phone"))
	if !ok {
		jsonError(w, "invalid phone", http.StatusBadRequest)
		return "", false
	}
	return phone, true
}
