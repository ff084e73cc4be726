package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/payreminder/internal/clients"
	"github.com/wolfman30/payreminder/internal/dispatch"
	"github.com/wolfman30/payreminder/internal/templates"
	"github.com/wolfman30/payreminder/pkg/logging"
)

type batchDispatcher interface {
	Start(ctx context.Context, req dispatch.StartRequest) (*dispatch.Handle, error)
	Status() (dispatch.Batch, bool)
	Lookup(ctx context.Context, id string) (dispatch.Batch, error)
}

// BatchesHandler starts reminder batches and reports their progress.
type BatchesHandler struct {
	dispatcher batchDispatcher
	logger     *logging.Logger
}

func NewBatchesHandler(d batchDispatcher, logger *logging.Logger) *BatchesHandler {
	if d == nil {
		panic("handlers: dispatcher cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &BatchesHandler{dispatcher: d, logger: logger.Component("batches")}
}

// StartBatchRequest is the body of POST /admin/batches. A zero or missing
// delay or concurrency uses the service defaults; max_retries 0 disables
// retries and a missing value uses the default.
type StartBatchRequest struct {
	Clients      json.RawMessage    `json:"clients"`
	Template     templates.Template `json:"template"`
	DelaySeconds float64            `json:"delay_seconds"`
	Concurrency  int                `json:"concurrency"`
	MaxRetries   *int               `json:"max_retries"`
}

type validationResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems"`
	Warnings []string `json:"warnings,omitempty"`
}

func (h *BatchesHandler) Start(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, maxJSONBody)
	if err != nil {
		jsonError(w, err.Error(), bodyErrorStatus(err))
		return
	}
	var req StartBatchRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := req.Template.Validate(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DelaySeconds < 0 || req.Concurrency < 0 || (req.MaxRetries != nil && *req.MaxRetries < 0) {
		jsonError(w, "delay_seconds, concurrency and max_retries must not be negative", http.StatusBadRequest)
		return
	}
	raw, err := clients.DecodeUpload(req.Clients)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	validation := clients.Validate(raw)
	if !validation.Valid {
		writeJSON(w, http.StatusBadRequest, validationResponse{
			Error:    "client list is invalid",
			Problems: validation.Errors,
			Warnings: validation.Warnings,
		})
		return
	}

	start := dispatch.StartRequest{
		Clients:     validation.Accepted,
		Template:    req.Template,
		Delay:       time.Duration(req.DelaySeconds * float64(time.Second)),
		Concurrency: req.Concurrency,
	}
	if req.MaxRetries != nil {
		start.MaxRetries = *req.MaxRetries
		if start.MaxRetries == 0 {
			start.MaxRetries = -1
		}
	}

	handle, err := h.dispatcher.Start(r.Context(), start)
	if err != nil {
		var conflict *dispatch.ConflictError
		var invalid *clients.ValidationError
		switch {
		case errors.As(err, &conflict):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":           err.Error(),
				"active_batch_id": conflict.ActiveBatchID,
			})
		case errors.As(err, &invalid):
			writeJSON(w, http.StatusBadRequest, validationResponse{Error: "messages could not be rendered", Problems: invalid.Problems})
		default:
			h.logger.Error("failed to start batch", "error", err)
			jsonError(w, "failed to start batch", http.StatusInternalServerError)
		}
		return
	}

	batch, err := h.dispatcher.Lookup(r.Context(), handle.ID)
	if err != nil {
		writeJSON(w, http.StatusAccepted, dispatch.StatusView{ID: handle.ID, Total: len(validation.Accepted), Status: dispatch.StatusRunning})
		return
	}
	h.logger.Info("batch accepted", "batch_id", handle.ID, "warnings", len(validation.Warnings))
	writeJSON(w, http.StatusAccepted, batch.View())
}

// Current reports the running batch, or the last finished one.
func (h *BatchesHandler) Current(w http.ResponseWriter, _ *http.Request) {
	batch, ok := h.dispatcher.Status()
	if !ok {
		jsonError(w, "no batch has been started", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, batch.View())
}

// Get returns a batch with its per-client results.
func (h *BatchesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batchID")
	batch, err := h.dispatcher.Lookup(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			jsonError(w, "batch not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load batch", "error", err, "batch_id", id)
		jsonError(w, "failed to load batch", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		dispatch.StatusView
		TemplateName string                    `json:"template_name"`
		CreatedAt    time.Time                 `json:"created_at"`
		StartedAt    *time.Time                `json:"started_at,omitempty"`
		FinishedAt   *time.Time                `json:"finished_at,omitempty"`
		Results      []dispatch.DeliveryResult `json:"results"`
	}{
		StatusView:   batch.View(),
		TemplateName: batch.TemplateName,
		CreatedAt:    batch.CreatedAt,
		StartedAt:    batch.StartedAt,
		FinishedAt:   batch.FinishedAt,
		Results:      batch.Results,
	})
}
