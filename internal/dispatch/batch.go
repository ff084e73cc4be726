// Package dispatch delivers a rendered reminder to every client of a batch
// through the messaging gateway. At most one batch runs at a time.
package dispatch

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	StatusPending   BatchStatus = "PENDING"
	StatusRunning   BatchStatus = "RUNNING"
	StatusCompleted BatchStatus = "COMPLETED"
	StatusFailed    BatchStatus = "FAILED"
)

// Terminal reports whether no further progress will be made.
func (s BatchStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// DeliveryResult is the terminal outcome for one client.
type DeliveryResult struct {
	ClientID  string `json:"client_id"`
	Phone     string `json:"phone"`
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Attempts  int    `json:"attempts"`
}

// Batch is a snapshot of one dispatch run. Processed always equals
// Successful+Failed.
type Batch struct {
	ID           string           `json:"id"`
	TemplateName string           `json:"template_name"`
	Total        int              `json:"total"`
	Processed    int              `json:"processed"`
	Successful   int              `json:"successful"`
	Failed       int              `json:"failed"`
	Status       BatchStatus      `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Results      []DeliveryResult `json:"results"`
}

// StatusView is the compact progress shape served to operators.
type StatusView struct {
	ID                 string      `json:"id"`
	Total              int         `json:"total"`
	Processed          int         `json:"processed"`
	Successful         int         `json:"successful"`
	Failed             int         `json:"failed"`
	Status             BatchStatus `json:"status"`
	ProgressPercentage float64     `json:"progress_percentage"`
}

// View summarizes the batch progress.
func (b Batch) View() StatusView {
	var pct float64
	if b.Total > 0 {
		pct = math.Round(float64(b.Processed)/float64(b.Total)*10000) / 100
	}
	return StatusView{
		ID:                 b.ID,
		Total:              b.Total,
		Processed:          b.Processed,
		Successful:         b.Successful,
		Failed:             b.Failed,
		Status:             b.Status,
		ProgressPercentage: pct,
	}
}

// ErrConflict is matched by every *ConflictError.
var ErrConflict = errors.New("dispatch: a batch is already running")

// ErrNotFound is returned when a batch id is unknown.
var ErrNotFound = errors.New("dispatch: batch not found")

// ConflictError is returned by Start while another batch holds the slot.
type ConflictError struct {
	ActiveBatchID string
}

func (e *ConflictError) Error() string {
	if e.ActiveBatchID == "" {
		return ErrConflict.Error()
	}
	return fmt.Sprintf("%s (batch %s)", ErrConflict.Error(), e.ActiveBatchID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
