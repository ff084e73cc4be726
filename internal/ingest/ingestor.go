// Package ingest authenticates gateway webhooks, drops redeliveries and routes
// each event to the conversation layer or the session monitor.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/payreminder/internal/gateway"
	"github.com/wolfman30/payreminder/internal/observability/metrics"
	"github.com/wolfman30/payreminder/pkg/logging"
)

// SessionSink receives gateway session changes.
type SessionSink interface {
	Update(state gateway.SessionState, detail string, at time.Time)
	SetQRCode(code string, at time.Time)
}

// Result describes an accepted webhook.
type Result struct {
	Type      EventType `json:"type"`
	DedupeKey string    `json:"dedupe_key"`
	Duplicate bool      `json:"duplicate"`
	Ignored   bool      `json:"ignored"`
}

type Config struct {
	Verifier  *Verifier
	Deduper   Deduper
	Forwarder Forwarder
	Sessions  SessionSink
	Metrics   *metrics.WebhookMetrics
	Logger    *logging.Logger
	Now       func() time.Time
}

// Ingestor is safe for concurrent use.
type Ingestor struct {
	verifier  *Verifier
	deduper   Deduper
	forwarder Forwarder
	sessions  SessionSink
	metrics   *metrics.WebhookMetrics
	logger    *logging.Logger
	now       func() time.Time
	// inflight joins copies of one event that arrive while the first is
	// still being routed, so a failing first copy cannot mark them duplicate.
	inflight singleflight.Group
}

func New(cfg Config) *Ingestor {
	if cfg.Verifier == nil {
		panic("ingest: verifier required")
	}
	if cfg.Forwarder == nil {
		panic("ingest: forwarder required")
	}
	if cfg.Deduper == nil {
		cfg.Deduper = NewLRUDeduper(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ingestor{
		verifier:  cfg.Verifier,
		deduper:   cfg.Deduper,
		forwarder: cfg.Forwarder,
		sessions:  cfg.Sessions,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.Component("ingest"),
		now:       cfg.Now,
	}
}

// Ingest verifies, parses, dedupes and routes one webhook body. It returns a
// *SignatureError before touching the body when the signature does not match,
// and an error wrapping ErrMalformed when the body cannot be parsed.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte, signatureHeader string) (Result, error) {
	start := time.Now()
	if err := i.verifier.Verify(raw, signatureHeader); err != nil {
		i.metrics.ObserveInbound("unverified", "rejected_signature")
		return Result{}, err
	}
	evt, err := Parse(raw, i.now())
	if err != nil {
		i.metrics.ObserveInbound("unparsed", "malformed")
		return Result{}, err
	}
	defer func() {
		i.metrics.ObserveLatency(string(evt.Type), time.Since(start).Seconds())
	}()

	out, err, _ := i.inflight.Do(evt.DedupeKey, func() (interface{}, error) {
		return i.route(ctx, evt)
	})
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

// route dedupes and dispatches one parsed event. A failed forward releases the
// dedupe key so the provider's retry is processed.
func (i *Ingestor) route(ctx context.Context, evt InboundEvent) (Result, error) {
	res := Result{Type: evt.Type, DedupeKey: evt.DedupeKey}
	seen, err := i.deduper.Seen(ctx, evt.DedupeKey)
	if err != nil {
		i.metrics.ObserveInbound(string(evt.Type), "dedupe_error")
		return Result{}, fmt.Errorf("ingest: dedupe: %w", err)
	}
	if seen {
		i.logger.Info("duplicate webhook ignored", "event", evt.Type, "dedupe_key", evt.DedupeKey)
		i.metrics.ObserveInbound(string(evt.Type), "duplicate")
		res.Duplicate = true
		return res, nil
	}

	switch evt.Type {
	case EventMessageReceived:
		err = i.handleMessage(ctx, evt)
	case EventSessionStatus, EventQRReady, EventAuthFailure:
		i.handleSession(evt)
	default:
		i.logger.Debug("ignoring unknown webhook event", "event", evt.RawType)
		res.Ignored = true
	}
	if err != nil {
		if ferr := i.deduper.Forget(context.WithoutCancel(ctx), evt.DedupeKey); ferr != nil {
			i.logger.Error("failed to release dedupe key", "dedupe_key", evt.DedupeKey, "error", ferr)
		}
		i.metrics.ObserveInbound(string(evt.Type), "forward_error")
		return Result{}, err
	}
	i.metrics.ObserveInbound(string(evt.Type), "accepted")
	return res, nil
}

func (i *Ingestor) handleMessage(ctx context.Context, evt InboundEvent) error {
	if err := i.forwarder.Forward(ctx, evt); err != nil {
		return fmt.Errorf("ingest: forward message: %w", err)
	}
	i.logger.Info("inbound message forwarded", "phone", evt.Phone, "provider_message_id", evt.ProviderMessageID)
	return nil
}

func (i *Ingestor) handleSession(evt InboundEvent) {
	if i.sessions == nil || evt.Session == nil {
		return
	}
	if evt.Type == EventQRReady {
		i.sessions.SetQRCode(evt.Session.QRCode, evt.ReceivedAt)
		return
	}
	i.sessions.Update(evt.Session.State, evt.Session.Detail, evt.ReceivedAt)
	if evt.Session.State == gateway.SessionAuthFailed {
		i.logger.Error("gateway session authentication failed", "detail", evt.Session.Detail)
	} else {
		i.logger.Info("gateway session status", "state", evt.Session.State, "detail", evt.Session.Detail)
	}
}

// IsClientError reports whether err should be answered with a 4xx.
func IsClientError(err error) bool {
	return errors.Is(err, ErrSignature) || errors.Is(err, ErrMalformed)
}
