package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/payreminder/internal/clients"
	"github.com/wolfman30/payreminder/internal/gateway"
	"github.com/wolfman30/payreminder/internal/observability/metrics"
	"github.com/wolfman30/payreminder/internal/templates"
	"github.com/wolfman30/payreminder/pkg/logging"
)

// Config holds orchestrator policy.
type Config struct {
	// ConfidenceThreshold below which a classification escalates.
	ConfidenceThreshold float64
	ClassifierTimeout   time.Duration
	ReplyTimeout        time.Duration
	// HistoryWindow is how many prior messages the classifier sees.
	HistoryWindow int
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.ClassifierTimeout <= 0 {
		c.ClassifierTimeout = 10 * time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 20 * time.Second
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 6
	}
	return c
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithStore(store Store) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.store = store
		}
	}
}

func WithReplies(replies ReplySet) Option {
	return func(o *Orchestrator) {
		o.replies = replies
	}
}

func WithRenderer(r *templates.Renderer) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.renderer = r
		}
	}
}

func WithEscalationNotifier(n EscalationNotifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

func WithMetrics(m *metrics.ConversationMetrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator owns every conversation. All mutations of one phone run on
// that phone's lane, in submission order; different phones run in parallel.
type Orchestrator struct {
	classifier Classifier
	sender     gateway.Sender
	store      Store
	replies    ReplySet
	renderer   *templates.Renderer
	notifier   EscalationNotifier
	metrics    *metrics.ConversationMetrics
	logger     *logging.Logger
	cfg        Config
	now        func() time.Time
	lanes      *keyedQueue
}

func New(classifier Classifier, sender gateway.Sender, cfg Config, logger *logging.Logger, opts ...Option) *Orchestrator {
	if classifier == nil {
		panic("conversation: classifier cannot be nil")
	}
	if sender == nil {
		panic("conversation: sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	o := &Orchestrator{
		classifier: classifier,
		sender:     sender,
		store:      NewMemoryStore(),
		replies:    DefaultReplies(),
		renderer:   templates.NewRenderer(templates.WithCurrencySymbol("R$")),
		logger:     logger.Component("conversation"),
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.lanes = newKeyedQueue(func(key string, recovered any) {
		o.logger.Error("conversation task failed", "phone", key, "error", panicError(recovered))
	})
	return o
}

// Submit queues an inbound message on its phone's lane and returns without
// waiting for it to be processed.
func (o *Orchestrator) Submit(ctx context.Context, msg InboundMessage) error {
	if strings.TrimSpace(msg.Phone) == "" {
		return errors.New("conversation: inbound message missing phone")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	detached := context.WithoutCancel(ctx)
	o.lanes.enqueue(msg.Phone, func() {
		if err := o.handleInbound(detached, msg); err != nil {
			o.logger.Error("failed to process inbound message", "phone", msg.Phone, "error", err)
		}
	})
	return nil
}

// Process handles an inbound message on its phone's lane and waits for the
// outcome. Queue consumers acknowledge a message only after Process succeeds.
func (o *Orchestrator) Process(ctx context.Context, msg InboundMessage) error {
	_, err := o.runOnLane(ctx, msg.Phone, func(lctx context.Context) (Conversation, error) {
		return Conversation{}, o.handleInbound(lctx, msg)
	})
	return err
}

// Close moves a conversation to CLOSED. Closing twice is a no-op.
func (o *Orchestrator) Close(ctx context.Context, phone, reason string) (Conversation, error) {
	return o.runOnLane(ctx, phone, func(lctx context.Context) (Conversation, error) {
		conv, err := o.store.Load(lctx, phone)
		if err != nil {
			return Conversation{}, err
		}
		if conv.State == StateClosed {
			return conv, nil
		}
		from := conv.State
		conv.State = StateClosed
		conv.Context.ClosedReason = strings.TrimSpace(reason)
		conv.UpdatedAt = o.now().UTC()
		if err := o.store.Save(lctx, conv, nil); err != nil {
			return Conversation{}, err
		}
		o.metrics.ObserveTransition(string(from), string(StateClosed))
		o.logger.Info("conversation closed", "phone", phone, "from", from, "reason", conv.Context.ClosedReason)
		return conv, nil
	})
}

// RecordOutbound appends a delivered reminder and seeds the context with the
// client's billing facts.
func (o *Orchestrator) RecordOutbound(ctx context.Context, rec clients.Record, text string, res gateway.SendResult) error {
	_, err := o.runOnLane(ctx, rec.Phone, func(lctx context.Context) (Conversation, error) {
		now := o.now().UTC()
		conv, err := o.loadOrCreate(lctx, rec.Phone, now)
		if err != nil {
			return Conversation{}, err
		}
		conv.Context.ClientID = rec.ID
		conv.Context.ClientName = rec.Name
		amount := rec.AmountCents
		conv.Context.AmountDueCents = &amount
		if rec.DueDate != nil {
			due := *rec.DueDate
			conv.Context.DueDate = &due
		}
		from := conv.State
		if conv.State == StateNew {
			conv.State = StateAwaitingIntent
		}
		out := Message{
			Direction:         DirectionOut,
			Text:              text,
			Timestamp:         now,
			ProviderMessageID: res.MessageID,
			DeliveryStatus:    DeliverySent,
		}
		conv.Messages = append(conv.Messages, out)
		conv.UpdatedAt = now
		if err := o.store.Save(lctx, conv, []Message{out}); err != nil {
			return Conversation{}, err
		}
		if from != conv.State {
			o.metrics.ObserveTransition(string(from), string(conv.State))
		}
		return conv, nil
	})
	return err
}

// Get returns the stored conversation for phone.
func (o *Orchestrator) Get(ctx context.Context, phone string) (Conversation, error) {
	return o.store.Load(ctx, phone)
}

// Wait blocks until every lane is idle.
func (o *Orchestrator) Wait() {
	o.lanes.wait()
}

func (o *Orchestrator) runOnLane(ctx context.Context, phone string, fn func(context.Context) (Conversation, error)) (Conversation, error) {
	if strings.TrimSpace(phone) == "" {
		return Conversation{}, errors.New("conversation: phone required")
	}
	type result struct {
		conv Conversation
		err  error
	}
	done := make(chan result, 1)
	detached := context.WithoutCancel(ctx)
	o.lanes.enqueue(phone, func() {
		conv, err := fn(detached)
		done <- result{conv: conv, err: err}
	})
	select {
	case r := <-done:
		return r.conv, r.err
	case <-ctx.Done():
		return Conversation{}, ctx.Err()
	}
}

func (o *Orchestrator) loadOrCreate(ctx context.Context, phone string, now time.Time) (Conversation, error) {
	conv, err := o.store.Load(ctx, phone)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, err
	}
	return Conversation{Phone: phone, State: StateNew, CreatedAt: now, UpdatedAt: now}, nil
}

func (o *Orchestrator) handleInbound(ctx context.Context, msg InboundMessage) error {
	ctx, span := tracer.Start(ctx, "conversation.inbound")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.phone", msg.Phone))

	now := o.now().UTC()
	conv, err := o.loadOrCreate(ctx, msg.Phone, now)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if msg.ProviderMessageID != "" && hasProviderMessage(conv, msg.ProviderMessageID) {
		o.logger.Info("inbound message already applied", "phone", msg.Phone, "provider_message_id", msg.ProviderMessageID)
		return nil
	}

	received := msg.ReceivedAt
	if received.IsZero() {
		received = now
	}
	in := Message{
		Direction:         DirectionIn,
		Text:              msg.Text,
		Timestamp:         received.UTC(),
		ProviderMessageID: msg.ProviderMessageID,
	}

	if conv.State == StateClosed {
		conv.Messages = append(conv.Messages, in)
		conv.UpdatedAt = now
		o.logger.Info("message on closed conversation recorded without reply", "phone", msg.Phone)
		return o.store.Save(ctx, conv, []Message{in})
	}

	history := recent(conv.Messages, o.cfg.HistoryWindow)
	cls, clsErr := o.classify(ctx, msg.Text, history)

	from := conv.State
	next, reason := o.transition(&conv, &in, cls, clsErr, now)
	conv.State = next
	conv.Messages = append(conv.Messages, in)
	span.SetAttributes(attribute.String("conversation.from", string(from)), attribute.String("conversation.to", string(next)))

	text := o.replies.render(o.renderer, next, conv.Context)
	out := o.sendReply(ctx, msg.Phone, text, next)
	conv.Messages = append(conv.Messages, out)
	conv.UpdatedAt = o.now().UTC()

	if err := o.store.Save(ctx, conv, []Message{in, out}); err != nil {
		span.RecordError(err)
		return err
	}
	o.metrics.ObserveTransition(string(from), string(next))
	o.logger.Info("conversation advanced", "phone", msg.Phone, "from", from, "to", next,
		"intent", cls.Intent, "confidence", cls.Confidence)

	if next == StateEscalated && from != StateEscalated && o.notifier != nil {
		o.notifyEscalation(ctx, conv, reason, msg.Text)
	}
	return nil
}

func (o *Orchestrator) classify(ctx context.Context, text string, history []Message) (Classification, error) {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.ClassifierTimeout)
	defer cancel()
	start := time.Now()
	cls, err := o.classifier.Classify(cctx, text, history)
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
	}
	o.metrics.ObserveClassifier(result, time.Since(start).Seconds())
	return cls, err
}

// transition applies the classifier verdict to conv and in and returns the
// next state plus an escalation reason when escalating.
func (o *Orchestrator) transition(conv *Conversation, in *Message, cls Classification, clsErr error, now time.Time) (State, string) {
	if clsErr != nil {
		reason := fmt.Sprintf("classifier unavailable: %v", clsErr)
		conv.Context.EscalationReason = reason
		o.logger.Warn("classifier failed, escalating", "phone", conv.Phone, "error", clsErr)
		return StateEscalated, reason
	}

	confidence := cls.Confidence
	in.Intent = cls.Intent
	in.Confidence = &confidence
	conv.Context.LastIntent = cls.Intent
	conv.Context.LastConfidence = &confidence

	if confidence < o.cfg.ConfidenceThreshold {
		reason := fmt.Sprintf("low confidence %.2f for intent %q", confidence, cls.Intent)
		conv.Context.EscalationReason = reason
		return StateEscalated, reason
	}

	switch cls.Intent {
	case IntentPaymentConfirmation:
		conv.Context.PaymentConfirmed = true
		return StateConfirmed, ""
	case IntentNegotiation:
		if raw, ok := cls.Entities[EntityAmount]; ok {
			if cents, ok := parseAmountCents(raw); ok {
				conv.Context.LastAmountMentionedCents = &cents
			}
		}
		if raw, ok := cls.Entities[EntityDate]; ok {
			if date, ok := parseDate(raw, now); ok {
				conv.Context.PromisedDate = &date
			}
		}
		return StateNegotiating, ""
	default:
		return StateAwaitingIntent, ""
	}
}

func (o *Orchestrator) sendReply(ctx context.Context, phone, text string, state State) Message {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.ReplyTimeout)
	defer cancel()
	out := Message{Direction: DirectionOut, Text: text, DeliveryStatus: DeliverySent}
	res, err := o.sender.Send(sctx, phone, text)
	out.Timestamp = o.now().UTC()
	if err != nil {
		out.DeliveryStatus = DeliveryFailed
		o.logger.Warn("reply send failed", "phone", phone, "state", state, "error", err)
	} else {
		out.ProviderMessageID = res.MessageID
	}
	o.metrics.ObserveReply(string(state), out.DeliveryStatus)
	return out
}

func (o *Orchestrator) notifyEscalation(ctx context.Context, conv Conversation, reason, lastMessage string) {
	e := Escalation{
		Phone:       conv.Phone,
		ClientName:  conv.Context.ClientName,
		Reason:      reason,
		LastMessage: lastMessage,
		At:          conv.UpdatedAt,
	}
	if err := o.notifier.NotifyEscalation(ctx, e); err != nil {
		o.logger.Warn("escalation notification failed", "phone", conv.Phone, "error", err)
	}
}

func recent(messages []Message, n int) []Message {
	if len(messages) <= n {
		return append([]Message(nil), messages...)
	}
	return append([]Message(nil), messages[len(messages)-n:]...)
}

func hasProviderMessage(conv Conversation, id string) bool {
	for _, m := range conv.Messages {
		if m.Direction == DirectionIn && m.ProviderMessageID == id {
			return true
		}
	}
	return false
}
