// Package conversation runs the per-phone payment conversation state machine.
package conversation

import (
	"context"
	"errors"
	"time"
)

// State is a conversation lifecycle state.
type State string

const (
	StateNew            State = "NEW"
	StateAwaitingIntent State = "AWAITING_INTENT"
	StateNegotiating    State = "NEGOTIATING"
	StateConfirmed      State = "CONFIRMED"
	StateEscalated      State = "ESCALATED"
	StateClosed         State = "CLOSED"
)

// Direction of a message relative to us.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

const (
	IntentPaymentConfirmation = "confirmacao_pagamento"
	IntentNegotiation         = "negociacao"
)

// Entity keys a classifier may return.
const (
	EntityAmount = "amount"
	EntityDate   = "date"
)

const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

var ErrNotFound = errors.New("conversation: not found")

// Message is one entry of the append-only history.
type Message struct {
	Direction         Direction `json:"direction"`
	Text              string    `json:"text"`
	Timestamp         time.Time `json:"timestamp"`
	Intent            string    `json:"intent,omitempty"`
	Confidence        *float64  `json:"confidence,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	DeliveryStatus    string    `json:"delivery_status,omitempty"`
}

// Context holds the facts accumulated for one phone.
type Context struct {
	ClientID                 string     `json:"client_id,omitempty"`
	ClientName               string     `json:"client_name,omitempty"`
	AmountDueCents           *int64     `json:"amount_due_cents,omitempty"`
	DueDate                  *time.Time `json:"due_date,omitempty"`
	PaymentConfirmed         bool       `json:"payment_confirmed"`
	LastAmountMentionedCents *int64     `json:"last_amount_mentioned_cents,omitempty"`
	PromisedDate             *time.Time `json:"promised_date,omitempty"`
	LastIntent               string     `json:"last_intent,omitempty"`
	LastConfidence           *float64   `json:"last_confidence,omitempty"`
	EscalationReason         string     `json:"escalation_reason,omitempty"`
	ClosedReason             string     `json:"closed_reason,omitempty"`
}

// Conversation is keyed by phone.
type Conversation struct {
	Phone     string    `json:"phone"`
	State     State     `json:"state"`
	Context   Context   `json:"context"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		if m.Confidence != nil {
			v := *m.Confidence
			m.Confidence = &v
		}
		out.Messages[i] = m
	}
	out.Context = c.Context.clone()
	return out
}

func (c Context) clone() Context {
	out := c
	if c.AmountDueCents != nil {
		v := *c.AmountDueCents
		out.AmountDueCents = &v
	}
	if c.DueDate != nil {
		v := *c.DueDate
		out.DueDate = &v
	}
	if c.LastAmountMentionedCents != nil {
		v := *c.LastAmountMentionedCents
		out.LastAmountMentionedCents = &v
	}
	if c.PromisedDate != nil {
		v := *c.PromisedDate
		out.PromisedDate = &v
	}
	if c.LastConfidence != nil {
		v := *c.LastConfidence
		out.LastConfidence = &v
	}
	return out
}

// InboundMessage is a normalized chat message from a client.
type InboundMessage struct {
	Phone             string    `json:"phone"`
	Text              string    `json:"text"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	DedupeKey         string    `json:"dedupe_key,omitempty"`
	ReceivedAt        time.Time `json:"received_at"`
}

// Classification is the classifier verdict for one inbound message.
type Classification struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Entities   map[string]string `json:"entities,omitempty"`
}

// Classifier labels an inbound message given the recent history.
type Classifier interface {
	Classify(ctx context.Context, text string, history []Message) (Classification, error)
}

// Escalation is sent to operators when a conversation needs a human.
type Escalation struct {
	Phone       string
	ClientName  string
	Reason      string
	LastMessage string
	At          time.Time
}

// EscalationNotifier alerts operators.
type EscalationNotifier interface {
	NotifyEscalation(ctx context.Context, e Escalation) error
}
