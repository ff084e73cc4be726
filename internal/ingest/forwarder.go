package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/payreminder/internal/conversation"
)

// Forwarder hands an inbound chat message to the conversation layer.
type Forwarder interface {
	Forward(ctx context.Context, evt InboundEvent) error
}

type submitter interface {
	Submit(ctx context.Context, msg conversation.InboundMessage) error
}

// OrchestratorForwarder submits directly to an in-process orchestrator.
type OrchestratorForwarder struct {
	orchestrator submitter
}

func NewOrchestratorForwarder(o submitter) *OrchestratorForwarder {
	if o == nil {
		panic("ingest: orchestrator required")
	}
	return &OrchestratorForwarder{orchestrator: o}
}

func (f *OrchestratorForwarder) Forward(ctx context.Context, evt InboundEvent) error {
	return f.orchestrator.Submit(ctx, evt.Message())
}

// Message converts a message-received event for the orchestrator.
func (e InboundEvent) Message() conversation.InboundMessage {
	return conversation.InboundMessage{
		Phone:             e.Phone,
		Text:              e.Text,
		ProviderMessageID: e.ProviderMessageID,
		DedupeKey:         e.DedupeKey,
		ReceivedAt:        e.ReceivedAt,
	}
}

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSForwarder publishes messages to a FIFO queue grouped by phone so one
// consumer sees a phone's messages in order.
type SQSForwarder struct {
	client   sqsSender
	queueURL string
}

func NewSQSForwarder(client sqsSender, queueURL string) *SQSForwarder {
	if client == nil {
		panic("ingest: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("ingest: SQS queueURL cannot be empty")
	}
	return &SQSForwarder{client: client, queueURL: queueURL}
}

func (f *SQSForwarder) Forward(ctx context.Context, evt InboundEvent) error {
	body, err := EncodeQueued(evt.Message())
	if err != nil {
		return err
	}
	_, err = f.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(f.queueURL),
		MessageBody:            aws.String(body),
		MessageGroupId:         aws.String(evt.Phone),
		MessageDeduplicationId: aws.String(queueDedupeID(evt.DedupeKey)),
	})
	if err != nil {
		return fmt.Errorf("ingest: failed to send SQS message: %w", err)
	}
	return nil
}

// EncodeQueued serializes a message for the conversation queue.
func EncodeQueued(msg conversation.InboundMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("ingest: failed to encode queued message: %w", err)
	}
	return string(body), nil
}

// DecodeQueued parses a body produced by EncodeQueued.
func DecodeQueued(body string) (conversation.InboundMessage, error) {
	var msg conversation.InboundMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return conversation.InboundMessage{}, fmt.Errorf("ingest: failed to decode queued message: %w", err)
	}
	if msg.Phone == "" {
		return conversation.InboundMessage{}, fmt.Errorf("ingest: queued message missing phone")
	}
	return msg, nil
}

// SQS deduplication ids are limited to 128 characters.
func queueDedupeID(key string) string {
	if len(key) <= 128 {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
