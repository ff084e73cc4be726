package conversationworker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/payreminder/internal/config"
	"github.com/wolfman30/payreminder/internal/conversation"
	"github.com/wolfman30/payreminder/internal/gateway"
	"github.com/wolfman30/payreminder/internal/ingest"
	"github.com/wolfman30/payreminder/pkg/logging"
)

type fakeQueue struct {
	mu       sync.Mutex
	pending  []queueMessage
	deleted  []string
	failOnce bool
	drained  chan struct{}
}

func newFakeQueue(msgs ...queueMessage) *fakeQueue {
	return &fakeQueue{pending: msgs, drained: make(chan struct{})}
}

func (q *fakeQueue) Receive(ctx context.Context, maxMessages int, _ int) ([]queueMessage, error) {
	q.mu.Lock()
	if q.failOnce {
		q.failOnce = false
		q.mu.Unlock()
		return nil, errors.New("throttled")
	}
	if len(q.pending) == 0 {
		q.mu.Unlock()
		select {
		case <-q.drained:
		default:
			close(q.drained)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	n := maxMessages
	if n > len(q.pending) {
		n = len(q.pending)
	}
	out := q.pending[:n]
	q.pending = q.pending[n:]
	q.mu.Unlock()
	return out, nil
}

func (q *fakeQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *fakeQueue) deletedHandles() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

type recordingProcessor struct {
	mu   sync.Mutex
	seen []conversation.InboundMessage
	fail map[string]bool
}

func (p *recordingProcessor) Process(_ context.Context, msg conversation.InboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, msg)
	if p.fail[msg.ProviderMessageID] {
		return errors.New("store unavailable")
	}
	return nil
}

func queued(t *testing.T, handle string, msg conversation.InboundMessage) queueMessage {
	t.Helper()
	body, err := ingest.EncodeQueued(msg)
	require.NoError(t, err)
	return queueMessage{ID: handle, Body: body, ReceiptHandle: handle}
}

func runUntilDrained(t *testing.T, q *fakeQueue, p processor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := NewConsumer(q, p, logging.New("error"), WithWorkerCount(1), WithReceiveWaitSeconds(0))
	c.Start(ctx)
	select {
	case <-q.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("queue was not drained")
	}
	cancel()
	c.Wait()
}

func TestConsumerDeletesProcessedMessages(t *testing.T) {
	q := newFakeQueue(
		queued(t, "rh-1", conversation.InboundMessage{Phone: "5511999990000", Text: "paguei", ProviderMessageID: "wamid.1"}),
		queued(t, "rh-2", conversation.InboundMessage{Phone: "5511999990001", Text: "oi", ProviderMessageID: "wamid.2"}),
	)
	p := &recordingProcessor{}

	runUntilDrained(t, q, p)

	require.Len(t, p.seen, 2)
	assert.Equal(t, "5511999990000", p.seen[0].Phone)
	assert.Equal(t, []string{"rh-1", "rh-2"}, q.deletedHandles())
}

func TestConsumerLeavesFailedMessagesForRedelivery(t *testing.T) {
	q := newFakeQueue(
		queued(t, "rh-1", conversation.InboundMessage{Phone: "5511999990000", Text: "paguei", ProviderMessageID: "wamid.1"}),
		queued(t, "rh-2", conversation.InboundMessage{Phone: "5511999990000", Text: "ok", ProviderMessageID: "wamid.2"}),
	)
	p := &recordingProcessor{fail: map[string]bool{"wamid.1": true}}

	runUntilDrained(t, q, p)

	assert.Len(t, p.seen, 2)
	assert.Equal(t, []string{"rh-2"}, q.deletedHandles())
}

func TestConsumerDropsUndecodableMessages(t *testing.T) {
	q := newFakeQueue(
		queueMessage{ID: "bad-json", Body: "{", ReceiptHandle: "rh-bad"},
		queueMessage{ID: "no-phone", Body: `{"text":"oi"}`, ReceiptHandle: "rh-nophone"},
	)
	p := &recordingProcessor{}

	runUntilDrained(t, q, p)

	assert.Empty(t, p.seen)
	assert.Equal(t, []string{"rh-bad", "rh-nophone"}, q.deletedHandles())
}

func TestConsumerRecoversFromReceiveErrors(t *testing.T) {
	q := newFakeQueue(queued(t, "rh-1", conversation.InboundMessage{Phone: "5511999990000", Text: "paguei"}))
	q.failOnce = true
	p := &recordingProcessor{}

	runUntilDrained(t, q, p)

	assert.Len(t, p.seen, 1)
	assert.Equal(t, []string{"rh-1"}, q.deletedHandles())
}

type okSender struct{}

func (okSender) Send(context.Context, string, string) (gateway.SendResult, error) {
	return gateway.SendResult{MessageID: "out", Status: "sent"}, nil
}

type confirmClassifier struct{}

func (confirmClassifier) Classify(context.Context, string, []conversation.Message) (conversation.Classification, error) {
	return conversation.Classification{Intent: conversation.IntentPaymentConfirmation, Confidence: 0.9}, nil
}

func TestConsumerAppliesRedeliveredMessageOnce(t *testing.T) {
	msg := conversation.InboundMessage{Phone: "5511999990000", Text: "paguei", ProviderMessageID: "wamid.9"}
	q := newFakeQueue(queued(t, "rh-1", msg), queued(t, "rh-1-again", msg))
	orch := conversation.New(confirmClassifier{}, okSender{}, conversation.Config{}, logging.New("error"))

	runUntilDrained(t, q, orch)

	conv, err := orch.Get(context.Background(), msg.Phone)
	require.NoError(t, err)
	assert.Equal(t, conversation.StateConfirmed, conv.State)
	assert.Len(t, conv.Messages, 2)
	assert.Equal(t, []string{"rh-1", "rh-1-again"}, q.deletedHandles())
}

func TestConsumerOptionsClamp(t *testing.T) {
	c := NewConsumer(newFakeQueue(), &recordingProcessor{}, nil,
		WithWorkerCount(0), WithReceiveWaitSeconds(60), WithReceiveBatchSize(50))
	assert.Equal(t, defaultWorkerCount, c.cfg.workers)
	assert.Equal(t, maxWaitSeconds, c.cfg.receiveWaitSecs)
	assert.Equal(t, maxReceiveBatchSize, c.cfg.receiveBatchSize)

	assert.Panics(t, func() { NewConsumer(nil, &recordingProcessor{}, nil) })
	assert.Panics(t, func() { NewConsumer(newFakeQueue(), nil, nil) })
}

type stubSQS struct {
	receiveInput *sqs.ReceiveMessageInput
	deleteInput  *sqs.DeleteMessageInput
	err          error
}

func (s *stubSQS) ReceiveMessage(_ context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	s.receiveInput = params
	if s.err != nil {
		return nil, s.err
	}
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{{
		MessageId:     aws.String("m-1"),
		Body:          aws.String(`{"phone":"5511999990000"}`),
		ReceiptHandle: aws.String("rh-1"),
		Attributes:    map[string]string{"MessageGroupId": "5511999990000"},
	}}}, nil
}

func (s *stubSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	s.deleteInput = params
	if s.err != nil {
		return nil, s.err
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueue(t *testing.T) {
	client := &stubSQS{}
	q := NewSQSQueue(client, "https://sqs.local/conversations.fifo")

	msgs, err := q.Receive(context.Background(), 5, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, queueMessage{ID: "m-1", Body: `{"phone":"5511999990000"}`, ReceiptHandle: "rh-1", GroupID: "5511999990000"}, msgs[0])
	assert.Equal(t, int32(5), client.receiveInput.MaxNumberOfMessages)
	assert.Equal(t, int32(20), client.receiveInput.WaitTimeSeconds)

	require.NoError(t, q.Delete(context.Background(), "rh-1"))
	assert.Equal(t, "rh-1", aws.ToString(client.deleteInput.ReceiptHandle))

	client.deleteInput = nil
	require.NoError(t, q.Delete(context.Background(), ""))
	assert.Nil(t, client.deleteInput)

	client.err = errors.New("boom")
	_, err = q.Receive(context.Background(), 1, 0)
	assert.Error(t, err)
	assert.Error(t, q.Delete(context.Background(), "rh-2"))

	assert.Panics(t, func() { NewSQSQueue(nil, "url") })
	assert.Panics(t, func() { NewSQSQueue(client, "") })
}

func TestRunRequiresQueue(t *testing.T) {
	assert.Error(t, Run(context.Background(), nil, nil))
	assert.Error(t, Run(context.Background(), &appconfig.Config{}, logging.New("error")))
}
