package conversationworker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/payreminder/internal/conversation"
	"github.com/wolfman30/payreminder/internal/ingest"
	"github.com/wolfman30/payreminder/pkg/logging"
)

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 20
	defaultBatchSize     = 5
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
	maxReceiveBackoff    = 5 * time.Second
)

type processor interface {
	Process(ctx context.Context, msg conversation.InboundMessage) error
}

type consumerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

// ConsumerOption tunes polling.
type ConsumerOption func(*consumerConfig)

func WithWorkerCount(count int) ConsumerOption {
	return func(cfg *consumerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

func WithReceiveWaitSeconds(seconds int) ConsumerOption {
	return func(cfg *consumerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

func WithReceiveBatchSize(size int) ConsumerOption {
	return func(cfg *consumerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// Consumer long-polls the conversation queue and hands each message to the
// orchestrator. A message is deleted once processed or once it is found to be
// undecodable; processing failures leave it for redelivery.
type Consumer struct {
	queue     queueClient
	processor processor
	logger    *logging.Logger
	cfg       consumerConfig
	wg        sync.WaitGroup
}

func NewConsumer(queue queueClient, p processor, logger *logging.Logger, opts ...ConsumerOption) *Consumer {
	if queue == nil {
		panic("conversationworker: queue cannot be nil")
	}
	if p == nil {
		panic("conversationworker: processor cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := consumerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Consumer{
		queue:     queue,
		processor: p,
		logger:    logger.Component("conversation-worker"),
		cfg:       cfg,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.cfg.workers; i++ {
		c.wg.Add(1)
		go c.run(ctx, i+1)
	}
}

func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) run(ctx context.Context, workerID int) {
	defer c.wg.Done()
	c.logger.Debug("conversation worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("conversation worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := c.queue.Receive(ctx, c.cfg.receiveBatchSize, c.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to receive conversation messages", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxReceiveBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg queueMessage) {
	inbound, err := ingest.DecodeQueued(msg.Body)
	if err != nil {
		c.logger.Error("dropping undecodable conversation message", "error", err, "msg_id", msg.ID)
		c.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	if err := c.processor.Process(ctx, inbound); err != nil {
		// Left on the queue; SQS redelivers after the visibility timeout and
		// the orchestrator skips provider ids it already applied.
		c.logger.Error("failed to process conversation message", "error", err,
			"msg_id", msg.ID, "phone", inbound.Phone, "provider_message_id", inbound.ProviderMessageID)
		return
	}
	c.deleteMessage(context.Background(), msg.ReceiptHandle)
}

func (c *Consumer) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := c.queue.Delete(deleteCtx, receiptHandle); err != nil {
		c.logger.Error("failed to delete conversation message", "error", err)
	}
}
