package conversationworker

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/wolfman30/payreminder/cmd/mainconfig"
	appbootstrap "github.com/wolfman30/payreminder/internal/app/bootstrap"
	appconfig "github.com/wolfman30/payreminder/internal/config"
	"github.com/wolfman30/payreminder/pkg/logging"
)

const shutdownTimeout = 30 * time.Second

// Run starts the SQS conversation consumer and blocks until ctx is canceled.
func Run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) error {
	if cfg == nil {
		return fmt.Errorf("conversation worker requires config")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.UsesQueue() {
		return fmt.Errorf("conversation worker requires CONVERSATION_QUEUE_URL; without it the API processes messages inline")
	}

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	app, err := appbootstrap.Build(ctx, cfg, awsConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to release worker resources", "error", err)
		}
	}()

	queue := NewSQSQueue(sqs.NewFromConfig(awsConfig), cfg.ConversationQueueURL)
	consumer := NewConsumer(queue, app.Orchestrator, logger, WithWorkerCount(cfg.WorkerCount))
	consumer.Start(ctx)
	logger.Info("conversation worker started", "workers", cfg.WorkerCount, "queue_url", cfg.ConversationQueueURL)

	<-ctx.Done()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		consumer.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		if err := app.Shutdown(doneCtx); err != nil {
			logger.Error("conversation lanes did not drain", "error", err)
		}
		logger.Info("conversation worker stopped")
	case <-doneCtx.Done():
		logger.Error("conversation worker shutdown timed out", "error", doneCtx.Err())
	}

	return nil
}
