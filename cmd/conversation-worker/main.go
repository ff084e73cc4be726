package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	appconfig "github.com/wolfman30/payreminder/internal/config"
	conversationworker "github.com/wolfman30/payreminder/internal/worker/conversation"
	"github.com/wolfman30/payreminder/pkg/logging"
)

func main() {
	cfg := appconfig.Load()
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := conversationworker.Run(ctx, cfg, logger); err != nil {
		logger.Error("conversation worker failed", "error", err)
		os.Exit(1)
	}
}
