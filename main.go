package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/logriverlabs/logriver/runner"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := runner.New().Run(ctx)
	cancel()
	os.Exit(exitCode)
}
