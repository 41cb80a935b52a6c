package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/armor-analytics/stakedsold/app/stakedsold"
	"github.com/armor-analytics/stakedsold/pkg/pipelineerr"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := stakedsold.Initialize(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initialize:", err)
		os.Exit(1)
	}

	report, err := app.Run(ctx)
	if err != nil {
		app.Logger.Error("Run failed", zap.String("stage", pipelineerr.Stage(err)), zap.Error(err))
		_ = app.Close()
		os.Exit(1)
	}
	if err := app.Close(); err != nil {
		app.Logger.Warn("Close failed", zap.Error(err))
	}

	fmt.Printf("Loaded %d rows.\n", report.TableRows)
}
