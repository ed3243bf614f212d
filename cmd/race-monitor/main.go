// race-monitor runs the scheduled-start and deadline monitor as a
// standalone process.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/striderace/server/pkg/bootstrap"
	"github.com/striderace/server/pkg/infrastructure/sentry"
	"github.com/striderace/server/pkg/race"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.NewService(ctx)
	if err != nil {
		slog.Error("Bootstrap failed", "error", err)
		os.Exit(1)
	}

	logger := bootstrap.NewLogger("race-monitor")
	defer sentry.RecoverAndCapture(logger)

	lifecycle := race.NewLifecycle(svc.DB, svc.Pub, svc.Notify, logger)
	monitor := race.NewMonitor(svc.DB, lifecycle, logger)

	monitor.Run(ctx)

	sentry.Flush(2 * time.Second)
}
