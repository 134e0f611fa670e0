package runtime

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SetupGracefulShutdown cancels the returned context on the first SIGINT or
// SIGTERM. Call stop to release the signal handler.
func SetupGracefulShutdown(parent context.Context, logger *slog.Logger) (ctx context.Context, stop func()) {
	return watchSignals(parent, logger, syscall.SIGINT, syscall.SIGTERM)
}

func watchSignals(parent context.Context, logger *slog.Logger, sigs ...os.Signal) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)
	go func() {
		select {
		case s := <-sigCh:
			logger.Info("received signal, shutting down", "signal", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
