// Command tutordesk runs the notification delivery service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bissquit/tutordesk/internal/app"
	"github.com/bissquit/tutordesk/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (default $TUTORDESK_CONFIG)")
	flag.Parse()

	if err := run(config.Path(*configPath)); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	select {
	case err = <-errCh:
		slog.Error("server stopped unexpectedly", "error", err)
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if shutdownErr := application.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Error("shutdown error", "error", shutdownErr)
		if err == nil {
			err = shutdownErr
		}
	}

	return err
}
