// prdpilot-devserver is a scripted stand-in for the PRD agent backend,
// for local development and demos.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/prdpilot/internal/config"
	"github.com/ashureev/prdpilot/internal/devserver"
)

func main() {
	dotenv := config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.DevServer.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)
	dotenv.Log(logger)

	srv := devserver.New(devserver.Options{
		AllowedOrigins: cfg.DevServer.AllowedOrigins,
		TokenDelay:     30 * time.Millisecond,
		TurnLimit:      cfg.DevServer.TurnLimit,
		LogRequests:    true,
		Logger:         logger,
	})

	// Streaming sockets stay open, so there is no write timeout.
	httpSrv := &http.Server{
		Addr:         ":" + cfg.DevServer.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Dev server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	srv.DropConnections()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
