// prdpilot is a terminal client for co-authoring a PRD with the agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ashureev/prdpilot/internal/auth"
	"github.com/ashureev/prdpilot/internal/config"
	"github.com/ashureev/prdpilot/internal/httpapi"
	"github.com/ashureev/prdpilot/internal/netwatch"
	"github.com/ashureev/prdpilot/internal/session"
	"github.com/ashureev/prdpilot/internal/store"
	"github.com/ashureev/prdpilot/internal/tui"
	"github.com/ashureev/prdpilot/internal/wsagent"
)

func main() {
	resume := flag.String("resume", "", "resume the saved conversation for this chat id")
	flag.Parse()

	if err := run(*resume); err != nil {
		fmt.Fprintln(os.Stderr, "prdpilot:", err)
		os.Exit(1)
	}
}

func run(resumeChatID string) error {
	dotenv := config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// The terminal belongs to the UI, so logs go to a file.
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()

	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	dotenv.Log(logger)
	slog.Info("Starting prdpilot", "api_base", cfg.APIBase, "ws_base", cfg.WSBase, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	store.StartSnapshotSweeper(ctx, repo, cfg.SnapshotTTL, store.SnapshotSweepInterval)

	tokens := auth.NewTokenStore(repo, nil, logger)
	api, err := httpapi.New(cfg.APIBase, tokens, httpapi.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create API client: %w", err)
	}

	refresher := auth.NewRefresher(tokens, api.RefreshTokens, nil, logger)
	refresher.Start(ctx)
	defer refresher.Stop()

	sess := session.New(session.Deps{
		API: api,
		NewProtocol: func(chatID string) session.Protocol {
			return wsagent.New(chatID, wsagent.Options{
				Reconnect:  cfg.Reconnect,
				MaxBackoff: cfg.MaxBackoff,
				BaseURL:    cfg.WSBase,
				Tokens:     tokens,
				Logger:     logger,
			})
		},
		Logger: logger,
	})
	defer sess.Close()

	probe, err := netwatch.DialProbe(cfg.APIBase, netwatch.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("failed to create connectivity probe: %w", err)
	}
	monitor := netwatch.New(probe, netwatch.DefaultInterval, sess.SetOnline, nil, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	app := &tui.App{
		Session:  sess,
		Accounts: api,
		Repo:     repo,
		Logger:   logger,
		OnLogin:  func() { refresher.Start(ctx) },
		OnLogout: refresher.Stop,
	}
	if resumeChatID != "" {
		if _, err := app.Execute(ctx, tui.Command{Kind: tui.KindResume, Name: "resume", Args: []string{resumeChatID}}); err != nil {
			return err
		}
	}

	p := tea.NewProgram(tui.NewModel(ctx, app), tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("terminal UI failed: %w", err)
	}

	if err := app.Persist(context.Background()); err != nil {
		slog.Warn("Failed to persist conversation on exit", "error", err)
	}
	slog.Info("prdpilot stopped")
	return nil
}
