// Package daemon wires the process together: the in-memory store, the
// tracker and agent clients, the HTTP gateway, and the session sweep.
// All state dies with the process, so the daemon must stay up for the CLI
// to have anything to talk to.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"scopeflow/internal/agent"
	"scopeflow/internal/config"
	"scopeflow/internal/gateway"
	"scopeflow/internal/httputil"
	"scopeflow/internal/reposync"
	"scopeflow/internal/session"
	"scopeflow/internal/store"
)

// Run starts the daemon and blocks until SIGINT/SIGTERM.
func Run(cfg *config.Config) error {
	st, err := store.Open()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	httpClient := httputil.NewClient(cfg.HTTPTimeout())
	agentClient := agent.NewClient(cfg.Agent.BaseURL, cfg.Agent.APIKey, httpClient)

	repos := reposync.New(st, cfg.Tracker.BaseURL, httpClient)
	sessions := session.New(st, agentClient, cfg.Tracker.BaseURL, httpClient)
	sessions.SetTTL(cfg.SessionTTL())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Startup sweep, then the scheduled one.
	if _, err := sessions.CleanupExpired(ctx); err != nil {
		slog.Error("startup sweep", "err", err)
	}
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Session.SweepSchedule, func() {
		if _, err := sessions.CleanupExpired(context.Background()); err != nil {
			slog.Error("session sweep", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Session.SweepSchedule, err)
	}
	sweeper.Start()

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      gateway.NewServer(st, repos, sessions),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("daemon started", "sweep_schedule", cfg.Session.SweepSchedule, "session_ttl", cfg.Session.TTL)

	select {
	case err := <-errCh:
		sweeper.Stop()
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutdown signal received, stopping...")

	// Force-exit on second signal.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Error("second signal received, forcing exit")
		os.Exit(1)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown timed out, forcing exit", "err", err)
		os.Exit(1)
	}
	<-sweeper.Stop().Done()
	slog.Info("daemon stopped")
	return nil
}
