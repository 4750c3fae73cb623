package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/antoniostano/callrelay/internal/agent"
	"github.com/antoniostano/callrelay/internal/calls"
	"github.com/antoniostano/callrelay/internal/config"
	"github.com/antoniostano/callrelay/internal/httpapi"
	"github.com/antoniostano/callrelay/internal/observability"
	"github.com/antoniostano/callrelay/internal/session"
	"github.com/antoniostano/callrelay/internal/twilio"
)

const (
	sessionRetention = 2 * time.Minute
	drainTimeout     = 5 * time.Second
)

func main() {
	// Config decides the real level and format; until then log JSON at info.
	boot := observability.NewLogger("callrelay", "info", "json")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		boot.Fatal().Err(err).Msg("callrelay exited")
	}
}

// run serves until ctx is cancelled, then shuts the HTTP server down and
// waits for open media streams to finish.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger("callrelay", cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	callStore, err := calls.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init call store: %w", err)
	}
	defer callStore.Close()

	twilioClient, err := twilio.New(twilio.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		BaseURL:    cfg.TwilioAPIBaseURL,
	})
	if err != nil {
		return fmt.Errorf("init twilio client: %w", err)
	}

	dialer := agent.NewElevenLabsDialer(agent.Config{
		AgentID:    cfg.ElevenLabsAgentID,
		APIKey:     cfg.ElevenLabsAPIKey,
		WSBaseURL:  cfg.ElevenLabsWSBaseURL,
		APIBaseURL: cfg.ElevenLabsAPIBaseURL,
	})

	sessions := session.NewManager(sessionRetention)
	sessions.SetChangeHook(metrics.SetActiveSessions)

	api := httpapi.New(cfg, httpapi.Deps{
		Logger:   logger,
		Sessions: sessions,
		Calls:    callStore,
		Provider: twilioClient,
		Dialer:   dialer,
		Metrics:  metrics,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 15*time.Second)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Media stream handlers outlive Shutdown once hijacked; runCtx ends them.
		BaseContext: func(net.Listener) context.Context { return runCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr()).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	runCancel()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := api.Drain(drainCtx); err != nil {
		logger.Warn().Err(err).Int("active_sessions", sessions.ActiveCount()).Msg("media streams still open at exit")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
