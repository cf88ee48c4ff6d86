package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lucasmed.com/chat-engine/internal/api"
	"lucasmed.com/chat-engine/internal/auth"
	"lucasmed.com/chat-engine/internal/config"
	"lucasmed.com/chat-engine/internal/logger"
	"lucasmed.com/chat-engine/internal/relay"
	"lucasmed.com/chat-engine/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Serves the streaming relay (POST /api/chat/stream), the non-streaming relay
(POST /api/chat), the conversation log (GET/POST /api/messages) and its live
tail (GET /api/messages/live). Prometheus metrics are at /metrics.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err := cfg.RequireJWTSecret(); err != nil {
		return err
	}
	issuer, err := auth.NewIssuer(cfg.JWTSecret, auth.DefaultTTL)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// Without Redis, live-tail signals stay within this process.
	var notifier store.Notifier
	if cfg.RedisURL != "" {
		redisNotifier, err := store.NewRedisNotifier(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisNotifier.Close()
		notifier = redisNotifier
		g.Go(func() error { return redisNotifier.Run(gctx) })
	}

	// Initialize database store
	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL, notifier)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	upstream, closeUpstream, err := newUpstream(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeUpstream()

	apiHandler := api.NewAPIHandler(dbStore, relay.NewProxy(upstream, cfg.UpstreamTimeout), issuer, cfg.PageSize)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // Streaming handlers lift this per response
		IdleTimeout:  120 * time.Second,
		// Open streams end when shutdown starts.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		log.Info().Str("addr", serverAddr).Str("upstream", upstream.Name()).Msg("Starting server. Press Ctrl+C to quit.")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		// Give active connections time to finish.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Server exiting gracefully")
	return nil
}

// newUpstream selects the generation provider. A missing credential is not
// a startup error; requests fail with an authentication error instead.
func newUpstream(ctx context.Context, cfg *config.Config) (relay.Upstream, func(), error) {
	switch cfg.UpstreamProvider {
	case config.ProviderGemini:
		if cfg.GeminiAPIKey == "" {
			log.Warn().Msg("GEMINI_API_KEY is not set; relay requests will fail")
		}
		g, err := relay.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		if cfg.MedGemmaAPIKey == "" {
			log.Warn().Msg("MEDGEMMA_API_KEY is not set; relay requests will fail")
		}
		return relay.NewMedGemma(cfg.MedGemmaAPIURL, cfg.MedGemmaAPIKey, nil), func() {}, nil
	}
}
