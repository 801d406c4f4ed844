package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"radiochat/internal/auth"
	"radiochat/internal/chat"
	"radiochat/internal/config"
	"radiochat/internal/database/boltstore"
	"radiochat/internal/database/sqlitestore"
	"radiochat/internal/handlers"
	"radiochat/internal/metrics"
	"radiochat/internal/middleware"
	"radiochat/internal/moderation"
	"radiochat/internal/routing"
	"radiochat/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		setupLogging(os.Stdout, "info", "")
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	log.Info().Msg("Starting radiochat")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server stopped")
}

// setupLogging configures the global logger. format "json" writes JSON
// lines, anything else pretty console output.
func setupLogging(out io.Writer, level, format string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// backend is the durable state behind the chat.
type backend struct {
	blocks   moderation.Store
	sessions auth.SessionStore
	// users is set only for the SQLite backend.
	users *sqlitestore.UserStore
	// purgeSessions drops expired sessions.
	purgeSessions func(ctx context.Context, now time.Time) (int, error)
	close         func() error
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		sessions := store.SessionStore()
		return &backend{
			blocks:        store.BlockStore(),
			sessions:      sessions,
			users:         store.UserStore(),
			purgeSessions: sessions.PurgeExpired,
			close:         store.Close,
		}, nil

	default:
		store, err := boltstore.Open(boltstore.Options{Path: cfg.DBPath})
		if err != nil {
			return nil, err
		}
		sessions := store.SessionStore()
		return &backend{
			blocks:        store.BlockStore(),
			sessions:      sessions,
			purgeSessions: sessions.PurgeExpired,
			close:         store.Close,
		}, nil
	}
}

// resolverFor picks the role source: the role file when configured,
// otherwise the SQLite user table. Without either nobody can moderate.
func resolverFor(cfg *config.Config, b *backend) (moderation.PermissionResolver, *moderation.FileResolver, error) {
	if cfg.ModeratorsConfig != "" {
		fr, err := moderation.NewFileResolver(cfg.ModeratorsConfig)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.ModeratorsConfig).Int("users", fr.Len()).Msg("Role config loaded")
		return fr, fr, nil
	}
	if b.users != nil {
		return b.users, nil, nil
	}

	log.Warn().Msg("No MODERATORS_CONFIG set and bolt backend in use; moderation commands will be refused")
	fr, err := moderation.NewFileResolver("")
	return fr, nil, err
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.Init(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
		log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("Tracing enabled")
	}

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store at %s: %w", cfg.StoreBackend, cfg.DBPath, err)
	}
	defer func() {
		if err := b.close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}()
	log.Info().Str("backend", cfg.StoreBackend).Str("path", cfg.DBPath).Msg("Database opened")

	resolver, fileResolver, err := resolverFor(cfg, b)
	if err != nil {
		return fmt.Errorf("failed to load role config: %w", err)
	}

	registry := chat.NewRegistry()
	hub := chat.NewHub(registry)
	gate := moderation.NewGate(b.blocks,
		moderation.WithEvictor(hub),
		moderation.WithStoreTimeout(cfg.StoreTimeout),
	)
	if err := gate.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load block list: %w", err)
	}

	sessions := auth.NewManager(b.sessions)
	router := chat.NewRouter(chat.RouterConfig{
		Registry:     registry,
		Hub:          hub,
		Gate:         gate,
		Resolver:     resolver,
		Verifier:     sessions,
		RequireToken: cfg.RequireSessionToken,
	})

	// Websocket connections run on their own context so they can be told
	// about the shutdown before they are closed.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	h := handlers.NewHandler(connCtx, handlers.Deps{
		Registry: registry,
		Hub:      hub,
		Router:   router,
		Gate:     gate,
		Resolver: resolver,
		Sessions: sessions,
	}, handlers.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Title:          cfg.Title,
		RequireToken:   cfg.RequireSessionToken,
		Conn: chat.ConnConfig{
			MaxMessageSize: cfg.MaxMessageSize,
			RateBurst:      cfg.RateLimitBurst,
			RateInterval:   cfg.RateLimitInterval,
		},
	})

	rateLimit := middleware.NewDefaultRateLimitConfig()
	rateLimit.StartCleanup(ctx, time.Minute)

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: routing.SetupRouter(routing.Config{
			Handlers:  h,
			Logger:    log.Logger,
			RateLimit: rateLimit,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	moderation.StartRetention(ctx, gate, cfg.BlockRetention, cfg.RetentionInterval)
	metrics.StartCollector(ctx, metrics.StatsSource{
		ConnectedCount: registry.Count,
		BlockedCount:   gate.Count,
	}, cfg.MetricsInterval)

	g, gctx := errgroup.WithContext(ctx)

	if fileResolver != nil {
		g.Go(func() error { return fileResolver.Watch(gctx) })
	}
	if b.purgeSessions != nil {
		g.Go(func() error {
			runSessionJanitor(gctx, b.purgeSessions, cfg.RetentionInterval)
			return nil
		})
	}

	g.Go(func() error {
		log.Info().
			Str("address", cfg.Addr()).
			Str("url", "http://localhost:"+cfg.Port).
			Strs("allowed_origins", cfg.AllowedOrigins).
			Bool("require_session_token", cfg.RequireSessionToken).
			Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		hub.Shutdown()
		cancelConns()

		// Connections may be mid-command; the store closes only after
		// they have returned.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelDrain()
		if werr := h.WaitConnections(drainCtx); werr != nil {
			log.Warn().Err(werr).Msg("Websocket connections still running at shutdown")
		}

		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func runSessionJanitor(ctx context.Context, purge func(context.Context, time.Time) (int, error), interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := purge(ctx, now)
			if err != nil {
				log.Error().Err(err).Msg("Failed to purge expired sessions")
				continue
			}
			if n > 0 {
				log.Info().Int("removed", n).Msg("Expired sessions purged")
			}
		}
	}
}
