package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/wasta-market/wasta-chat/internal/auth"
	"github.com/wasta-market/wasta-chat/internal/config"
	"github.com/wasta-market/wasta-chat/internal/log"
	"github.com/wasta-market/wasta-chat/internal/realtime"
	"github.com/wasta-market/wasta-chat/internal/service/chat"
	"github.com/wasta-market/wasta-chat/internal/store/sqlite"
	transporthttp "github.com/wasta-market/wasta-chat/internal/transport/http"
)

// App wires together store, realtime broker, services and transport.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *realtime.Hub
	redis           *realtime.RedisBroker
	store           *sqlite.SQLiteStore
	log             *zerolog.Logger
}

// New constructs the application with provided configuration. The schema is
// applied on startup so a fresh database file is usable right away.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.JWTTTL,
	}
	authService := auth.NewService(st, jwtConfig)

	hub := realtime.NewHub(cfg.SubscriptionBuffer, log.Component(logger, "hub"))
	var broker realtime.Broker = hub

	var redisBroker *realtime.RedisBroker
	if cfg.RedisURL != "" {
		redisBroker, err = realtime.NewRedisBroker(ctx, cfg.RedisURL, cfg.ServerID, hub, log.Component(logger, "redis"))
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("init redis broker: %w", err)
		}
		broker = redisBroker
		logger.Info().Str("server_id", cfg.ServerID).Msg("redis fan-out enabled")
	}

	chatService := chat.New(st, broker, log.Component(logger, "chat"))
	server := transporthttp.NewServer(transporthttp.Deps{
		Auth:   authService,
		Chat:   chatService,
		Users:  st,
		Broker: broker,
	}, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		redis:           redisBroker,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts the broker and the HTTP server and blocks until context
// cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	brokerCtx, stopBroker := context.WithCancel(context.Background())
	defer stopBroker()
	if a.redis != nil {
		go a.redis.Run(brokerCtx)
	} else {
		go a.hub.Run(brokerCtx)
	}

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		stopBroker()
		a.cleanup()
		return <-serverErr
	}
}

// cleanup closes the Redis connection and the database.
func (a *App) cleanup() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
