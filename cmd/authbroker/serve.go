package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	broker "github.com/streamvane/authbroker"
	"github.com/streamvane/authbroker/instrumentation"
	memstore "github.com/streamvane/authbroker/storage/memory"
	pgstore "github.com/streamvane/authbroker/storage/postgres"
	redisstore "github.com/streamvane/authbroker/storage/redis"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), addr, envFile)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "environment file to load if present")
	return cmd
}

func serve(ctx context.Context, addr, envFile string) error {
	// Missing env file is fine; the environment may be set by the platform.
	_ = godotenv.Load(envFile)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	cfg := configFromEnv(logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "authbroker",
		ServiceVersion: version,
		Enabled:        envBool("OTEL_ENABLED", false),
	})
	if err != nil {
		return fmt.Errorf("initializing instrumentation: %w", err)
	}

	stores, cleanup, err := buildStores(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	b, err := broker.New(cfg, stores, broker.WithInstrumentation(inst))
	if err != nil {
		return err
	}

	handler := broker.NewHandler(b)
	defer handler.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authbroker listening", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	if err := inst.Shutdown(shutdownCtx); err != nil {
		logger.Warn("instrumentation shutdown", "error", err)
	}
	return nil
}

func configFromEnv(logger *slog.Logger) *broker.Config {
	cfg := &broker.Config{
		FrontendURL:        os.Getenv("FRONTEND_URL"),
		ErrorURL:           os.Getenv("ERROR_URL"),
		PublicURL:          os.Getenv("PUBLIC_URL"),
		EnableAuditLogging: envBool("AUDIT_LOGGING", true),
		Logger:             logger,
	}

	cfg.IdP.Domain = os.Getenv("IDP_DOMAIN")
	cfg.IdP.ClientID = os.Getenv("IDP_CLIENT_ID")
	cfg.IdP.ClientSecret = os.Getenv("IDP_CLIENT_SECRET")
	cfg.IdP.CallbackURL = os.Getenv("IDP_CALLBACK_URL")
	cfg.IdP.Audience = os.Getenv("IDP_AUDIENCE")
	cfg.IdP.Scopes = envList("IDP_SCOPES", []string{"openid", "profile", "email", "offline_access"})

	cfg.Cookies.Domain = os.Getenv("COOKIE_DOMAIN")

	cfg.RateLimit.Rate = envInt("RATE_LIMIT_RPS", 10)
	cfg.RateLimit.Burst = envInt("RATE_LIMIT_BURST", 20)
	cfg.RateLimit.TrustProxy = envBool("TRUST_PROXY", false)

	cfg.ServiceAuth.Mode = os.Getenv("SERVICE_AUTH_MODE")
	cfg.ServiceAuth.APIKey = os.Getenv("SERVICE_AUTH_API_KEY")
	cfg.ServiceAuth.RefreshToken = os.Getenv("SERVICE_AUTH_REFRESH_TOKEN")

	return cfg
}

// buildStores selects backends from the environment. Redis carries the
// single-use stores so multi-replica deployments share them; Postgres
// carries sessions and users. Memory serves whatever is not configured.
func buildStores(ctx context.Context, logger *slog.Logger) (broker.Stores, func(), error) {
	mem := memstore.New(memstore.WithLogger(logger))
	stores := broker.Stores{
		Sessions: mem,
		States:   mem,
		Flows:    mem,
		Users:    mem,
	}
	cleanups := []func(){mem.Stop}
	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := goredis.ParseURL(redisURL)
		if err != nil {
			return stores, cleanup, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return stores, cleanup, fmt.Errorf("connecting to redis: %w", err)
		}
		rs, err := redisstore.New(client)
		if err != nil {
			return stores, cleanup, err
		}
		stores.States = rs
		stores.Flows = rs
		cleanups = append(cleanups, func() { client.Close() })
		logger.Info("using redis for state tokens and login flows")
	}

	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		pool, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return stores, cleanup, fmt.Errorf("connecting to postgres: %w", err)
		}
		ps, err := pgstore.New(pool)
		if err != nil {
			return stores, cleanup, err
		}
		if err := ps.EnsureSchema(ctx); err != nil {
			return stores, cleanup, err
		}
		stores.Sessions = ps
		stores.Users = ps
		cleanups = append(cleanups, pool.Close)
		logger.Info("using postgres for sessions and users")
	}

	return stores, cleanup, nil
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
