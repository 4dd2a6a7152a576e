package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"logehuset.org/internal/auth"
	"logehuset.org/internal/config"
	"logehuset.org/internal/httpapi"
	"logehuset.org/internal/lib/sl"
	"logehuset.org/internal/mail"
	"logehuset.org/internal/obs"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("LOGEHUSET_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", sl.Err(err))
		os.Exit(1)
	}

	log := setupLogger(cfg.Env)
	log.Info("starting auth service",
		slog.String("env", cfg.Env),
		slog.String("version", version),
		slog.String("addr", cfg.HTTPAddr),
	)

	obs.Init()
	obs.InitBuildInfo(version, commit)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Env,
			Release:     version,
		}); err != nil {
			log.Warn("sentry init failed", sl.Err(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	db, err := sql.Open("pgx", cfg.PGDSN)
	if err != nil {
		log.Error("failed to open database", sl.Err(err))
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Warn("database not reachable at startup", sl.Err(err))
	}
	cancelPing()

	codec, err := auth.NewCodec(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		log.Error("failed to build token codec", sl.Err(err))
		os.Exit(1)
	}

	hasher := auth.NewHasher(auth.HasherParams{
		MemoryKiB:   cfg.Argon2.MemoryKiB,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
	})

	var mailer auth.Mailer = &mail.LogMailer{Log: log}
	if host := os.Getenv("LOGEHUSET_SMTP_ADDR"); host != "" {
		mailer = mail.NewSMTPMailer(host,
			os.Getenv("LOGEHUSET_SMTP_FROM"),
			os.Getenv("LOGEHUSET_SMTP_USERNAME"),
			os.Getenv("LOGEHUSET_SMTP_PASSWORD"),
		)
	}

	store := auth.NewPGStore(db)
	svc := auth.NewService(log, store, hasher, codec,
		auth.WithAccessTTL(cfg.Auth.AccessTokenTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTokenTTL),
		auth.WithResetTTL(cfg.Auth.ResetTokenTTL),
		auth.WithMailer(mailer),
		auth.WithResetBaseURL(cfg.ResetBaseURL),
	)

	api := httpapi.New(httpapi.Options{
		Auth: svc,
		Cookies: httpapi.DefaultCookieSettings(
			cfg.Cookies.AccessName,
			cfg.Cookies.RefreshName,
			cfg.IsProduction(),
			cfg.Auth.AccessTokenTTL,
			cfg.Auth.RefreshTokenTTL,
		),
		Ready:          func(ctx context.Context) error { return db.PingContext(ctx) },
		Version:        version,
		CleanupSecret:  cfg.Cleanup.Secret,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runCleanupLoop(ctx, log, svc, cfg.Cleanup.Interval)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()
	obs.SetReady(true)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", sl.Err(err))
		}
	}

	obs.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", sl.Err(err))
	}
	log.Info("server stopped")
}

// runCleanupLoop periodically removes expired token rows. The HTTP maintenance
// endpoint triggers the same sweep on demand.
func runCleanupLoop(ctx context.Context, log *slog.Logger, svc *auth.Service, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := svc.Cleanup(ctx)
			if err != nil {
				log.Error("cleanup sweep failed", sl.Err(err))
				continue
			}
			log.Info("cleanup sweep done",
				slog.Int64("revocation_markers", res.RevocationMarkers),
				slog.Int64("refresh_tokens", res.RefreshTokens),
				slog.Int64("reset_tokens", res.ResetTokens),
			)
		}
	}
}

func setupLogger(env string) *slog.Logger {
	var handler slog.Handler
	switch env {
	case config.EnvProduction:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return slog.New(handler)
}
