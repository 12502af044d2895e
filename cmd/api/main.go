package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/splax/resellermentor/internal/ai"
	"github.com/splax/resellermentor/internal/app/migrate"
	httpx "github.com/splax/resellermentor/internal/http"
	"github.com/splax/resellermentor/internal/repository/postgres"
	"github.com/splax/resellermentor/internal/service/auth"
	"github.com/splax/resellermentor/internal/service/billing"
	"github.com/splax/resellermentor/internal/service/chat"
	"github.com/splax/resellermentor/internal/service/jobs"
	"github.com/splax/resellermentor/internal/service/membership"
	"github.com/splax/resellermentor/internal/service/mentor"
	"github.com/splax/resellermentor/internal/service/supplier"
	"github.com/splax/resellermentor/internal/service/supplies"
	"github.com/splax/resellermentor/internal/ws"
	"github.com/splax/resellermentor/pkg/config"
	"github.com/splax/resellermentor/pkg/logger"
	"github.com/splax/resellermentor/pkg/supabase"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	limiter := httpx.NewMemoryRateLimiter()
	var reportCache supplier.ReportCache = supplier.NewMemoryCache()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		client, err := connectRedis(ctx, addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB)
		if err != nil {
			log.Warn("redis unavailable, using in-memory limiter and cache", "error", err)
		} else {
			defer client.Close()
			limiter.Close()
			limiter = httpx.NewRedisRateLimiter(client, log)
			reportCache = supplier.NewRedisCache(client, log)
		}
	}

	authClient, err := supabase.NewAuthClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	if err != nil {
		log.Error("failed to configure supabase auth", "error", err)
		os.Exit(1)
	}
	completer := ai.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	hub := ws.NewHub()
	defer hub.Close()

	authSvc := auth.New(authClient, log, cfg)
	billingSvc := billing.New(billing.NewStripeGateway(cfg.StripeSecretKey, nil), repo, repo, log, cfg)
	membershipSvc := membership.New(authSvc, repo, repo, billingSvc, log)
	supplierSvc := supplier.New(completer, reportCache, log, cfg)
	mentorSvc := mentor.New(completer, repo, log, cfg)
	chatSvc := chat.New(chat.NewSlackClient(cfg.SlackBotToken, cfg.SlackAPIURL), repo, hub, log, cfg)
	suppliesSvc := supplies.New(repo, log)

	scheduler, err := jobs.New(mentorSvc, chatSvc, log, cfg)
	if err != nil {
		log.Error("failed to configure housekeeping", "error", err)
		os.Exit(1)
	}
	go scheduler.Run(ctx)

	router := httpx.NewRouter(log, httpx.Services{
		Auth:       authSvc,
		Membership: membershipSvc,
		Billing:    billingSvc,
		Supplier:   supplierSvc,
		Mentor:     mentorSvc,
		Chat:       chatSvc,
		Supplies:   suppliesSvc,
		Hub:        hub,
	}, limiter, pool.Ping, cfg.SSEHeartbeat)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func connectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
