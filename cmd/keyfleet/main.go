package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	_ "github.com/lib/pq"

	"github.com/keyfleet/keyfleet/internal/api"
	"github.com/keyfleet/keyfleet/internal/auth"
	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/credstore"
	"github.com/keyfleet/keyfleet/internal/crypto"
	"github.com/keyfleet/keyfleet/internal/domain"
	"github.com/keyfleet/keyfleet/internal/httputil"
	"github.com/keyfleet/keyfleet/internal/normalize"
	"github.com/keyfleet/keyfleet/internal/notifications"
	"github.com/keyfleet/keyfleet/internal/provider"
	"github.com/keyfleet/keyfleet/internal/provider/bedrock"
	"github.com/keyfleet/keyfleet/internal/provider/gemini"
	"github.com/keyfleet/keyfleet/internal/queue"
	"github.com/keyfleet/keyfleet/internal/ratelimit"
	"github.com/keyfleet/keyfleet/internal/router"
	"github.com/keyfleet/keyfleet/internal/secrets"
	"github.com/keyfleet/keyfleet/internal/telemetry"
	"github.com/keyfleet/keyfleet/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting keyfleet", "addr", cfg.Addr, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "keyfleet", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	// One shared AWS config backs every AWS-facing component.
	var awsCfg aws.Config
	hasAWS := cfg.AWSRegion != ""
	if hasAWS {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			slog.Error("failed to load aws config", "error", err)
			os.Exit(1)
		}
	}

	if cfg.SecretName != "" {
		if !hasAWS {
			slog.Error("SECRET_NAME requires AWS_REGION")
			os.Exit(1)
		}
		if err := loadBootSecrets(ctx, cfg, awsCfg); err != nil {
			slog.Error("failed to load boot secrets", "error", err)
			os.Exit(1)
		}
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			slog.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to postgres")
	}

	credBackend, keyBackend := buildBackends(cfg, db)

	credStore := credstore.NewCachedStore(credBackend, cfg.CredCacheTTL)
	authenticator := auth.NewCachedAuthenticator(keyBackend, cfg.CredCacheTTL)

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL, cfg.RateLimitPerRegion)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
		slog.Info("using redis rate limiter", "limit_per_region", cfg.RateLimitPerRegion)
	} else {
		limiter = ratelimit.NewInMemoryLimiter(cfg.RateLimitPerRegion)
		slog.Info("using in-memory rate limiter", "limit_per_region", cfg.RateLimitPerRegion)
	}

	clientCfg := httputil.DefaultConfig()
	clientCfg.Timeout = cfg.ProviderTimeout
	httpClient := httputil.NewClient(clientCfg)

	clients := []provider.Client{gemini.New(httpClient)}
	slog.Info("registered provider", "provider", "gemini")

	if hasAWS {
		clients = append(clients, bedrock.New(awsCfg))
		slog.Info("registered provider", "provider", "bedrock")
	}

	registry := provider.NewRegistry(clients...)

	overflow := queue.NewOverflow(cfg.QueueDepth, cfg.QueueWorkers,
		func(jobCtx context.Context, cred domain.Credential, req domain.ChatRequest) *provider.Outcome {
			client, ok := registry.ForCredential(cred)
			if !ok {
				return &provider.Outcome{StatusCode: http.StatusBadGateway}
			}
			callCtx, callCancel := context.WithTimeout(jobCtx, cfg.ProviderTimeout)
			defer callCancel()
			return client.Generate(callCtx, cred, req)
		})
	overflow.Start(ctx)

	usageSink := buildUsageSink(cfg, db, awsCfg, hasAWS)
	notifier := buildNotifier(cfg, awsCfg, hasAWS)

	requestRouter := router.New(router.Config{
		Store:           credStore,
		Limiter:         limiter,
		Providers:       registry,
		Queue:           overflow,
		Normalizer:      normalize.New(nil),
		Usage:           usageSink,
		Notifier:        notifier,
		ProviderTimeout: cfg.ProviderTimeout,
		DeferWait:       cfg.DeferWaitTimeout,
	})

	handler := api.NewHandler(api.HandlerConfig{
		Auth:         authenticator,
		Router:       requestRouter,
		Providers:    registry,
		Queue:        overflow,
		DefaultModel: cfg.DefaultModel,
	})

	adminHandler := api.NewAdminHandler(api.AdminConfig{
		Credentials:     credBackend,
		CredentialCache: credStore,
		CallerKeys:      keyBackend,
		KeyCache:        authenticator,
		Notifier:        notifier,
		TokenBcrypt:     cfg.AdminTokenBcrypt,
	})

	mux := http.NewServeMux()
	mux.Handle("/admin/", adminHandler)
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.ProviderTimeout / 2,
		WriteTimeout: cfg.DeferWaitTimeout + cfg.ProviderTimeout,
		IdleTimeout:  cfg.ProviderTimeout * 2,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	cancel()
	overflow.Wait()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

func loadBootSecrets(ctx context.Context, cfg *config.Config, awsCfg aws.Config) error {
	store := secrets.NewWithConfig(awsCfg)

	boot, err := store.GetBootSecrets(ctx, cfg.SecretName)
	if err != nil {
		return err
	}

	if boot.DatabaseURL != "" {
		cfg.DatabaseURL = boot.DatabaseURL
	}
	if boot.EncryptionKey != "" {
		cfg.EncryptionKey = boot.EncryptionKey
	}
	if boot.AdminTokenBcrypt != "" {
		cfg.AdminTokenBcrypt = boot.AdminTokenBcrypt
	}

	slog.Info("boot secrets loaded", "secret", cfg.SecretName)
	return nil
}

func buildBackends(cfg *config.Config, db *sql.DB) (credstore.AdminBackend, auth.AdminBackend) {
	if db == nil {
		slog.Info("using in-memory credential and key stores")
		return credstore.NewInMemoryBackend(), auth.NewInMemoryKeyBackend()
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", "error", err)
		os.Exit(1)
	}

	return credstore.NewPostgresBackend(db, encryptor), auth.NewPostgresKeyBackend(db)
}

func buildUsageSink(cfg *config.Config, db *sql.DB, awsCfg aws.Config, hasAWS bool) usage.Sink {
	if cfg.UsageQueueURL != "" {
		if !hasAWS {
			slog.Error("USAGE_QUEUE_URL requires AWS_REGION")
			os.Exit(1)
		}
		slog.Info("using sqs usage sink", "queue", cfg.UsageQueueURL)
		return usage.NewSQSSinkWithConfig(awsCfg, cfg.UsageQueueURL)
	}
	if db != nil {
		slog.Info("using postgres usage sink")
		return usage.NewPostgresSink(db)
	}
	slog.Info("using in-memory usage tracker")
	return usage.NewInMemoryTracker()
}

func buildNotifier(cfg *config.Config, awsCfg aws.Config, hasAWS bool) notifications.Notifier {
	if cfg.SNSTopicArn == "" {
		return notifications.NewInMemoryNotifier()
	}
	if !hasAWS {
		slog.Error("SNS_TOPIC_ARN requires AWS_REGION")
		os.Exit(1)
	}

	slog.Info("using sns notifier", "topic", cfg.SNSTopicArn)
	return notifications.NewSNSNotifierWithConfig(awsCfg, cfg.SNSTopicArn)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
