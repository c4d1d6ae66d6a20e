package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"o2y-gateway/internal/auth"
	"o2y-gateway/internal/config"
	"o2y-gateway/internal/handlers"
	"o2y-gateway/internal/httpserver"
	"o2y-gateway/internal/imagestore"
	"o2y-gateway/internal/llm"
	"o2y-gateway/internal/metrics"
	"o2y-gateway/pkg/logging/logging"
)

func runServe(ctx context.Context, configPath string) error {
	// ----- Config -----
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ----- Logger -----
	logger := logging.NewLoggerWithOptions(logging.Options{
		Level: cfg.Log.Level,
		File:  cfg.Log.File,
	})
	logging.SetDefault(logger)
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("tls", cfg.Server.TLSEnabled()),
		zap.String("upstream", cfg.Upstream.BaseURL),
		zap.Bool("byok", cfg.Auth.BYOK),
		zap.String("image_backend", cfg.Images.Backend),
	)

	// ----- Credentials -----
	registry, err := auth.LoadRegistry(cfg.Auth.TokensFile)
	if err != nil {
		// BYOK callers do not need issued tokens.
		if !cfg.Auth.BYOK || !errors.Is(err, os.ErrNotExist) {
			return err
		}
		logger.Warn("tokens file not found, only BYOK tokens accepted", zap.String("path", cfg.Auth.TokensFile))
		registry = auth.NewRegistry(nil)
	}
	resolver := auth.NewResolver(auth.ResolverConfig{
		Registry:  registry,
		BYOK:      cfg.Auth.BYOK,
		APIKey:    cfg.Upstream.APIKey,
		AccountID: cfg.Upstream.FolderID,
	})
	logger.Info("token registry loaded", zap.Int("tokens", registry.Len()))

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Images.Backend == config.ImageBackendRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	}

	// ----- Image store -----
	store, err := imagestore.New(ctx, imagestore.Config{
		Backend:   cfg.Images.Backend,
		Dir:       cfg.Images.Dir,
		Retention: cfg.Images.Retention,
		Prefix:    cfg.Redis.Prefix,
		S3: imagestore.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			UseSSL:    cfg.S3.UseSSL,
			Prefix:    cfg.S3.Prefix,
		},
	}, redisClient)
	if err != nil {
		return fmt.Errorf("image store: %w", err)
	}
	defer store.Close()

	expirer := imagestore.NewExpirer(store, logger)
	defer expirer.Stop()

	// Redis expires keys on its own; the other backends need a sweep for
	// images orphaned by a restart.
	var sweeper *imagestore.Sweeper
	if cfg.Images.Backend != config.ImageBackendRedis && cfg.Images.SweepSchedule != "" {
		sweeper, err = imagestore.NewSweeper(store, cfg.Images.SweepSchedule, cfg.Images.Retention, logger)
		if err != nil {
			return err
		}
		if _, err := sweeper.RunOnce(ctx); err != nil {
			logger.Warn("initial image sweep failed", zap.Error(err))
		}
		if err := sweeper.Start(); err != nil {
			return err
		}
	}

	// ----- LLM client -----
	llmClient, err := llm.NewClient(llm.Config{
		BaseURL:         cfg.Upstream.BaseURL,
		UpstreamTimeout: cfg.Upstream.Timeout,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	poller := llm.NewPoller(llmClient, store, expirer, llm.PollerConfig{
		Interval:  cfg.Images.PollInterval,
		Retention: cfg.Images.Retention,
		PublicURL: cfg.Images.PublicURL,
	}, logger)

	// ----- Handlers -----
	catalog, err := handlers.LoadCatalog(cfg.Models.CatalogFile)
	if err != nil {
		return err
	}

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, httpserver.Handlers{
		Chat:       handlers.NewChatHandler(llmClient),
		Embeddings: handlers.NewEmbeddingsHandler(llmClient),
		Images:     handlers.NewImagesHandler(poller, store),
		Models:     handlers.NewModelsHandler(catalog),
	}, httpserver.Options{
		Resolver:       resolver,
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	})

	// ----- HTTP server -----
	// No WriteTimeout: streams and image polls run longer than any fixed
	// deadline and are bounded upstream instead.
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("starting gateway", zap.String("addr", srv.Addr))

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case <-stop:
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}
	if sweeper != nil {
		if err := sweeper.Stop(shutdownCtx); err != nil {
			logger.Warn("sweeper shutdown error", zap.Error(err))
		}
	}

	logger.Info("server shutdown complete")
	return nil
}
