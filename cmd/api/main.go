package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/smartscope/backend/internal/api/handlers"
	"github.com/smartscope/backend/internal/cache/memory"
	"github.com/smartscope/backend/internal/cache/redis"
	"github.com/smartscope/backend/internal/calibration"
	"github.com/smartscope/backend/internal/cost"
	"github.com/smartscope/backend/internal/llm"
	"github.com/smartscope/backend/internal/media"
	"github.com/smartscope/backend/internal/metrics"
	"github.com/smartscope/backend/internal/middleware/ratelimit"
	"github.com/smartscope/backend/internal/middleware/security"
	"github.com/smartscope/backend/internal/middleware/validation"
	"github.com/smartscope/backend/internal/pipeline"
	"github.com/smartscope/backend/internal/standardize"
	"github.com/smartscope/backend/internal/storage/sqlite"
	"github.com/smartscope/backend/pkg/circuitbreaker"
	"github.com/smartscope/backend/pkg/config"
	appLogger "github.com/smartscope/backend/pkg/logger"
	"github.com/smartscope/backend/pkg/retry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(appLogger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		Service:    "smartscope-api",
		Version:    version,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting SmartScope analysis server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	checks := map[string]handlers.Check{
		"database": sqliteClient.Ping,
	}

	// Redis shares cached responses across replicas; a single instance uses
	// the in-process cache.
	var responseCache llm.Cache = memory.New(cfg.Cache.Window, 10*time.Minute)
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
		responseCache = redisClient
		checks["cache"] = redisClient.Ping
	}

	var notifier cost.Notifier = cost.LogNotifier{}
	if cfg.Budget.AlertWebhookURL != "" {
		webhook := cost.NewWebhookNotifier(cfg.Budget.AlertWebhookURL, time.Duration(cfg.Budget.AlertTimeoutSec)*time.Second)
		notifier = cost.MultiNotifier{cost.LogNotifier{}, webhook}
	}
	tracker := cost.NewTracker(sqliteClient, cfg.Budget, cfg.LLM.CostPer1KTokens, notifier)

	llmClient := llm.NewClient(
		llm.NewOpenAI(cfg.LLM.APIKey, cfg.LLM.BaseURL, &http.Client{}),
		llm.Options{
			Model:              cfg.LLM.Model,
			Temperature:        cfg.LLM.Temperature,
			MaxTokens:          cfg.LLM.MaxTokens,
			Timeout:            time.Duration(cfg.LLM.TimeoutSec) * time.Second,
			PromptVersion:      cfg.LLM.PromptVersion,
			MaxImages:          cfg.LLM.MaxImages,
			MaxContextChars:    cfg.LLM.MaxContextChars,
			ImageTokenEstimate: cfg.LLM.ImageTokenEstimate,
			CacheTTL:           cfg.Cache.Window,
			Retry: retry.Config{
				MaxAttempts:    cfg.Retry.MaxAttempts,
				InitialDelay:   cfg.Retry.InitialDelay,
				MaxDelay:       cfg.Retry.MaxDelay,
				Multiplier:     cfg.Retry.Multiplier,
				JitterFraction: cfg.Retry.JitterFraction,
			},
			Breaker: circuitbreaker.Config{
				MaxRequests: cfg.Breaker.MaxProbes,
				Window:      cfg.Breaker.Window,
				Timeout:     cfg.Breaker.Cooldown,
				MinRequests: cfg.Breaker.MinRequests,
				FailureRate: cfg.Breaker.FailureRate,
			},
		},
		responseCache,
		tracker,
	)
	checks["inference"] = func(context.Context) error {
		if state := llmClient.BreakerState(); state == circuitbreaker.StateOpen {
			return fmt.Errorf("inference circuit is %s", state)
		}
		return nil
	}

	preprocessor := media.NewPreprocessor(
		media.NewHTTPSource(cfg.Media.BaseURL, time.Duration(cfg.Media.FetchTimeoutSec)*time.Second, cfg.Media.MaxBytes),
		media.Options{
			MaxWidth:         cfg.Media.MaxWidth,
			MaxHeight:        cfg.Media.MaxHeight,
			QualityThreshold: cfg.Media.QualityThreshold,
			JPEGQuality:      cfg.Media.JPEGQuality,
		},
	)

	calibrator := calibration.NewCalibrator(sqliteClient, calibration.Options{
		MinSamples: cfg.Calibration.MinSamples,
		Shrinkage:  cfg.Calibration.Shrinkage,
	})
	if err := calibrator.Load(context.Background()); err != nil {
		appLogger.Fatal("Failed to load calibration profiles", zap.Error(err))
	}

	engine := pipeline.NewEngine(pipeline.Deps{
		Store:    sqliteClient,
		Analyzer: llmClient,
		Media:    preprocessor,
		Budget:   tracker,
		Profiles: calibrator,
		Mapper:   standardize.NewMapper(nil),
	}, pipeline.Config{
		Workers:     cfg.Pipeline.Workers,
		QueueSize:   cfg.Pipeline.QueueSize,
		JobTimeout:  cfg.Pipeline.JobTimeout,
		CacheWindow: cfg.Cache.Window,
		MaxImages:   cfg.Pipeline.MaxMediaRefs,
	})

	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if err := engine.Start(ctx); err != nil {
		appLogger.Fatal("Failed to start analysis engine", zap.Error(err))
	}
	go calibrator.Run(ctx, cfg.Calibration.Interval)

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Header:            handlers.OrgHeader,
		Logger:            appLogger.GetLogger(),
	})
	defer limiter.Stop()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.Server.CORSOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + handlers.OrgHeader,
		AllowMethods: "GET, POST, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: strings.Split(cfg.Server.CORSOrigins, ","),
		IsDevelopment:  cfg.Server.Development,
	}))

	handlers.Register(app, handlers.Deps{
		Engine:      engine,
		Budget:      tracker,
		Calibration: calibrator,
		Checks:      checks,
		Validation: validation.Config{
			MaxContextLength: cfg.LLM.MaxContextChars * 4,
			MaxDocumentSize:  cfg.Server.BodyLimit,
			MaxMediaRefs:     cfg.Pipeline.MaxMediaRefs,
		},
		RateLimiter:   limiter,
		StreamTimeout: cfg.Pipeline.JobTimeout + time.Minute,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	stopBackground()
	engine.Stop()
	appLogger.Info("Server stopped")
}
