package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/scamguard/backend/internal/analytics/abtest"
	"github.com/scamguard/backend/internal/analytics/clustering"
	"github.com/scamguard/backend/internal/analytics/insights"
	"github.com/scamguard/backend/internal/analytics/metrics"
	"github.com/scamguard/backend/internal/analytics/patterns"
	"github.com/scamguard/backend/internal/analytics/reporting"
	"github.com/scamguard/backend/internal/api/handlers"
	rediscache "github.com/scamguard/backend/internal/cache/redis"
	"github.com/scamguard/backend/internal/evaluation"
	"github.com/scamguard/backend/internal/ingestion"
	"github.com/scamguard/backend/internal/ingestion/web"
	"github.com/scamguard/backend/internal/llm"
	appmetrics "github.com/scamguard/backend/internal/metrics"
	"github.com/scamguard/backend/internal/middleware/ratelimit"
	"github.com/scamguard/backend/internal/middleware/security"
	"github.com/scamguard/backend/internal/middleware/validation"
	"github.com/scamguard/backend/internal/storage"
	"github.com/scamguard/backend/internal/storage/sqlite"
	"github.com/scamguard/backend/pkg/config"
	appLogger "github.com/scamguard/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting ScamGuard analytics API server")

	appmetrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	abOpts := []abtest.Option{abtest.WithSignificanceLevel(cfg.Analytics.SignificanceLevel)}
	if cfg.Redis.Enabled {
		redisClient, err := rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		abOpts = append(abOpts, abtest.WithRepository(redisClient))
	}

	abEngine := abtest.NewEngine(abOpts...)
	if restored, err := abEngine.Restore(context.Background()); err != nil {
		appLogger.Warn("Failed to restore AB tests", zap.Error(err))
	} else if restored > 0 {
		appLogger.Info("Restored AB tests", zap.Int("count", restored))
	}

	series := metrics.NewTimeSeries(cfg.Analytics.SeriesCapacity, time.Now)
	metricsEngine := metrics.NewEngine(sqliteClient,
		metrics.WithCacheTTL(cfg.Analytics.MetricsCacheTTL, cfg.Analytics.DashboardCacheTTL),
		metrics.WithTimeSeries(series),
	)
	patternDetector := patterns.NewDetector()
	clusterEngine := clustering.NewEngine()
	insightGenerator := insights.NewGenerator(metricsEngine,
		insights.WithThresholds(cfg.Analytics.Thresholds),
		insights.WithCorrelationTolerance(cfg.Analytics.CorrelationTolerance),
		insights.WithMaxInsights(cfg.Analytics.MaxInsights),
		insights.WithCacheTTL(cfg.Analytics.InsightCacheTTL),
	)

	fileStore, err := reporting.NewFileStore(cfg.Analytics.ReportsDir, cfg.Analytics.DownloadBaseURL)
	if err != nil {
		appLogger.Fatal("Failed to create report store", zap.Error(err))
	}
	reportEngine := reporting.NewEngine(metricsEngine, patternDetector, clusterEngine, insightGenerator,
		reporting.WithFileStore(fileStore),
	)
	scheduler := reporting.NewScheduler(reportEngine)
	scheduler.Start()

	llmClient := llm.NewClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})
	processor := ingestion.NewProcessor(sqliteClient, llmClient,
		ingestion.WithMaxSentences(cfg.LLM.MaxSentences),
		ingestion.WithFetcher(web.NewFetcher(web.DefaultTimeout)),
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Logger:            appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: joinOrigins(cfg.Server.AllowedOrigins),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-User-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.IsDevelopment(),
	}))

	app.Get("/metrics", appmetrics.MetricsHandler())

	wsHandler := handlers.NewWebSocketHandler(metricsEngine, cfg.Server.PushInterval)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/dashboard", websocket.New(wsHandler.HandleConnection))

	api := app.Group("/api/v1", limiter.Middleware(), validation.Middleware(validation.Config{
		Logger: appLogger.Named("validation"),
	}))

	handlers.RegisterRoutes(api, handlers.Handlers{
		Analytics:  handlers.NewAnalyticsHandler(metricsEngine, patternDetector, clusterEngine, insightGenerator),
		Reports:    handlers.NewReportHandler(reportEngine, scheduler),
		ABTests:    handlers.NewABTestHandler(abEngine),
		Messages:   handlers.NewMessageHandler(processor, sqliteClient),
		Evaluation: handlers.NewEvaluationHandler(evaluation.NewEvaluator(llmClient)),
	})

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if _, err := sqliteClient.ListUsers(c.UserContext(), storageProbe); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	stopCleanup := make(chan struct{})
	go cleanupSeries(series, cfg.Analytics.SeriesRetention, stopCleanup)

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
	close(stopCleanup)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	scheduler.Stop(ctx)

	if err := app.ShutdownWithContext(ctx); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

// storageProbe reads a single user to check the database is reachable.
var storageProbe = storage.UserFilter{Limit: 1}

func joinOrigins(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return strings.Join(origins, ", ")
}

// cleanupSeries drops in-memory metric points older than retention.
func cleanupSeries(series *metrics.TimeSeries, retention time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if removed := series.CleanupOldData(retention); removed > 0 {
				appLogger.Debug("Cleaned up metric series", zap.Int("removed", removed))
			}
		}
	}
}
