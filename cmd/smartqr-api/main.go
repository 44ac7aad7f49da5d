package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/nbf-stay/smartqr-api/api/swagger"
	"github.com/nbf-stay/smartqr-api/internal/handler"
	"github.com/nbf-stay/smartqr-api/internal/middleware"
	"github.com/nbf-stay/smartqr-api/internal/render"
	"github.com/nbf-stay/smartqr-api/internal/repository"
	"github.com/nbf-stay/smartqr-api/internal/service"
	"github.com/nbf-stay/smartqr-api/pkg/cache"
	"github.com/nbf-stay/smartqr-api/pkg/config"
	"github.com/nbf-stay/smartqr-api/pkg/database"
	"github.com/nbf-stay/smartqr-api/pkg/jobs"
	"github.com/nbf-stay/smartqr-api/pkg/logger"
	corsmiddleware "github.com/nbf-stay/smartqr-api/pkg/middleware/cors"
	reqidmiddleware "github.com/nbf-stay/smartqr-api/pkg/middleware/requestid"
	"github.com/nbf-stay/smartqr-api/pkg/storage"
)

// @title SmartQR Inventory API
// @version 1.0.0
// @description QR code inventory, assignment and poster export service
// @BasePath /api/v1
// @schemes http https

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, poster cache disabled", "error", err)
		redisClient = nil
	}

	codeRepo := repository.NewCodeRepository(db)
	userRepo := repository.NewUserRepository(db)
	jobRepo := repository.NewExportJobRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	poster := render.NewPoster(render.QRGlyphEncoder{}, render.Layout{
		Width:       cfg.Poster.Width,
		Height:      cfg.Poster.Height,
		GlyphSize:   cfg.Poster.GlyphSize,
		BrandHeader: cfg.Poster.BrandHeader,
		ScanBaseURL: cfg.QR.ScanBaseURL,
	})

	exportStore, err := storage.NewLocalStorage(cfg.Export.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init export storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Export.SignedURLSecret, cfg.Export.SignedURLTTL)

	// Documents older than the signed-URL TTL can no longer be fetched;
	// purge them on startup.
	if removed, err := exportStore.CleanupOlderThan(cfg.Export.SignedURLTTL); err != nil {
		logr.Sugar().Warnw("export cleanup failed", "error", err)
	} else if len(removed) > 0 {
		logr.Sugar().Infow("purged expired export documents", "count", len(removed))
	}

	metricsSvc := service.NewMetricsService()
	generatorSvc := service.NewGeneratorService(codeRepo, nil, logr, service.GeneratorConfig{
		BatchLimit:     cfg.QR.BatchLimit,
		CollisionRetry: cfg.QR.CollisionRetry,
	})
	assignmentSvc := service.NewAssignmentService(codeRepo, userRepo, nil, logr, cfg.QR.Prefix)
	codeSvc := service.NewCodeService(codeRepo, cacheRepo, poster, logr, service.CodeServiceConfig{
		PosterCacheTTL: cfg.Poster.CacheTTL,
		LayoutRev:      cfg.Poster.LayoutRev,
	})

	var exportSvc *service.ExportService
	exportQueue := jobs.NewQueue("bulk_export", func(ctx context.Context, job jobs.Job) error {
		return exportSvc.ProcessJob(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Export.WorkerConcurrency,
		MaxRetries: cfg.Export.WorkerRetries,
		Logger:     logr,
	})
	exportSvc = service.NewExportService(codeRepo, poster, jobRepo, exportQueue, exportStore, signer, nil, logr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exportQueue.Start(ctx)
	defer exportQueue.Stop()

	if err := exportSvc.RecoverQueued(ctx, 50); err != nil {
		logr.Sugar().Warnw("export job recovery failed", "error", err)
	}

	qrHandler := handler.NewQRCodeHandler(codeSvc, generatorSvc, assignmentSvc, metricsSvc)
	exportHandler := handler.NewExportHandler(exportSvc, metricsSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		api.POST("/qr-codes/generate", qrHandler.Generate)
		api.GET("/qr-codes", qrHandler.List)
		api.GET("/qr-codes/:id", qrHandler.Get)
		api.POST("/qr-codes/assign", qrHandler.Assign)
		api.POST("/qr-codes/:id/revoke", qrHandler.Revoke)
		api.DELETE("/qr-codes/:id", qrHandler.Delete)
		api.GET("/qr-codes/:id/poster", qrHandler.Poster)
		api.POST("/qr-codes/export", exportHandler.Export)
		api.GET("/exports/jobs/:id", exportHandler.Status)
		api.GET("/exports/download/:token", exportHandler.Download)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
