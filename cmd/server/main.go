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

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"media-stream/internal/buffering"
	"media-stream/internal/cache"
	"media-stream/internal/config"
	"media-stream/internal/downloader"
	"media-stream/internal/events"
	apphttp "media-stream/internal/http"
	"media-stream/internal/metrics"
	"media-stream/internal/repository/sqlite"
	"media-stream/internal/service"
	"media-stream/internal/storage"
	"media-stream/internal/torrent"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	downloadRepo := sqlite.NewDownloadRepository(db)
	userRepo := sqlite.NewUserRepository(db)
	if err := downloadRepo.Init(ctx); err != nil {
		logger.Fatalf("init download repository: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	downloadService := service.NewDownloadService(downloadRepo)
	userService := service.NewUserService(userRepo, cfg.Auth.RegisterPassword, service.TokenConfig{
		Secret: cfg.Auth.JWTSecret,
		TTL:    cfg.TokenTTL(),
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mtr := metrics.New(registry)

	fs := afero.NewOsFs()
	locations := cache.NewLocations(cfg.Cache.Root, fs)

	orch := downloader.NewOrchestrator(downloader.OrchestratorConfig{
		Sessions: torrent.AnacrolixFactory{
			Trackers: cfg.Download.Trackers,
			Logger:   logger,
		},
		SaveDirs:        locations,
		Policy:          buffering.NewPolicy(cfg.Buffering.MoviePercent, cfg.Buffering.ShowPercent, logger),
		FS:              fs,
		PollInterval:    cfg.Download.PollInterval,
		MaxTickFailures: cfg.Download.MaxTickFailures,
		ResumeEvery:     cfg.Download.ResumeEvery,
		Metrics:         mtr,
		Logger:          logger,
	})

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	bus := events.NewBus(&events.Counter{}, logger)
	manager := downloader.NewManager(downloader.ManagerConfig{
		MaxConcurrent:     cfg.Download.MaxConcurrent,
		UploadLimitKBps:   cfg.Download.UploadLimitKBps,
		DownloadLimitKBps: cfg.Download.DownloadLimitKBps,
		Archive:           cfg.Storage.Archive,
		UploadOptions: storage.UploadOptions{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
		},
		Logger: logger,
	}, orch, downloadService, bus, storageSvc)

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start manager: %v", err)
	}
	if err := manager.Recover(ctx); err != nil {
		logger.Warnf("recover downloads: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Options{
		Downloads: downloadService,
		Manager:   manager,
		Users:     userService,
		Bus:       bus,
		Cache:     locations,
		Storage:   storageSvc,
		Bucket:    cfg.Storage.Bucket,
		Gatherer:  registry,
		Logger:    logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
}

// buildStorage returns nil when no bucket is configured; archiving and the
// storage routes are then disabled.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("no storage bucket configured, archiving disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
