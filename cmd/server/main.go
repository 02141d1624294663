package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/api/option"

	"github.com/opencampus/pushsync/internal/config"
	"github.com/opencampus/pushsync/internal/dispatch"
	"github.com/opencampus/pushsync/internal/logger"
	"github.com/opencampus/pushsync/internal/notify"
	"github.com/opencampus/pushsync/internal/registry"
	"github.com/opencampus/pushsync/internal/storage/pg"
)

func main() {
	config.LoadConfig()

	log := logger.New(logger.FromConfig(config.AppConfig.LogLevel, config.AppConfig.LogFormat))

	// Set Gin mode
	log.Info("Setting Gin mode", slog.String("mode", config.AppConfig.GinMode))
	gin.SetMode(config.AppConfig.GinMode)

	// Initialize database.
	db, err := pg.InitDatabase(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Error("Failed to initialize database", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize the FCM client.
	ctx := context.Background()
	var opts []option.ClientOption
	if config.AppConfig.FirebaseCredFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.AppConfig.FirebaseCredFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: config.AppConfig.FirebaseProjectID}, opts...)
	if err != nil {
		log.Error("Failed to initialize Firebase app", slog.Any("error", err))
		os.Exit(1)
	}
	fcmClient, err := app.Messaging(ctx)
	if err != nil {
		log.Error("Failed to initialize FCM client", slog.Any("error", err))
		os.Exit(1)
	}

	tuning := config.AppConfig.Tuning

	// Initialize services
	tokenRegistry := registry.New(db.DB, log, tuning.MinTokenLength)
	dispatcher := dispatch.New(fcmClient, log, dispatch.Options{
		BatchSize:      tuning.DispatchBatchSize,
		MinTokenLength: tuning.MinTokenLength,
	})
	pushService := notify.NewService(tokenRegistry, dispatcher, log, notify.RetryPolicy{
		Attempts: tuning.RegisterRetryAttempts,
		Delay:    time.Duration(tuning.RegisterRetryDelayMillis) * time.Millisecond,
	})
	directory := notify.NewHTTPDirectory(config.AppConfig.DirectoryBaseURL)

	// Nightly sweep of tokens that have been inactive past the horizon.
	horizon := time.Duration(config.AppConfig.StaleTokenHorizonDays) * 24 * time.Hour
	sweeper, err := notify.StartSweeper(tokenRegistry, log, config.AppConfig.SweepSchedule, horizon)
	if err != nil {
		log.Error("Failed to start stale token sweeper", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize handlers
	pushHandler := notify.NewHandler(pushService, directory)

	// Initialize Gin router
	router := gin.Default()

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", config.AppConfig.CORSAllowedOrigins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		if err := db.DB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Push API routes
	api := router.Group("/api/v1")
	pushHandler.RegisterRoutes(api)

	port := ":" + config.AppConfig.Port
	log.Info("push service listening", slog.String("port", port))

	srv := &http.Server{
		Addr:    port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start server", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	sweepCtx := sweeper.Stop()
	<-sweepCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("Server exited")
}
