package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatwave-callkit/internal/call"
	"chatwave-callkit/internal/config"
	callHandler "chatwave-callkit/internal/handler/http/call"
	wsHandler "chatwave-callkit/internal/handler/ws"
	"chatwave-callkit/internal/middleware"
	"chatwave-callkit/internal/signaling"
	"chatwave-callkit/pkg/constants"
	"chatwave-callkit/pkg/logger"
	"chatwave-callkit/pkg/metrics"
)

func main() {
	ctx := context.Background()

	// 1. Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logFormat := "console"
	if cfg.Env == "production" {
		logFormat = "json"
		gin.SetMode(gin.ReleaseMode)
	}
	if err := logger.Init(&logger.Config{Level: os.Getenv("LOG_LEVEL"), Format: logFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Call agent starting",
		zap.String("participant_id", cfg.ParticipantID),
		zap.String("signaling_provider", cfg.SignalingProvider))

	// 3. Connect the signaling transport
	transport, err := signaling.NewTransport(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to create signaling transport", zap.Error(err))
	}
	defer transport.Close()

	// 4. Initialize metrics
	appMetrics := metrics.NewMetrics("call-agent")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 5. Media engine and call manager
	engine := call.NewPionEngine()
	manager := call.NewManager(engine, transport, call.ManagerConfig{
		ParticipantID: cfg.ParticipantID,
		STUNServers:   cfg.STUNServers,
	}, appMetrics)
	defer manager.Close()

	if err := manager.Watch(ctx); err != nil {
		logger.Fatal("Failed to watch for incoming calls", zap.Error(err))
	}

	// 6. Handlers
	callHdlr := callHandler.NewHandler(manager)
	eventHdlr := wsHandler.NewEventHandler(manager, appMetrics)

	// 7. Router
	router := gin.New()

	router.Use(middleware.Recovery())
	router.Use(middleware.HealthCheck("call-agent"))
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.Timeout(constants.DefaultTimeout))
	router.Use(prometheusMiddleware.Handler())

	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/v1/calls")
	{
		v1.POST("/initiate", callHdlr.InitiateCall)
		v1.POST("/:id/accept", callHdlr.AcceptCall)
		v1.POST("/:id/reject", callHdlr.RejectCall)
		v1.POST("/end", callHdlr.EndCall)
		v1.POST("/audio", callHdlr.ToggleAudio)
		v1.POST("/video", callHdlr.ToggleVideo)
		v1.GET("/status", callHdlr.GetStatus)

		// WebSocket endpoint for the call event stream
		v1.GET("/events", eventHdlr.ServeWS)
	}

	// 8. Start server with graceful shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Call agent listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down call agent")
	shutdownCtx, cancel := context.WithTimeout(ctx, constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
