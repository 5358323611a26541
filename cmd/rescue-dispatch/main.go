package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/mr1hm/go-rescue-dispatch/internal/api"
	"github.com/mr1hm/go-rescue-dispatch/internal/collector"
	"github.com/mr1hm/go-rescue-dispatch/internal/config"
	"github.com/mr1hm/go-rescue-dispatch/internal/dispatch"
	"github.com/mr1hm/go-rescue-dispatch/internal/escalation"
	"github.com/mr1hm/go-rescue-dispatch/internal/events"
	"github.com/mr1hm/go-rescue-dispatch/internal/geomatch"
	"github.com/mr1hm/go-rescue-dispatch/internal/logging"
	"github.com/mr1hm/go-rescue-dispatch/internal/repository"
	"github.com/mr1hm/go-rescue-dispatch/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level)

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port)

	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		logging.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := events.NewBroadcaster()
	recorder := events.NewRecorder(db, broadcaster)

	pool := worker.NewPool(cfg.Worker.Count, cfg.Worker.BufferSize)
	pool.Start(ctx)

	dispatcher := dispatch.NewDispatcher(db, dispatch.DefaultAdapters(), cfg.Dispatch)
	matcher := geomatch.NewMatcher(db)

	engine, err := escalation.NewEngine(db, matcher, dispatcher, recorder, pool, cfg.Escalation, cfg.Dispatch.MaxSeq)
	if err != nil {
		logging.Fatalf("Failed to build escalation engine: %v", err)
	}

	if err := engine.Recover(ctx); err != nil {
		logging.Fatalf("Failed to recover escalation timers: %v", err)
	}
	go engine.Run(ctx)

	responses := collector.NewCollector(db, engine, cfg.Escalation.RejectThreshold)

	// Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))
	router.Use(api.RateLimitMiddleware(20)) // 20 req/s global limit

	handler := api.NewHandler(db, engine, responses, broadcaster)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	cancel()
	engine.Stop()
	pool.Stop()
	broadcaster.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}
