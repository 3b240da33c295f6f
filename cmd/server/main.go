// Command server 在本地以普通 HTTP 服务运行与 Vercel 函数相同的路由
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

	handler "maps-scraper-backend/api"
	"maps-scraper-backend/pkg/config"
	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/middleware"

	"go.uber.org/zap"
)

func main() {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(!cfg.IsProduction(), logger.LogLevel(cfg.LogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Get()

	db, err := database.GetDatabase(database.DatabaseConfig{
		UseLocalDB:  cfg.UseLocalDB,
		PostgresDSN: cfg.PostgresDSN,
		SupabaseURL: cfg.SupabaseURL,
		SupabaseKey: cfg.SupabaseKey,
		Debug:       cfg.Debug,
	})
	if err != nil {
		log.Fatal("database unavailable", zap.Error(err))
	}
	defer db.Close()

	verifier, err := middleware.NewVerifier(cfg)
	if err != nil {
		// 没有配置密钥时所有 /api 请求都会返回 401
		log.Warn("auth verifier unavailable", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.NewRouter(cfg, db, verifier),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 空闲连接定期清理
	stopCleanup := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if database.CleanupIdleConnections(30 * time.Minute) {
					log.Info("closed idle database connection")
				}
			case <-stopCleanup:
				return
			}
		}
	}()

	go func() {
		log.Info("🚀 server listening", zap.String("addr", srv.Addr), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	close(stopCleanup)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
