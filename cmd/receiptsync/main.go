// Command receiptsync 定时为已完成但缺少收据文件的交易补齐收据
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maps-scraper-backend/pkg/billing"
	"maps-scraper-backend/pkg/config"
	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/handlers"
	"maps-scraper-backend/pkg/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	once := flag.Bool("once", false, "run a single sync pass and exit")
	batch := flag.Int("batch", billing.DefaultReceiptSyncBatch, "transactions per pass")
	flag.Parse()

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

	documents := handlers.NewDocuments(cfg, db, handlers.NewPayPalClient(cfg))
	job := billing.NewReceiptSync(db, documents, *batch)

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		synced, failed, err := job.Run(ctx)
		if err != nil {
			log.Error("[CRON] receipt sync failed", zap.Error(err))
			return
		}
		log.Info("[CRON] receipt sync finished", zap.Int("synced", synced), zap.Int("failed", failed))
	}

	if *once {
		run()
		return
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(log))
	scheduler := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := scheduler.AddFunc(cfg.ReceiptSyncSchedule, run); err != nil {
		log.Fatal("invalid RECEIPT_SYNC_SCHEDULE", zap.String("schedule", cfg.ReceiptSyncSchedule), zap.Error(err))
	}
	if _, err := scheduler.AddFunc("@every 5m", func() {
		database.CleanupIdleConnections(30 * time.Minute)
	}); err != nil {
		log.Fatal("failed to schedule connection cleanup", zap.Error(err))
	}

	scheduler.Start()
	log.Info("receipt sync scheduled", zap.String("schedule", cfg.ReceiptSyncSchedule))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down gracefully")
	ctx := scheduler.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		log.Warn("timed out waiting for running sync")
	}
}
