package database

import (
	"context"
	"errors"
	"fmt"
	"os"

	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/models"

	"go.uber.org/zap"
)

// ErrNotFound 查询不到记录
var ErrNotFound = errors.New("record not found")

// DatabaseInterface 定义数据库访问接口
type DatabaseInterface interface {
	// 用户档案
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	UpdateProfilePlan(ctx context.Context, userID string, planID int64) error
	// AddCredits applies delta to the profile balance, clamping at zero, and
	// returns the new balance.
	AddCredits(ctx context.Context, userID string, delta int64) (int64, error)

	// 定价套餐
	GetPlan(ctx context.Context, planID int64) (*models.PricingPlan, error)
	ListPlans(ctx context.Context) ([]models.PricingPlan, error)

	// 抓取任务
	CreateTask(ctx context.Context, task *models.ScrapingTask) error
	GetTask(ctx context.Context, userID, taskID string) (*models.ScrapingTask, error)
	ListTasks(ctx context.Context, userID string) ([]models.ScrapingTask, error)
	SumTaskRows(ctx context.Context, userID string) (int64, error)

	// 账单交易
	CreateTransaction(ctx context.Context, tx *models.BillingTransaction) error
	GetTransaction(ctx context.Context, userID, transactionID string) (*models.BillingTransaction, error)
	// ListTransactions returns the user's transactions ordered by transaction_date ascending.
	ListTransactions(ctx context.Context, userID string) ([]models.BillingTransaction, error)
	ListTransactionsMissingReceipt(ctx context.Context, limit int) ([]models.BillingTransaction, error)
	// UpdateTransactionFiles sets whichever of the two paths is non-nil.
	UpdateTransactionFiles(ctx context.Context, transactionID string, receiptPath, invoicePath *string) error

	// 健康检查
	HealthCheck(ctx context.Context) error

	// 关闭连接
	Close() error
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	UseLocalDB  bool
	PostgresDSN string
	SupabaseURL string
	SupabaseKey string
	Debug       bool
}

// NewDatabase 根据环境与配置选择数据库实现
func NewDatabase(config DatabaseConfig) (DatabaseInterface, error) {
	log := logger.Get()

	if config.UseLocalDB {
		log.Info("🧪 Using in-memory database with seeded plans")
		return NewMemoryDatabase(SeedPlans()...), nil
	}

	// Vercel 优先使用 Supabase（避免 IPv6）
	if isVercelEnvironment() {
		if config.SupabaseURL != "" && config.SupabaseKey != "" {
			log.Info("🚀 Using Supabase REST API (Vercel optimized)")
			return NewSupabaseDatabase(config.SupabaseURL, config.SupabaseKey), nil
		}
		if config.PostgresDSN != "" {
			log.Warn("🌐 Using PostgreSQL in Vercel (may have IPv6 issues)")
			return NewPostgresDatabase(config.PostgresDSN)
		}
		return nil, fmt.Errorf("no valid database configured for Vercel environment: set SUPABASE_URL+SUPABASE_SERVICE_KEY or POSTGRES_DSN")
	}

	// 非 Vercel 环境：PostgreSQL > Supabase
	if config.PostgresDSN != "" {
		log.Info("🗄️ Using PostgreSQL database")
		return NewPostgresDatabase(config.PostgresDSN)
	}
	if config.SupabaseURL != "" && config.SupabaseKey != "" {
		log.Info("🧰 Using Supabase REST API")
		return NewSupabaseDatabase(config.SupabaseURL, config.SupabaseKey), nil
	}

	log.Error("no valid database configuration found", zap.Bool("has_postgres", false), zap.Bool("has_supabase", false))
	return nil, fmt.Errorf("no valid database configuration found: configure POSTGRES_DSN or SUPABASE_URL+SUPABASE_SERVICE_KEY")
}

// isVercelEnvironment 内部检查 Vercel 环境
func isVercelEnvironment() bool {
	return os.Getenv("VERCEL_ENV") != "" || os.Getenv("VERCEL_URL") != "" || os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}

// IsVercelEnvironment 检查是否在Vercel环境中（导出版本）
func IsVercelEnvironment() bool {
	return isVercelEnvironment()
}

// errTransient 模拟的临时读取失败
var errTransient = errors.New("temporary database failure")
