package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config 应用配置结构
type Config struct {
	// 环境配置
	Environment string
	Port        string
	LogLevel    string

	// 数据库配置
	UseLocalDB  bool
	PostgresDSN string
	SupabaseURL string
	SupabaseKey string

	// Supabase Auth / Storage
	SupabaseAnonKey   string
	SupabaseJWTSecret string
	SupabaseJWKSURL   string
	StorageBucket     string

	// PayPal配置
	PayPalClientID     string
	PayPalClientSecret string
	PayPalEnvironment  string
	PayPalCurrency     string

	// 外部抓取后端
	ScraperBackendURL string
	RedisURL          string

	// 权益与计费参数
	FreeRowsLimit          int64
	FallbackPricePerCredit float64
	MinCreditPurchase      int64
	MaxCreditPurchase      int64
	PendingRowEstimate     int64
	SessionSettleDelay     time.Duration
	RateLimitPerMinute     int
	ReceiptSyncSchedule    string

	// CORS配置
	AllowedOrigins []string

	// 调试配置
	Debug bool
}

// LoadConfig 加载配置（支持本地和Vercel环境）
func LoadConfig() *Config {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	// godotenv.Load 不会覆盖已存在的环境变量；文件不存在时静默忽略
	switch env {
	case "production":
		_ = godotenv.Load(".env.production")
	default:
		_ = godotenv.Load(".env.local")
	}

	config := &Config{
		Environment: getEnvWithDefault("ENVIRONMENT", "development"),
		Port:        getEnvWithDefault("PORT", "3000"),
		LogLevel:    getEnvWithDefault("LOG_LEVEL", "info"),
		UseLocalDB:  getEnvBool("USE_LOCAL_DB", false),
		Debug:       getEnvBool("DEBUG", false),
	}

	// 数据库配置
	// Trim whitespace to avoid trailing spaces/newlines from env sources
	config.PostgresDSN = strings.TrimSpace(os.Getenv("POSTGRES_DSN"))
	config.SupabaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("SUPABASE_URL")), "/")
	config.SupabaseKey = strings.TrimSpace(os.Getenv("SUPABASE_SERVICE_KEY"))
	config.SupabaseAnonKey = strings.TrimSpace(os.Getenv("SUPABASE_ANON_KEY"))
	config.SupabaseJWTSecret = strings.TrimSpace(os.Getenv("SUPABASE_JWT_SECRET"))
	config.SupabaseJWKSURL = strings.TrimSpace(os.Getenv("SUPABASE_JWKS_URL"))
	config.StorageBucket = getEnvWithDefault("STORAGE_BUCKET", "billing-documents")

	// PayPal配置
	config.PayPalClientID = strings.TrimSpace(os.Getenv("PAYPAL_CLIENT_ID"))
	config.PayPalClientSecret = strings.TrimSpace(os.Getenv("PAYPAL_CLIENT_SECRET"))
	config.PayPalEnvironment = getEnvWithDefault("PAYPAL_ENVIRONMENT", "sandbox")
	config.PayPalCurrency = getEnvWithDefault("PAYPAL_CURRENCY", "USD")

	config.ScraperBackendURL = strings.TrimRight(strings.TrimSpace(os.Getenv("SCRAPER_BACKEND_URL")), "/")
	config.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))

	config.FreeRowsLimit = getEnvInt64("FREE_ROWS_LIMIT", 500)
	config.FallbackPricePerCredit = getEnvFloat("FALLBACK_PRICE_PER_CREDIT", 0.00299)
	config.MinCreditPurchase = getEnvInt64("MIN_CREDIT_PURCHASE", 1000)
	config.MaxCreditPurchase = getEnvInt64("MAX_CREDIT_PURCHASE", 1000000)
	config.PendingRowEstimate = getEnvInt64("PENDING_ROW_ESTIMATE", 100)
	config.SessionSettleDelay = getEnvDuration("SESSION_SETTLE_DELAY", 500*time.Millisecond)
	config.RateLimitPerMinute = int(getEnvInt64("RATE_LIMIT_PER_MINUTE", 120))
	config.ReceiptSyncSchedule = getEnvWithDefault("RECEIPT_SYNC_SCHEDULE", "@every 15m")

	// CORS配置
	allowedOrigins := getEnvWithDefault("ALLOWED_ORIGINS", "*")
	if allowedOrigins == "*" {
		config.AllowedOrigins = []string{"*"}
	} else {
		config.AllowedOrigins = strings.Split(allowedOrigins, ",")
	}

	// 生产环境关闭调试
	if config.Environment == "production" {
		config.Debug = false
	}

	return config
}

// Cached config (initialized once per cold start)
var (
	cachedConfig *Config
	configOnce   sync.Once
)

// GetCached returns the process-wide cached Config.
// On serverless (Vercel), it initializes once per cold start and
// reuses it across warm invocations, avoiding per-request parsing.
func GetCached() *Config {
	configOnce.Do(func() {
		cachedConfig = LoadConfig()
	})
	return cachedConfig
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}

	// 验证数据库配置
	if !c.UseLocalDB && c.PostgresDSN == "" && (c.SupabaseURL == "" || c.SupabaseKey == "") {
		return fmt.Errorf("incomplete database config: set POSTGRES_DSN or SUPABASE_URL+SUPABASE_SERVICE_KEY (or USE_LOCAL_DB=true)")
	}

	if c.MinCreditPurchase <= 0 || c.MaxCreditPurchase < c.MinCreditPurchase {
		return fmt.Errorf("invalid credit purchase bounds: min=%d max=%d", c.MinCreditPurchase, c.MaxCreditPurchase)
	}

	if c.IsProduction() {
		if c.SupabaseJWTSecret == "" && c.SupabaseJWKSURL == "" {
			return fmt.Errorf("SUPABASE_JWT_SECRET or SUPABASE_JWKS_URL must be set in production")
		}
		if c.PayPalClientID == "" || c.PayPalClientSecret == "" {
			return fmt.Errorf("PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET must be set in production")
		}
		if c.UseLocalDB {
			return fmt.Errorf("USE_LOCAL_DB is not allowed in production")
		}
	}

	return nil
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// PayPalBaseURL 根据环境返回 PayPal REST 地址
func (c *Config) PayPalBaseURL() string {
	if c.PayPalEnvironment == "live" || c.PayPalEnvironment == "production" {
		return "https://api-m.paypal.com"
	}
	return "https://api-m.sandbox.paypal.com"
}

// 辅助函数

// getEnvWithDefault 获取环境变量，如果不存在则使用默认值
func getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool 获取布尔类型的环境变量
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration 接受 "750ms" 这类 Go duration 写法
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
