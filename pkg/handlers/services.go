package handlers

import (
	"sync"

	"maps-scraper-backend/pkg/billing"
	"maps-scraper-backend/pkg/config"
	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/entitlement"
	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/paypal"
	"maps-scraper-backend/pkg/results"
	"maps-scraper-backend/pkg/supabase"
	"maps-scraper-backend/pkg/tasks"

	"go.uber.org/zap"
)

// Services 所有 handler 共享的领域服务
type Services struct {
	Resolver    *entitlement.Resolver
	Gate        *entitlement.Gate
	Coordinator *tasks.Coordinator
	Tasks       *tasks.Service
	Pending     *tasks.PendingCredits
	Fetcher     *results.Fetcher
	Checkout    *billing.Checkout
	Catalog     *billing.Catalog
	Orders      *billing.Orders
	Ledger      *billing.Ledger
	Documents   *billing.Documents
}

// 进程级状态：Vercel 每次请求都会重建路由，这些对象需要跨请求保留
var (
	sharedOnce    sync.Once
	sharedPending *tasks.PendingCredits
	sharedIdem    tasks.IdempotencyStore
)

func processState(cfg *config.Config) (*tasks.PendingCredits, tasks.IdempotencyStore) {
	sharedOnce.Do(func() {
		sharedPending = tasks.NewPendingCredits()
		sharedIdem = NewIdempotencyStore(cfg)
	})
	return sharedPending, sharedIdem
}

// NewIdempotencyStore 配置了 REDIS_URL 时使用 Redis，否则退回进程内存
func NewIdempotencyStore(cfg *config.Config) tasks.IdempotencyStore {
	if cfg.RedisURL != "" {
		client, err := tasks.NewRedisClientFromURL(cfg.RedisURL)
		if err == nil {
			logger.Get().Info("🔁 task notifications deduplicated through Redis")
			return tasks.NewRedisIdempotencyStore(client, "", 0)
		}
		logger.Get().Warn("invalid REDIS_URL, falling back to in-memory idempotency", zap.Error(err))
	}
	return tasks.NewMemoryIdempotencyStore(0, 0)
}

// NewDocuments 收据/发票服务（cmd/receiptsync 也使用）
func NewDocuments(cfg *config.Config, db database.DatabaseInterface, gateway *paypal.Client) *billing.Documents {
	return billing.NewDocuments(billing.DocumentsConfig{
		Store:   db,
		Objects: supabase.NewStorageClient(cfg.SupabaseURL, cfg.SupabaseKey),
		Source:  gateway,
		Bucket:  cfg.StorageBucket,
	})
}

// NewPayPalClient 根据配置创建网关客户端
func NewPayPalClient(cfg *config.Config) *paypal.Client {
	return paypal.NewClient(cfg.PayPalBaseURL(), cfg.PayPalClientID, cfg.PayPalClientSecret)
}

// NewServices 按配置装配全部服务
func NewServices(cfg *config.Config, db database.DatabaseInterface) *Services {
	pending, idem := processState(cfg)

	resolver := entitlement.NewResolver(db, entitlement.Options{
		FreeRowsLimit:          cfg.FreeRowsLimit,
		FallbackPricePerCredit: cfg.FallbackPricePerCredit,
	})
	gate := entitlement.NewGate(resolver)

	var sessions tasks.SessionRefresher
	if cfg.SupabaseURL != "" && cfg.SupabaseAnonKey != "" {
		sessions = supabase.NewAuthClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	} else {
		logger.Get().Warn("SUPABASE_ANON_KEY not set, task submission will not refresh sessions")
	}

	gateway := NewPayPalClient(cfg)
	checkout := billing.NewCheckout(cfg.MinCreditPurchase, cfg.MaxCreditPurchase)

	return &Services{
		Resolver: resolver,
		Gate:     gate,
		Coordinator: tasks.NewCoordinator(tasks.CoordinatorConfig{
			Gate:               gate,
			Tasks:              db,
			Sessions:           sessions,
			Notifier:           tasks.NewBackendNotifier(cfg.ScraperBackendURL, idem),
			Pending:            pending,
			PendingRowEstimate: cfg.PendingRowEstimate,
			SettleDelay:        cfg.SessionSettleDelay,
		}),
		Tasks:    tasks.NewService(db),
		Pending:  pending,
		Fetcher:  results.NewFetcher(results.DefaultPreviewRows),
		Checkout: checkout,
		Catalog:  billing.NewCatalog(db, checkout, resolver),
		Orders: billing.NewOrders(billing.OrdersConfig{
			Store:    db,
			Gateway:  gateway,
			Checkout: checkout,
			Resolver: resolver,
			Currency: cfg.PayPalCurrency,
		}),
		Ledger:    billing.NewLedger(db, 0),
		Documents: NewDocuments(cfg, db, gateway),
	}
}
