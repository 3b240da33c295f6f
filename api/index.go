package handler

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"maps-scraper-backend/pkg/config"
	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/handlers"
	"maps-scraper-backend/pkg/logger"
	customMiddleware "maps-scraper-backend/pkg/middleware"
	"maps-scraper-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// 冷启动时初始化一次
var (
	initOnce    sync.Once
	verifier    *customMiddleware.Verifier
	verifierErr error
)

func initProcess(cfg *config.Config) {
	initOnce.Do(func() {
		if err := logger.Init(!cfg.IsProduction(), logger.LogLevel(cfg.LogLevel)); err != nil {
			fmt.Printf("failed to init logger: %v\n", err)
		}
		verifier, verifierErr = customMiddleware.NewVerifier(cfg)
		if verifierErr != nil {
			logger.Get().Error("auth verifier unavailable", zap.Error(verifierErr))
		}
	})
}

// Handler 是Vercel函数的入口点
// 这个函数实现了"单体路由模式"，将所有API端点集中在一个Chi路由器中管理
func Handler(w http.ResponseWriter, r *http.Request) {
	cfg := config.GetCached()

	if err := cfg.Validate(); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Configuration error: "+err.Error())
		return
	}
	initProcess(cfg)

	// 获取优化的数据库连接（自动适配Vercel环境）；连接由优化器管理，无需手动关闭
	db, err := database.GetOptimizedDatabase(database.DatabaseConfig{
		UseLocalDB:  cfg.UseLocalDB,
		PostgresDSN: cfg.PostgresDSN,
		SupabaseURL: cfg.SupabaseURL,
		SupabaseKey: cfg.SupabaseKey,
		Debug:       cfg.Debug,
	})
	if err != nil {
		logger.Get().Error("database unavailable", zap.Error(err))
		utils.WriteUnavailableResponse(w, "Database is temporarily unavailable")
		return
	}

	NewRouter(cfg, db, verifier).ServeHTTP(w, r)
}

// NewRouter 组装中间件与路由（cmd/server 复用）
func NewRouter(cfg *config.Config, db database.DatabaseInterface, v *customMiddleware.Verifier) http.Handler {
	router := chi.NewRouter()
	setupMiddleware(router, cfg)
	setupRoutes(router, cfg, db, v)
	return router
}

// setupMiddleware 设置全局中间件
func setupMiddleware(router *chi.Mux, cfg *config.Config) {
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	// Normalize path and restore scheme/host before logging and routing
	router.Use(customMiddleware.Normalize())
	router.Use(customMiddleware.Logger())
	router.Use(customMiddleware.Recovery(cfg))

	// CORS中间件；OPTIONS 预检在这里直接返回 200
	router.Use(customMiddleware.CORS(cfg))

	router.Use(customMiddleware.RateLimitByIP(cfg.RateLimitPerMinute))

	// 超时中间件（Vercel函数有时间限制）
	router.Use(middleware.Timeout(25 * time.Second)) // 留5秒缓冲

	router.Use(middleware.Compress(5))

	if cfg.IsDevelopment() {
		router.Use(middleware.Heartbeat("/ping"))
	}
}

// setupRoutes 设置所有API路由
func setupRoutes(router *chi.Mux, cfg *config.Config, db database.DatabaseInterface, v *customMiddleware.Verifier) {
	services := handlers.NewServices(cfg, db)

	healthHandler := handlers.NewHealthHandler(cfg, db)
	planHandler := handlers.NewPlanHandler(services)
	taskHandler := handlers.NewTaskHandler(services)
	checkoutHandler := handlers.NewCheckoutHandler(services)
	billingHandler := handlers.NewBillingHandler(services)

	// 健康检查端点
	router.Get("/", healthHandler.HealthCheck)

	// 数据库连接池状态端点（调试用）
	if cfg.IsDevelopment() {
		router.Get("/debug/db-pool", func(w http.ResponseWriter, r *http.Request) {
			var stats map[string]interface{}
			if database.IsVercelEnvironment() {
				stats = database.GetVercelOptimizer().GetStats()
				stats["optimizer_type"] = "vercel"
			} else {
				stats = database.GetConnectionStats()
				stats["optimizer_type"] = "standard"
			}
			utils.WriteSuccessResponse(w, stats)
		})

		// 环境变量检查端点
		router.Get("/debug/env-check", func(w http.ResponseWriter, r *http.Request) {
			utils.WriteSuccessResponse(w, map[string]interface{}{
				"supabase_url":        cfg.SupabaseURL != "",
				"supabase_anon_key":   cfg.SupabaseAnonKey != "",
				"supabase_jwt_secret": cfg.SupabaseJWTSecret != "",
				"supabase_jwks_url":   cfg.SupabaseJWKSURL != "",
				"paypal_client_id":    cfg.PayPalClientID != "",
				"paypal_environment":  cfg.PayPalEnvironment,
				"scraper_backend_url": cfg.ScraperBackendURL != "",
				"redis_url":           cfg.RedisURL != "",
			})
		})
	}

	router.Route("/api", func(r chi.Router) {
		r.Use(customMiddleware.MaxBodySize(1 << 20))
		r.Use(customMiddleware.ContentTypeJSON)

		// 定价表公开
		r.Get("/plans", planHandler.ListPlans)

		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.AuthMiddleware(v))

			r.Get("/plan/current", planHandler.GetCurrentPlan)
			r.Get("/entitlement", planHandler.GetEntitlement)
			r.Get("/eligibility", planHandler.GetEligibility)

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", taskHandler.ListTasks)
				r.Post("/", taskHandler.SubmitTask)
				r.Get("/{taskID}", taskHandler.GetTask)
				r.Get("/{taskID}/results", taskHandler.GetResults)
			})

			r.Route("/checkout", func(r chi.Router) {
				r.Post("/intent", checkoutHandler.BeginCheckout)
				r.Post("/orders", checkoutHandler.CreateOrder)
				r.Post("/orders/{orderID}/capture", checkoutHandler.CaptureOrder)
			})

			r.Route("/billing", func(r chi.Router) {
				r.Get("/ledger", billingHandler.GetLedger)
				r.Post("/transactions/{transactionID}/invoice", billingHandler.GenerateInvoice)
				r.Post("/transactions/{transactionID}/receipt", billingHandler.GetReceipt)
			})
		})
	})

	// 404处理
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("Route not found: %s %s", r.Method, r.URL.Path))
	})

	// 405处理
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponseWithCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path), "")
	})
}
