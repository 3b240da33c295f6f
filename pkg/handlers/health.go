package handlers

import (
	"context"
	"net/http"
	"time"

	"maps-scraper-backend/pkg/config"
	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/middleware"
	"maps-scraper-backend/pkg/models"
	"maps-scraper-backend/pkg/utils"
)

// HealthHandler 健康检查
type HealthHandler struct {
	config *config.Config
	db     database.DatabaseInterface
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(cfg *config.Config, db database.DatabaseInterface) *HealthHandler {
	return &HealthHandler{config: cfg, db: db}
}

// HealthCheck GET /
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	if err := h.db.HealthCheck(ctx); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	}

	utils.WriteSuccessResponse(w, map[string]interface{}{
		"service":     "maps-scraper-backend",
		"version":     "1.0.0",
		"environment": h.config.Environment,
		"database":    h.getDatabaseType(),
		"db_status":   dbStatus,
		"timestamp":   time.Now().Unix(),
		"status":      "healthy",
	})
}

// getDatabaseType 获取数据库类型
func (h *HealthHandler) getDatabaseType() string {
	switch {
	case h.config.UseLocalDB:
		return "memory"
	case h.config.PostgresDSN != "":
		return "postgresql"
	case h.config.SupabaseURL != "" && h.config.SupabaseKey != "":
		return "supabase"
	}
	return "unknown"
}

// requireUser 未认证时直接写 AUTH_REQUIRED
func requireUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, err := middleware.RequireUser(r.Context())
	if err != nil {
		utils.WriteAuthRequiredResponse(w, "Authentication required", r.URL.RequestURI())
		return nil, false
	}
	return user, true
}
