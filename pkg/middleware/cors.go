package middleware

import (
	"net/http"
	"strings"

	"maps-scraper-backend/pkg/config"

	"github.com/go-chi/cors"
)

// RefreshTokenHeader 提交任务时客户端携带的 refresh token
const RefreshTokenHeader = "X-Refresh-Token"

// 会话刷新后新的 token 通过这两个响应头返回
const (
	RotatedAccessTokenHeader  = "X-Access-Token"
	RotatedRefreshTokenHeader = "X-Refresh-Token"
)

var (
	allowedHeaders = []string{
		"Accept",
		"Authorization",
		"Content-Type",
		"X-CSRF-Token",
		"X-Requested-With",
		"Cache-Control",
		RefreshTokenHeader,
	}
	exposedHeaders = []string{
		"Link",
		"X-Total-Count",
		RotatedAccessTokenHeader,
		RotatedRefreshTokenHeader,
	}
)

// CORS 创建CORS中间件；预检请求返回空的 200
func CORS(cfg *config.Config) func(http.Handler) http.Handler {
	corsOptions := cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
			http.MethodPatch,
		},
		AllowedHeaders:     allowedHeaders,
		ExposedHeaders:     exposedHeaders,
		AllowCredentials:   true,
		MaxAge:             300, // 5分钟
		OptionsPassthrough: true,
	}

	// 当AllowedOrigins为*时，不能设置AllowCredentials为true
	if len(cfg.AllowedOrigins) == 0 || contains(cfg.AllowedOrigins, "*") {
		corsOptions.AllowedOrigins = []string{"*"}
		corsOptions.AllowCredentials = false
	} else {
		allowed := cfg.AllowedOrigins
		corsOptions.AllowOriginFunc = func(_ *http.Request, origin string) bool {
			return isOriginAllowed(origin, allowed)
		}
	}

	handler := cors.Handler(corsOptions)
	return func(next http.Handler) http.Handler {
		return handler(preflightOK(next))
	}
}

// preflightOK go-chi/cors 放行 OPTIONS 后，这里直接回空 200，不进入路由
func preflightOK(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed 检查来源是否被允许，支持 "https://preview-*" 这样的前缀通配
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return false
	}
	if contains(allowedOrigins, "*") || contains(allowedOrigins, origin) {
		return true
	}
	for _, allowed := range allowedOrigins {
		if strings.HasSuffix(allowed, "*") && strings.HasPrefix(origin, strings.TrimSuffix(allowed, "*")) {
			return true
		}
	}
	return false
}

// contains 检查切片是否包含指定的字符串
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
