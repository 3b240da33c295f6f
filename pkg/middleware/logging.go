package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"maps-scraper-backend/pkg/logger"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Logger 请求日志中间件（zap 结构化字段）
func Logger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// 包装 ResponseWriter 以拿到状态码
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("ip", getClientIP(r)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			// AuthMiddleware 挂在子路由上，这里通常拿不到用户；拿到时记录
			if user, ok := GetUserFromContext(r.Context()); ok && user != nil {
				fields = append(fields, zap.String("user_id", user.ID))
			}

			log := logger.Get()
			switch {
			case status >= 500:
				log.Error("request", fields...)
			case status >= 400:
				log.Warn("request", fields...)
			default:
				log.Info("request", fields...)
			}
		})
	}
}

// getClientIP 获取客户端IP地址
func getClientIP(r *http.Request) string {
	// X-Forwarded-For 可能是逗号分隔的代理链，取第一个
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
