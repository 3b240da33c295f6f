package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"maps-scraper-backend/pkg/config"
	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/utils"

	"go.uber.org/zap"
)

// Recovery 恢复中间件，处理panic并返回统一的错误信封
func Recovery(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// 客户端断开时 net/http 用 ErrAbortHandler 中止，原样抛出
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				stack := debug.Stack()
				logger.Get().Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", stack),
				)

				if cfg.IsDevelopment() {
					// 开发环境：显示详细错误信息
					utils.WriteErrorResponseWithCode(w, http.StatusInternalServerError,
						"INTERNAL_SERVER_ERROR",
						fmt.Sprintf("Internal server error: %v", rec),
						string(stack))
					return
				}
				utils.WriteInternalServerErrorResponse(w, "Internal server error occurred")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
