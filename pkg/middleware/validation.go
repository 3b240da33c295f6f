package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"maps-scraper-backend/pkg/utils"

	"golang.org/x/time/rate"
)

// ContentTypeJSON 验证请求Content-Type为application/json
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 只对带请求体的方法验证Content-Type；空 body 的 POST（如 capture）放行
		if (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) && r.ContentLength != 0 {
			contentType := r.Header.Get("Content-Type")
			if contentType == "" {
				utils.WriteBadRequestResponse(w, "Content-Type header is required")
				return
			}

			// 检查是否为application/json（忽略charset等参数）
			if !strings.HasPrefix(strings.ToLower(contentType), "application/json") {
				utils.WriteBadRequestResponse(w, "Content-Type must be application/json")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// MaxBodySize 限制请求体大小
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// IPRateLimiter 每个客户端IP一个令牌桶（内存版本，单实例内有效）
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter requestsPerMinute <= 0 表示不限流
func NewIPRateLimiter(requestsPerMinute int) *IPRateLimiter {
	burst := requestsPerMinute / 4
	if burst < 1 {
		burst = 1
	}
	return &IPRateLimiter{
		limiters: make(map[string]*ipLimiter),
		limit:    rate.Limit(float64(requestsPerMinute) / 60),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Allow 消耗 ip 的一个令牌
func (l *IPRateLimiter) Allow(ip string) bool {
	if l.limit <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// Cleanup 移除空闲超过 idleTTL 的 IP，返回移除数量
func (l *IPRateLimiter) Cleanup() int {
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
			removed++
		}
	}
	return removed
}

// Middleware 超限时返回 429 和 Retry-After
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(getClientIP(r)) {
			retryAfter := 1
			if l.limit > 0 {
				retryAfter = int(time.Duration(float64(time.Second)/float64(l.limit)).Round(time.Second) / time.Second)
				if retryAfter < 1 {
					retryAfter = 1
				}
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			utils.WriteErrorResponseWithCode(w, http.StatusTooManyRequests, "RATE_LIMITED",
				"Too many requests, please try later.", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

var (
	sharedLimitersMu sync.Mutex
	sharedLimiters   = map[int]*IPRateLimiter{}
)

// RateLimitByIP 按IP限流；同一个 requestsPerMinute 在进程内复用同一个限流器，
// 这样 Vercel 每次请求重建路由时桶状态不会丢失
func RateLimitByIP(requestsPerMinute int) func(http.Handler) http.Handler {
	sharedLimitersMu.Lock()
	limiter, ok := sharedLimiters[requestsPerMinute]
	if !ok {
		limiter = NewIPRateLimiter(requestsPerMinute)
		sharedLimiters[requestsPerMinute] = limiter
	} else {
		limiter.Cleanup()
	}
	sharedLimitersMu.Unlock()
	return limiter.Middleware
}
