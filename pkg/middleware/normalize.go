package middleware

import (
	"net/http"
	"strings"
)

// Normalize standardizes request fields coming through proxies (Vercel/Cloudflare)
// - Trims whitespace around URL.Path to avoid paths like "/api/tasks%20%20"
// - Restores scheme/host from forwarding headers so returnTo redirects and logs see the public URL
func Normalize() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p := r.URL.Path; strings.TrimSpace(p) != p {
				r.URL.Path = strings.TrimSpace(p)
			}
			// 去掉尾部斜杠（根路径除外），"/api/tasks/" 与 "/api/tasks" 走同一路由
			if len(r.URL.Path) > 1 && strings.HasSuffix(r.URL.Path, "/") {
				r.URL.Path = strings.TrimRight(r.URL.Path, "/")
				if r.URL.Path == "" {
					r.URL.Path = "/"
				}
			}

			if xfproto := r.Header.Get("X-Forwarded-Proto"); xfproto != "" {
				r.URL.Scheme = xfproto
			}
			if xfhost := r.Header.Get("X-Forwarded-Host"); xfhost != "" {
				r.Host = xfhost
			}
			next.ServeHTTP(w, r)
		})
	}
}
