package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"maps-scraper-backend/pkg/config"
	"maps-scraper-backend/pkg/supabase"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func userClaims(exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-123",
		"aud":   SupabaseAudience,
		"email": "a@example.com",
		"role":  "authenticated",
		"exp":   exp.Unix(),
		"iat":   time.Now().Unix(),
	}
}

func TestVerifierHS256(t *testing.T) {
	v, err := NewVerifierWithKeys(testSecret, nil)
	if err != nil {
		t.Fatalf("NewVerifierWithKeys() = %v", err)
	}

	claims, err := v.Verify(signHS256(t, testSecret, userClaims(time.Now().Add(time.Hour))))
	if err != nil {
		t.Fatalf("Verify() = %v", err)
	}
	if claims.Subject != "user-123" || claims.Email != "a@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := v.Verify(signHS256(t, testSecret, userClaims(time.Now().Add(-time.Hour)))); err == nil {
		t.Fatalf("expected expired token to fail")
	}
	if _, err := v.Verify(signHS256(t, "another-secret-another-secret-another", userClaims(time.Now().Add(time.Hour)))); err == nil {
		t.Fatalf("expected wrong secret to fail")
	}

	anon := userClaims(time.Now().Add(time.Hour))
	anon["aud"] = "anon"
	if _, err := v.Verify(signHS256(t, testSecret, anon)); err == nil {
		t.Fatalf("expected anon audience to fail")
	}
}

func TestNewVerifierRequiresKey(t *testing.T) {
	if _, err := NewVerifierWithKeys("", nil); err == nil {
		t.Fatalf("expected error without secret or JWKS")
	}
	if _, err := NewVerifier(&config.Config{}); err == nil {
		t.Fatalf("expected error from empty config")
	}
}

type fakeLookup map[string]*supabase.AuthUser

func (f fakeLookup) GetUser(_ context.Context, token string) (*supabase.AuthUser, error) {
	if u, ok := f[token]; ok {
		return u, nil
	}
	return nil, supabase.ErrUnauthorized
}

func TestRemoteVerifier(t *testing.T) {
	v := NewRemoteVerifier(fakeLookup{"live": {ID: "user-9", Email: "r@example.com", Role: "authenticated"}})

	claims, err := v.VerifyContext(context.Background(), "live")
	if err != nil {
		t.Fatalf("VerifyContext() = %v", err)
	}
	if claims.Subject != "user-9" || claims.Email != "r@example.com" {
		t.Errorf("claims = %+v", claims)
	}
	if _, err := v.VerifyContext(context.Background(), "stale"); err == nil {
		t.Errorf("expected stale token to be rejected")
	}
	// 没有本地密钥时不能离线校验
	if _, err := v.Verify("live"); err == nil {
		t.Errorf("expected offline Verify to fail")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/plan/current", nil)
	req.Header.Set("Authorization", "Bearer live")
	rec := httptest.NewRecorder()
	var got string
	AuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, _ := GetUserFromContext(r.Context())
		got = u.ID
	})).ServeHTTP(rec, req)
	if got != "user-9" {
		t.Errorf("user = %q, want user-9", got)
	}
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func newJWKS(t *testing.T, key *rsa.PrivateKey, kid string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string][]jwk{"keys": {{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return raw
}

func TestVerifierJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	kf, err := keyfunc.NewJWKSetJSON(newJWKS(t, key, "test-key"))
	if err != nil {
		t.Fatalf("NewJWKSetJSON() = %v", err)
	}
	v, err := NewVerifierWithKeys("", kf)
	if err != nil {
		t.Fatalf("NewVerifierWithKeys() = %v", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, userClaims(time.Now().Add(time.Hour)))
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := v.Verify(signed); err != nil {
		t.Fatalf("Verify() = %v", err)
	}

	// 只配置了 JWKS 时 HS256 token 没有可用的 key
	if _, err := v.Verify(signHS256(t, testSecret, userClaims(time.Now().Add(time.Hour)))); err == nil {
		t.Fatalf("expected HS256 token to fail without secret")
	}
}

func TestAuthMiddleware(t *testing.T) {
	v, _ := NewVerifierWithKeys(testSecret, nil)
	var gotUser, gotToken string
	h := AuthMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := RequireUser(r.Context())
		if err != nil {
			t.Fatalf("RequireUser() = %v", err)
		}
		gotUser = user.ID
		gotToken = GetAccessToken(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/billing/ledger?tab=credits", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		var body struct {
			Error struct {
				Code    string            `json:"code"`
				Details map[string]string `json:"details"`
			} `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Error.Code != "AUTH_REQUIRED" {
			t.Fatalf("code = %q", body.Error.Code)
		}
		want := "/auth/sign-in?returnTo=%2Fapi%2Fbilling%2Fledger%3Ftab%3Dcredits"
		if body.Error.Details["redirect"] != want {
			t.Fatalf("redirect = %q, want %q", body.Error.Details["redirect"], want)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		req.Header.Set("Authorization", "Token abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		token := signHS256(t, testSecret, userClaims(time.Now().Add(time.Hour)))
		req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if gotUser != "user-123" || gotToken != token {
			t.Fatalf("context user=%q token match=%v", gotUser, gotToken == token)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	cfg := &config.Config{AllowedOrigins: []string{"https://app.example.com"}}
	called := false
	h := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/tasks", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, X-Refresh-Token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}
	if called {
		t.Fatalf("preflight reached the handler")
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestIsOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.example.com", "https://preview-*"}
	cases := map[string]bool{
		"https://app.example.com":       true,
		"https://preview-123.vercel.app": true,
		"https://evil.example.com":      false,
	}
	for origin, want := range cases {
		if got := isOriginAllowed(origin, allowed); got != want {
			t.Errorf("isOriginAllowed(%q) = %v, want %v", origin, got, want)
		}
	}
}

func TestIPRateLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewIPRateLimiter(4) // 每 15s 一个令牌，burst 1
	l.now = func() time.Time { return now }

	if !l.Allow("1.1.1.1") {
		t.Fatalf("first request should pass")
	}
	if l.Allow("1.1.1.1") {
		t.Fatalf("second request should be limited")
	}
	if !l.Allow("2.2.2.2") {
		t.Fatalf("other IPs have their own bucket")
	}

	now = now.Add(15 * time.Second)
	if !l.Allow("1.1.1.1") {
		t.Fatalf("token should refill")
	}

	now = now.Add(time.Hour)
	if removed := l.Cleanup(); removed != 2 {
		t.Fatalf("Cleanup() = %d, want 2", removed)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	l := NewIPRateLimiter(1)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		req.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d status = %d, want %d", i, rec.Code, want)
		}
		if want == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Fatalf("missing Retry-After")
		}
	}
}

func TestRateLimitDisabled(t *testing.T) {
	l := NewIPRateLimiter(0)
	for i := 0; i < 10; i++ {
		if !l.Allow("1.1.1.1") {
			t.Fatalf("limiter with 0 rpm should not block")
		}
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	if got := getClientIP(req); got != "192.0.2.1" {
		t.Fatalf("RemoteAddr ip = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := getClientIP(req); got != "203.0.113.5" {
		t.Fatalf("XFF ip = %q", got)
	}
}

func TestRecovery(t *testing.T) {
	cfg := &config.Config{Environment: "production"}
	h := Recovery(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Fatalf("production response leaked panic value: %s", rec.Body.String())
	}
}

func TestNormalize(t *testing.T) {
	var gotPath, gotHost string
	h := Normalize()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHost = r.Host
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/", nil)
	req.Header.Set("X-Forwarded-Host", "api.example.com")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if gotPath != "/api/tasks" || gotHost != "api.example.com" {
		t.Fatalf("path=%q host=%q", gotPath, gotHost)
	}
}

func TestContentTypeJSON(t *testing.T) {
	h := ContentTypeJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("a=b"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("form post status = %d, want 400", rec.Code)
	}

	// 空 body 的 POST 不要求 Content-Type
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/checkout/orders/o1/capture", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("empty post status = %d, want 200", rec.Code)
	}
}
