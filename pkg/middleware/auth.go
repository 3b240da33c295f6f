package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"maps-scraper-backend/pkg/config"
	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/models"
	"maps-scraper-backend/pkg/supabase"
	"maps-scraper-backend/pkg/utils"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ContextKey 用于在context中存储用户信息的键
type ContextKey string

const (
	UserContextKey        ContextKey = "user"
	AccessTokenContextKey ContextKey = "access_token"
)

// SupabaseAudience Supabase 为已登录用户签发的 aud
const SupabaseAudience = "authenticated"

const tokenLeeway = 30 * time.Second

var errNoVerificationKey = errors.New("no verification key configured for signing method")

// UserLookup 远程校验 access token（Supabase /auth/v1/user）
type UserLookup interface {
	GetUser(ctx context.Context, accessToken string) (*supabase.AuthUser, error)
}

// Verifier 校验 Supabase access token
// HS256 使用项目 JWT secret，非对称签名（RS256/ES256）通过 JWKS 查找公钥
// 两者都没有配置时，退回到每次请求调用 Supabase Auth
type Verifier struct {
	secret []byte
	jwks   keyfunc.Keyfunc
	parser *jwt.Parser
	remote UserLookup
}

// NewVerifier 根据配置创建 Verifier；secret、JWKS URL 或 anon key 至少需要一个
func NewVerifier(cfg *config.Config) (*Verifier, error) {
	var jwks keyfunc.Keyfunc
	if cfg.SupabaseJWKSURL != "" {
		k, err := keyfunc.NewDefault([]string{cfg.SupabaseJWKSURL})
		if err != nil {
			return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
		}
		jwks = k
	}
	if cfg.SupabaseJWTSecret == "" && jwks == nil && cfg.SupabaseURL != "" && cfg.SupabaseAnonKey != "" {
		logger.Get().Warn("no JWT secret or JWKS configured, verifying tokens through Supabase Auth")
		return NewRemoteVerifier(supabase.NewAuthClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)), nil
	}
	return NewVerifierWithKeys(cfg.SupabaseJWTSecret, jwks)
}

// NewRemoteVerifier 只通过 Supabase Auth 校验 token
func NewRemoteVerifier(remote UserLookup) *Verifier {
	return &Verifier{remote: remote}
}

// NewVerifierWithKeys 直接指定 secret 和 JWKS keyfunc
func NewVerifierWithKeys(secret string, jwks keyfunc.Keyfunc) (*Verifier, error) {
	if secret == "" && jwks == nil {
		return nil, errors.New("SUPABASE_JWT_SECRET or SUPABASE_JWKS_URL must be set")
	}
	return &Verifier{
		secret: []byte(secret),
		jwks:   jwks,
		parser: jwt.NewParser(
			jwt.WithAudience(SupabaseAudience),
			jwt.WithLeeway(tokenLeeway),
			jwt.WithExpirationRequired(),
			jwt.WithValidMethods([]string{
				jwt.SigningMethodHS256.Name,
				jwt.SigningMethodRS256.Name,
				jwt.SigningMethodES256.Name,
			}),
		),
	}, nil
}

func (v *Verifier) keyFor(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.secret) == 0 {
			return nil, errNoVerificationKey
		}
		return v.secret, nil
	default:
		if v.jwks == nil {
			return nil, errNoVerificationKey
		}
		return v.jwks.Keyfunc(token)
	}
}

// VerifyContext 本地密钥可用时离线校验，否则询问 Supabase Auth
func (v *Verifier) VerifyContext(ctx context.Context, tokenString string) (*models.SupabaseClaims, error) {
	if v.parser != nil {
		return v.Verify(tokenString)
	}
	if v.remote == nil {
		return nil, errNoVerificationKey
	}
	user, err := v.remote.GetUser(ctx, tokenString)
	if err != nil {
		return nil, err
	}
	claims := &models.SupabaseClaims{Email: user.Email, Role: user.Role}
	claims.Subject = user.ID
	return claims, nil
}

// Verify 解析并校验 token，返回 claims
func (v *Verifier) Verify(tokenString string) (*models.SupabaseClaims, error) {
	if v.parser == nil {
		return nil, errNoVerificationKey
	}
	claims := &models.SupabaseClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, v.keyFor)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing sub")
	}
	return claims, nil
}

// AuthMiddleware 要求 Bearer token；失败时返回 AUTH_REQUIRED 并带上登录跳转地址
func AuthMiddleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.Get()

			tokenString, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				log.Debug("auth failure: missing or malformed authorization header", zap.String("path", r.URL.Path))
				utils.WriteAuthRequiredResponse(w, "Authentication required", r.URL.RequestURI())
				return
			}

			if verifier == nil {
				log.Error("auth verifier not configured")
				utils.WriteAuthRequiredResponse(w, "Authentication required", r.URL.RequestURI())
				return
			}

			claims, err := verifier.VerifyContext(r.Context(), tokenString)
			if err != nil {
				log.Info("auth failure: token rejected", zap.String("path", r.URL.Path), zap.Error(err))
				utils.WriteAuthRequiredResponse(w, "Session expired, please sign in again", r.URL.RequestURI())
				return
			}

			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), claims, tokenString)))
		})
	}
}

func withUser(ctx context.Context, claims *models.SupabaseClaims, accessToken string) context.Context {
	user := &models.User{
		ID:    claims.Subject,
		Email: claims.Email,
		Role:  claims.Role,
	}
	ctx = context.WithValue(ctx, UserContextKey, user)
	return context.WithValue(ctx, AccessTokenContextKey, accessToken)
}

// WithUser 把用户放进 context（handler 测试使用）
func WithUser(ctx context.Context, user *models.User, accessToken string) context.Context {
	ctx = context.WithValue(ctx, UserContextKey, user)
	return context.WithValue(ctx, AccessTokenContextKey, accessToken)
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

// GetUserFromContext 从context中获取用户信息
func GetUserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	return user, ok
}

// GetAccessToken 返回请求携带的 access token
func GetAccessToken(ctx context.Context) string {
	token, _ := ctx.Value(AccessTokenContextKey).(string)
	return token
}

// RequireUser 要求用户必须已认证的辅助函数
func RequireUser(ctx context.Context) (*models.User, error) {
	user, ok := GetUserFromContext(ctx)
	if !ok || user == nil {
		return nil, fmt.Errorf("user not authenticated")
	}
	return user, nil
}
