package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMissingRefreshToken 没有可用于刷新的会话
var ErrMissingRefreshToken = errors.New("supabase: no refresh token")

// AuthUser GoTrue 返回的用户
type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Session 刷新后得到的新令牌
type Session struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	User         AuthUser `json:"user"`
}

// AuthClient Supabase Auth (GoTrue)
type AuthClient struct {
	*Client
}

// NewAuthClient 使用 anon key 访问 /auth/v1
func NewAuthClient(baseURL, anonKey string) *AuthClient {
	return &AuthClient{Client: NewClient(baseURL, anonKey)}
}

// RefreshSession 用 refresh token 换取新会话
func (a *AuthClient) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, ErrMissingRefreshToken
	}
	var session Session
	err := a.doJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "",
		map[string]string{"refresh_token": refreshToken}, &session)
	if err != nil {
		// GoTrue 对失效的 refresh token 返回 400
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Body)
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	if session.AccessToken == "" {
		return nil, fmt.Errorf("refresh session: %w: empty access token", ErrUnauthorized)
	}
	return &session, nil
}

// GetUser 校验 access token 并返回用户
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*AuthUser, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, ErrUnauthorized
	}
	var user AuthUser
	if err := a.doJSON(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &user); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("get user: %w", ErrUnauthorized)
	}
	return &user, nil
}
