package models

import "github.com/golang-jwt/jwt/v5"

// User 表示已认证的调用者（来自 Supabase access token）
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// SupabaseClaims represents the claims in a Supabase access token
type SupabaseClaims struct {
	jwt.RegisteredClaims
	Email       string `json:"email"`
	Role        string `json:"role"`
	SessionID   string `json:"session_id,omitempty"`
	AppMetadata struct {
		Provider string `json:"provider"`
	} `json:"app_metadata"`
}
