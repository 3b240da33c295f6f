package models

import "time"

// Profile 用户档案（profiles 表），每个用户一行，注册时创建
type Profile struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email,omitempty" db:"email"`
	PlanID    *int64    `json:"plan_id" db:"plan_id"`
	Credits   int64     `json:"credits" db:"credits"`
	TotalRows int64     `json:"total_rows" db:"total_rows"`
	CreatedAt time.Time `json:"created_at,omitempty" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// ClampCredits keeps a credit balance non-negative.
func ClampCredits(credits int64) int64 {
	if credits < 0 {
		return 0
	}
	return credits
}
