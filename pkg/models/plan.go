package models

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// BillingPeriod 计费周期
type BillingPeriod string

const (
	BillingMonthly BillingPeriod = "monthly"
	BillingCredits BillingPeriod = "credits"
)

// DefaultPlanID 是 plan_id 为空时使用的免费套餐
const DefaultPlanID int64 = 1

// PricingPlan 定价套餐（pricing_plans 表，外部预置的只读数据）
type PricingPlan struct {
	ID             int64           `json:"id" db:"id"`
	Name           string          `json:"name" db:"name"`
	Price          decimal.Decimal `json:"price" db:"price"`
	BillingPeriod  BillingPeriod   `json:"billing_period" db:"billing_period"`
	PricePerCredit *float64        `json:"price_per_credit" db:"price_per_credit"`
	RowLimit       *int64          `json:"row_limit" db:"row_limit"`
	Features       json.RawMessage `json:"features,omitempty" db:"features"`
}
