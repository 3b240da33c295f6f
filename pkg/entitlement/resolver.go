// Package entitlement 计算用户当前的套餐/额度状态，并据此判断能否提交新任务
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// DefaultFreeRowsLimit applies when the free plan has no row_limit.
	DefaultFreeRowsLimit int64 = 500
	// FallbackPricePerCredit replaces stored prices below PricePrecisionThreshold.
	FallbackPricePerCredit = 0.00299
	// PricePrecisionThreshold 低于该值视为存储精度问题
	PricePrecisionThreshold = 0.001
	defaultPlanName         = "Free Plan"
)

// ErrProfileNotFound 档案不存在，按认证失败处理
var ErrProfileNotFound = errors.New("entitlement: profile not found")

// Store 解析权益所需的数据访问
type Store interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	GetPlan(ctx context.Context, planID int64) (*models.PricingPlan, error)
	SumTaskRows(ctx context.Context, userID string) (int64, error)
}

// Snapshot 每次查询实时计算，不落库
type Snapshot struct {
	PlanID             int64                `json:"plan_id"`
	PlanName           string               `json:"plan_name"`
	BillingPeriod      models.BillingPeriod `json:"billing_period"`
	IsFreePlan         bool                 `json:"is_free_plan"`
	IsExceeded         bool                 `json:"is_exceeded"`
	IsCreditBasedPlan  bool                 `json:"is_credit_based_plan"`
	IsSubscriptionPlan bool                 `json:"is_subscription_plan"`
	HasBothPlanTypes   bool                 `json:"has_both_plan_types"`
	Credits            int64                `json:"credits"`
	TotalRows          int64                `json:"total_rows"`
	FreeRowsLimit      int64                `json:"free_rows_limit"`
	PricePerCredit     decimal.Decimal      `json:"price_per_credit"`
}

// PreviewOnly 免费额度用尽且没有积分时，结果只给预览
func (s Snapshot) PreviewOnly() bool {
	return s.IsFreePlan && s.IsExceeded && s.Credits <= 0
}

// Options 可配置的默认值
type Options struct {
	FreeRowsLimit          int64
	FallbackPricePerCredit float64
}

// Resolver 权益解析器
type Resolver struct {
	store Store
	opts  Options
}

// NewResolver 零值 Options 使用包内默认值
func NewResolver(store Store, opts Options) *Resolver {
	if opts.FreeRowsLimit <= 0 {
		opts.FreeRowsLimit = DefaultFreeRowsLimit
	}
	if opts.FallbackPricePerCredit <= 0 {
		opts.FallbackPricePerCredit = FallbackPricePerCredit
	}
	return &Resolver{store: store, opts: opts}
}

// IsFreePlanName 套餐名包含 "free"（不区分大小写）即视为免费套餐
func IsFreePlanName(name string) bool {
	return strings.Contains(strings.ToLower(name), "free")
}

// EffectivePricePerCredit 返回实际使用的单价
func EffectivePricePerCredit(stored *float64) decimal.Decimal {
	return effectivePrice(stored, FallbackPricePerCredit)
}

func effectivePrice(stored *float64, fallback float64) decimal.Decimal {
	if stored == nil || *stored < PricePrecisionThreshold {
		return decimal.NewFromFloat(fallback)
	}
	return decimal.NewFromFloat(*stored)
}

// EffectivePricePerCredit 使用解析器配置的兜底单价
func (r *Resolver) EffectivePricePerCredit(stored *float64) decimal.Decimal {
	return effectivePrice(stored, r.opts.FallbackPricePerCredit)
}

// Resolve 计算权益快照；档案不存在返回 ErrProfileNotFound
func (r *Resolver) Resolve(ctx context.Context, userID string) (Snapshot, error) {
	profile, err := r.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Snapshot{}, ErrProfileNotFound
		}
		return Snapshot{}, fmt.Errorf("load profile: %w", err)
	}

	planID := models.DefaultPlanID
	if profile.PlanID != nil {
		planID = *profile.PlanID
	}
	plan, err := r.store.GetPlan(ctx, planID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load plan %d: %w", planID, err)
	}

	// 重新汇总任务行数，不信任 profiles.total_rows
	totalRows, err := r.store.SumTaskRows(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sum task rows: %w", err)
	}

	limit := r.opts.FreeRowsLimit
	if plan.RowLimit != nil {
		limit = *plan.RowLimit
	}

	s := Snapshot{
		PlanID:         plan.ID,
		PlanName:       plan.Name,
		BillingPeriod:  plan.BillingPeriod,
		Credits:        profile.Credits,
		TotalRows:      totalRows,
		FreeRowsLimit:  limit,
		PricePerCredit: r.EffectivePricePerCredit(plan.PricePerCredit),
	}
	s.IsFreePlan = IsFreePlanName(plan.Name)
	s.IsCreditBasedPlan = plan.BillingPeriod == models.BillingCredits
	s.IsSubscriptionPlan = plan.BillingPeriod == models.BillingMonthly && !s.IsFreePlan
	s.IsExceeded = s.IsFreePlan && totalRows > limit
	s.HasBothPlanTypes = s.IsSubscriptionPlan && profile.Credits > 0
	return s, nil
}

// DefaultSnapshot 读取失败时使用的最宽松状态
func (r *Resolver) DefaultSnapshot() Snapshot {
	return Snapshot{
		PlanID:         models.DefaultPlanID,
		PlanName:       defaultPlanName,
		BillingPeriod:  models.BillingMonthly,
		IsFreePlan:     true,
		FreeRowsLimit:  r.opts.FreeRowsLimit,
		PricePerCredit: decimal.NewFromFloat(r.opts.FallbackPricePerCredit),
	}
}

// ResolveOrDefault fail-open：出错时记录日志并返回默认快照
func (r *Resolver) ResolveOrDefault(ctx context.Context, userID string) Snapshot {
	s, err := r.Resolve(ctx, userID)
	if err != nil {
		logger.Get().Warn("entitlement resolve failed, using default snapshot",
			zap.String("user_id", userID), zap.Error(err))
		return r.DefaultSnapshot()
	}
	return s
}
