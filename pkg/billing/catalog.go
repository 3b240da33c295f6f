package billing

import (
	"context"
	"fmt"

	"maps-scraper-backend/pkg/entitlement"
	"maps-scraper-backend/pkg/models"

	"github.com/shopspring/decimal"
)

// PlanLister 读取定价表
type PlanLister interface {
	ListPlans(ctx context.Context) ([]models.PricingPlan, error)
}

// PlanOffer 定价页展示的一行
type PlanOffer struct {
	models.PricingPlan
	Purchasable bool `json:"purchasable"`
	// 积分套餐：实际使用的单价（过低时回退）和购买区间
	EffectivePricePerCredit *decimal.Decimal `json:"effective_price_per_credit,omitempty"`
	MinCredits              int64            `json:"min_credits,omitempty"`
	MaxCredits              int64            `json:"max_credits,omitempty"`
}

// Catalog 定价表
type Catalog struct {
	store    PlanLister
	checkout *Checkout
	resolver *entitlement.Resolver
}

// NewCatalog resolver 为空时使用默认回退单价
func NewCatalog(store PlanLister, checkout *Checkout, resolver *entitlement.Resolver) *Catalog {
	if checkout == nil {
		checkout = NewCheckout(0, 0)
	}
	return &Catalog{store: store, checkout: checkout, resolver: resolver}
}

// purchasable 积分套餐总是可买；按月套餐要求非免费且价格为正
func purchasable(plan *models.PricingPlan) bool {
	if plan.BillingPeriod == models.BillingCredits {
		return true
	}
	return !entitlement.IsFreePlanName(plan.Name) && plan.Price.IsPositive()
}

// List 返回全部套餐，顺序与数据库一致（按 id）
func (c *Catalog) List(ctx context.Context) ([]PlanOffer, error) {
	plans, err := c.store.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	offers := make([]PlanOffer, 0, len(plans))
	for i := range plans {
		offer := PlanOffer{PricingPlan: plans[i], Purchasable: purchasable(&plans[i])}
		if plans[i].BillingPeriod == models.BillingCredits {
			var ppc decimal.Decimal
			if c.resolver != nil {
				ppc = c.resolver.EffectivePricePerCredit(plans[i].PricePerCredit)
			} else {
				ppc = entitlement.EffectivePricePerCredit(plans[i].PricePerCredit)
			}
			offer.EffectivePricePerCredit = &ppc
			offer.MinCredits = c.checkout.MinCredits()
			offer.MaxCredits = c.checkout.MaxCredits()
		}
		offers = append(offers, offer)
	}
	return offers, nil
}
