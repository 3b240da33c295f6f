// Package billing 负责下单、扣款记录、账单流水以及收据/发票
package billing

import (
	"errors"
	"fmt"

	"maps-scraper-backend/pkg/models"
)

const (
	// DefaultMinCreditPurchase 单次最少购买积分
	DefaultMinCreditPurchase int64 = 1000
	// DefaultMaxCreditPurchase 超出部分直接截断
	DefaultMaxCreditPurchase int64 = 1000000
)

var (
	// ErrBelowMinimumCredits 购买积分低于下限，在任何网络调用之前拒绝
	ErrBelowMinimumCredits = errors.New("billing: credit amount below minimum")
	// ErrEmptySelection 既没有选套餐也没有填积分
	ErrEmptySelection = errors.New("billing: no plan or credit amount selected")
)

// Selection 用户在价格页的选择
type Selection struct {
	PlanID       *int64 `json:"plan_id,omitempty"`
	CreditAmount *int64 `json:"credit_amount,omitempty"`
}

// Intent 进入结账页所需的参数
type Intent struct {
	PlanID       *int64               `json:"plan_id,omitempty"`
	PlanType     models.BillingPeriod `json:"plan_type"`
	CreditAmount int64                `json:"credit_amount,omitempty"`
	Clamped      bool                 `json:"clamped,omitempty"`
}

// Checkout 结账前的本地校验
type Checkout struct {
	minCredits int64
	maxCredits int64
}

// NewCheckout 非法参数回退到默认值
func NewCheckout(minCredits, maxCredits int64) *Checkout {
	if minCredits <= 0 {
		minCredits = DefaultMinCreditPurchase
	}
	if maxCredits < minCredits {
		maxCredits = DefaultMaxCreditPurchase
	}
	return &Checkout{minCredits: minCredits, maxCredits: maxCredits}
}

// MinCredits 最少购买积分
func (c *Checkout) MinCredits() int64 { return c.minCredits }

// MaxCredits 单次购买上限
func (c *Checkout) MaxCredits() int64 { return c.maxCredits }

// NormalizeCredits 低于下限报错，高于上限截断
func (c *Checkout) NormalizeCredits(amount int64) (int64, bool, error) {
	if amount < c.minCredits {
		return 0, false, fmt.Errorf("%w: minimum purchase is %d credits", ErrBelowMinimumCredits, c.minCredits)
	}
	if amount > c.maxCredits {
		return c.maxCredits, true, nil
	}
	return amount, false, nil
}

// Begin 不访问网络
func (c *Checkout) Begin(sel Selection) (Intent, error) {
	if sel.CreditAmount != nil {
		amount, clamped, err := c.NormalizeCredits(*sel.CreditAmount)
		if err != nil {
			return Intent{}, err
		}
		return Intent{PlanID: sel.PlanID, PlanType: models.BillingCredits, CreditAmount: amount, Clamped: clamped}, nil
	}
	if sel.PlanID == nil {
		return Intent{}, ErrEmptySelection
	}
	return Intent{PlanID: sel.PlanID, PlanType: models.BillingMonthly}, nil
}
