package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/entitlement"
	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/models"
	"maps-scraper-backend/pkg/paypal"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrPlanNotFound 套餐不存在
	ErrPlanNotFound = errors.New("billing: plan not found")
	// ErrPlanNotPurchasable 免费套餐或价格为零
	ErrPlanNotPurchasable = errors.New("billing: plan cannot be purchased")
	// ErrOrderOwnership 订单不属于当前用户
	ErrOrderOwnership = errors.New("billing: order belongs to another user")
	// ErrOrderMetadata 订单缺少 custom_id（不是本服务创建的，或积分数量缺失）
	ErrOrderMetadata = errors.New("billing: order metadata missing")
)

// CaptureStage 扣款失败发生在哪一步
type CaptureStage string

const (
	// StageCaptureFailed 未扣款
	StageCaptureFailed CaptureStage = "capture_failed"
	// StageRecordFailed 已扣款但交易未记录
	StageRecordFailed CaptureStage = "record_failed"
	// StageProfileUpdateFailed 已扣款且已记录，但套餐/积分未生效
	StageProfileUpdateFailed CaptureStage = "profile_update_failed"
)

// CaptureError 带阶段信息的扣款错误
type CaptureError struct {
	Stage     CaptureStage
	OrderID   string
	CaptureID string
	Err       error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s: %s: %v", e.OrderID, e.Stage, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// Charged 用户是否已经被扣款
func (e *CaptureError) Charged() bool {
	return e.Stage != StageCaptureFailed
}

// Gateway 支付网关
type Gateway interface {
	CreateOrder(ctx context.Context, req paypal.CreateOrderRequest) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*paypal.Order, error)
	GetOrder(ctx context.Context, orderID string) (*paypal.Order, error)
}

// OrderStore 下单与入账所需的数据访问
type OrderStore interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	GetPlan(ctx context.Context, planID int64) (*models.PricingPlan, error)
	UpdateProfilePlan(ctx context.Context, userID string, planID int64) error
	AddCredits(ctx context.Context, userID string, delta int64) (int64, error)
	CreateTransaction(ctx context.Context, tx *models.BillingTransaction) error
}

// CreateOrderRequest 前端提交的下单参数；pricePerCredit 仅供参考，以数据库为准
type CreateOrderRequest struct {
	Plan           int64    `json:"plan"`
	CreditAmount   *int64   `json:"creditAmount,omitempty"`
	PricePerCredit *float64 `json:"pricePerCredit,omitempty"`
}

// CreateOrderResponse createOrder 的返回
type CreateOrderResponse struct {
	OrderID        string           `json:"orderID"`
	Plan           int64            `json:"plan"`
	CreditAmount   *int64           `json:"creditAmount,omitempty"`
	PricePerCredit *decimal.Decimal `json:"pricePerCredit,omitempty"`
	Amount         decimal.Decimal  `json:"amount"`
	Currency       string           `json:"currency"`
}

// CaptureResponse captureOrder 的返回
type CaptureResponse struct {
	Success       bool                     `json:"success"`
	CaptureID     string                   `json:"captureID"`
	Status        models.TransactionStatus `json:"status"`
	TransactionID string                   `json:"transactionID,omitempty"`
	Credits       *int64                   `json:"credits,omitempty"`
	Details       *paypal.Order            `json:"details"`
}

// orderMetadata 写入 PayPal custom_id
type orderMetadata struct {
	UserID  string `json:"user_id"`
	PlanID  int64  `json:"plan_id"`
	Credits int64  `json:"credits,omitempty"`
}

// OrdersConfig 依赖与参数
type OrdersConfig struct {
	Store    OrderStore
	Gateway  Gateway
	Checkout *Checkout
	Resolver *entitlement.Resolver
	Currency string
}

// Orders 服务端下单/扣款
type Orders struct {
	store    OrderStore
	gateway  Gateway
	checkout *Checkout
	resolver *entitlement.Resolver
	currency string
	now      func() time.Time
}

// NewOrders 创建订单服务
func NewOrders(cfg OrdersConfig) *Orders {
	if cfg.Checkout == nil {
		cfg.Checkout = NewCheckout(0, 0)
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Orders{
		store:    cfg.Store,
		gateway:  cfg.Gateway,
		checkout: cfg.Checkout,
		resolver: cfg.Resolver,
		currency: cfg.Currency,
		now:      time.Now,
	}
}

func (o *Orders) pricePerCredit(stored *float64) decimal.Decimal {
	if o.resolver != nil {
		return o.resolver.EffectivePricePerCredit(stored)
	}
	return entitlement.EffectivePricePerCredit(stored)
}

func (o *Orders) loadPlan(ctx context.Context, planID int64) (*models.PricingPlan, error) {
	plan, err := o.store.GetPlan(ctx, planID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPlanNotFound, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %d: %w", planID, err)
	}
	return plan, nil
}

// CreditPrice 积分总价，保留两位小数
func CreditPrice(credits int64, pricePerCredit decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(credits).Mul(pricePerCredit).Round(2)
}

// Create 以数据库中的套餐价格为准创建网关订单
func (o *Orders) Create(ctx context.Context, userID string, req CreateOrderRequest) (*CreateOrderResponse, error) {
	plan, err := o.loadPlan(ctx, req.Plan)
	if err != nil {
		return nil, err
	}

	resp := &CreateOrderResponse{Plan: plan.ID, Currency: o.currency}
	meta := orderMetadata{UserID: userID, PlanID: plan.ID}
	description := plan.Name

	switch plan.BillingPeriod {
	case models.BillingCredits:
		if req.CreditAmount == nil {
			return nil, fmt.Errorf("%w: credit amount is required", ErrBelowMinimumCredits)
		}
		credits, _, err := o.checkout.NormalizeCredits(*req.CreditAmount)
		if err != nil {
			return nil, err
		}
		ppc := o.pricePerCredit(plan.PricePerCredit)
		if req.PricePerCredit != nil && !decimal.NewFromFloat(*req.PricePerCredit).Equal(ppc) {
			logger.Get().Info("client price per credit differs from stored plan",
				zap.Float64("client", *req.PricePerCredit), zap.String("stored", ppc.String()))
		}
		resp.Amount = CreditPrice(credits, ppc)
		resp.CreditAmount = &credits
		resp.PricePerCredit = &ppc
		meta.Credits = credits
		description = fmt.Sprintf("%d credits", credits)
	default:
		if !purchasable(plan) {
			return nil, fmt.Errorf("%w: %s", ErrPlanNotPurchasable, plan.Name)
		}
		resp.Amount = plan.Price.Round(2)
	}

	customID, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order metadata: %w", err)
	}
	order, err := o.gateway.CreateOrder(ctx, paypal.CreateOrderRequest{
		Amount:      resp.Amount,
		Currency:    o.currency,
		Description: description,
		CustomID:    string(customID),
	})
	if err != nil {
		return nil, err
	}
	resp.OrderID = order.ID

	logger.Get().Info("💳 order created",
		zap.String("user_id", userID), zap.String("order_id", order.ID),
		zap.Int64("plan_id", plan.ID), zap.String("amount", resp.Amount.StringFixed(2)))
	return resp, nil
}

// MapCaptureStatus 网关状态到交易状态
func MapCaptureStatus(status string) models.TransactionStatus {
	switch strings.ToUpper(status) {
	case paypal.StatusCompleted:
		return models.TransactionCompleted
	case paypal.StatusPending:
		return models.TransactionPending
	default:
		return models.TransactionFailed
	}
}

func parseMetadata(order *paypal.Order) (orderMetadata, bool) {
	var meta orderMetadata
	raw := order.CustomID()
	if raw == "" {
		return meta, false
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, false
	}
	return meta, true
}

func selfLink(links []paypal.Link) *string {
	for _, l := range links {
		if l.Rel == "self" && l.Href != "" {
			href := l.Href
			return &href
		}
	}
	return nil
}

// Capture 扣款并入账；失败时返回 *CaptureError
func (o *Orders) Capture(ctx context.Context, userID, orderID string, planID int64) (*CaptureResponse, error) {
	log := logger.Get().With(zap.String("user_id", userID), zap.String("order_id", orderID))
	stageErr := func(stage CaptureStage, captureID string, err error) error {
		log.Error("capture failed", zap.String("stage", string(stage)), zap.Error(err))
		return &CaptureError{Stage: stage, OrderID: orderID, CaptureID: captureID, Err: err}
	}

	// 扣款前确认订单归属
	existing, err := o.gateway.GetOrder(ctx, orderID)
	if err != nil {
		return nil, stageErr(StageCaptureFailed, "", err)
	}
	// 没有 custom_id 就无法确认归属和积分数量，不能扣款
	meta, hasMeta := parseMetadata(existing)
	if !hasMeta || meta.UserID == "" {
		return nil, stageErr(StageCaptureFailed, "", ErrOrderMetadata)
	}
	if meta.UserID != userID {
		return nil, stageErr(StageCaptureFailed, "", ErrOrderOwnership)
	}
	if meta.PlanID != 0 {
		planID = meta.PlanID
	}

	plan, err := o.loadPlan(ctx, planID)
	if err != nil {
		return nil, stageErr(StageCaptureFailed, "", err)
	}
	isCreditPurchase := plan.BillingPeriod == models.BillingCredits
	if isCreditPurchase && meta.Credits <= 0 {
		return nil, stageErr(StageCaptureFailed, "", ErrOrderMetadata)
	}

	order, err := o.gateway.CaptureOrder(ctx, orderID)
	if err != nil {
		return nil, stageErr(StageCaptureFailed, "", err)
	}

	gatewayStatus := order.Status
	var captureID string
	amount := decimal.Zero
	currency := o.currency
	var receiptURL *string
	if capture, err := order.FirstCapture(); err == nil {
		captureID = capture.ID
		gatewayStatus = capture.Status
		receiptURL = selfLink(capture.Links)
		if capture.Amount != nil {
			if v, err := decimal.NewFromString(capture.Amount.Value); err == nil {
				amount = v
			}
			if capture.Amount.CurrencyCode != "" {
				currency = capture.Amount.CurrencyCode
			}
		}
	}
	status := MapCaptureStatus(gatewayStatus)

	tx := &models.BillingTransaction{
		UserID:          userID,
		Amount:          amount,
		Currency:        currency,
		Status:          status,
		PaymentMethod:   "paypal",
		PaymentID:       captureID,
		PlanID:          &plan.ID,
		ReceiptURL:      receiptURL,
		TransactionDate: o.now().UTC(),
	}
	if tx.PaymentID == "" {
		tx.PaymentID = order.ID
	}
	if isCreditPurchase {
		credits := meta.Credits
		tx.CreditsPurchased = &credits
	}

	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		return nil, stageErr(StageRecordFailed, captureID, err)
	}

	resp := &CaptureResponse{
		Success:       status != models.TransactionFailed,
		CaptureID:     captureID,
		Status:        status,
		TransactionID: tx.ID,
		Details:       order,
	}

	if status == models.TransactionCompleted {
		if err := o.applyPlan(ctx, userID, plan); err != nil {
			return nil, stageErr(StageProfileUpdateFailed, captureID, err)
		}
		if isCreditPurchase {
			balance, err := o.store.AddCredits(ctx, userID, *tx.CreditsPurchased)
			if err != nil {
				return nil, stageErr(StageProfileUpdateFailed, captureID, err)
			}
			resp.Credits = &balance
		}
	}

	log.Info("✅ order captured", zap.String("capture_id", captureID), zap.String("status", string(status)))
	return resp, nil
}

// applyPlan 写入购买的套餐；购买积分时保留仍有效的订阅套餐
func (o *Orders) applyPlan(ctx context.Context, userID string, plan *models.PricingPlan) error {
	if plan.BillingPeriod == models.BillingCredits {
		profile, err := o.store.GetProfile(ctx, userID)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		if profile.PlanID != nil && *profile.PlanID != plan.ID {
			current, err := o.store.GetPlan(ctx, *profile.PlanID)
			if err == nil && current.BillingPeriod == models.BillingMonthly && !entitlement.IsFreePlanName(current.Name) {
				return nil
			}
		}
	}
	return o.store.UpdateProfilePlan(ctx, userID, plan.ID)
}

// CurrentPlan getCurrentPlan；plan_id 为空时返回免费套餐
func (o *Orders) CurrentPlan(ctx context.Context, userID string) (int64, error) {
	profile, err := o.store.GetProfile(ctx, userID)
	if errors.Is(err, database.ErrNotFound) {
		return 0, entitlement.ErrProfileNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load profile: %w", err)
	}
	if profile.PlanID == nil {
		return models.DefaultPlanID, nil
	}
	return *profile.PlanID, nil
}
