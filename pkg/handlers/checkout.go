package handlers

import (
	"net/http"
	"strings"

	"maps-scraper-backend/pkg/billing"
	"maps-scraper-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// CheckoutHandler 结账与网关订单
type CheckoutHandler struct {
	checkout *billing.Checkout
	orders   *billing.Orders
}

// NewCheckoutHandler 创建处理器
func NewCheckoutHandler(s *Services) *CheckoutHandler {
	return &CheckoutHandler{checkout: s.Checkout, orders: s.Orders}
}

// BeginCheckout POST /api/checkout/intent
// 只做本地校验，低于最少积分直接拒绝，不访问网关
func (h *CheckoutHandler) BeginCheckout(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	var sel billing.Selection
	if err := utils.ParseJSONBody(r, &sel); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	intent, err := h.checkout.Begin(sel)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, intent)
}

// CreateOrder POST /api/checkout/orders
func (h *CheckoutHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req billing.CreateOrderRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	if req.Plan <= 0 {
		utils.WriteValidationErrorResponse(w, "Missing required fields: plan", "")
		return
	}
	resp, err := h.orders.Create(r.Context(), user.ID, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteCreatedResponse(w, resp)
}

// captureRequest plan 可选，订单 custom_id 里的套餐优先
type captureRequest struct {
	Plan int64 `json:"plan"`
}

// CaptureOrder POST /api/checkout/orders/{orderID}/capture
func (h *CheckoutHandler) CaptureOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		utils.WriteBadRequestResponse(w, "order id required")
		return
	}
	var req captureRequest
	if r.ContentLength != 0 {
		if err := utils.ParseJSONBody(r, &req); err != nil {
			utils.WriteBadRequestResponse(w, "Invalid request body")
			return
		}
	}
	resp, err := h.orders.Capture(r.Context(), user.ID, orderID, req.Plan)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, resp)
}
