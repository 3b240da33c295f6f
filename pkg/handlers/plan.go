package handlers

import (
	"net/http"

	"maps-scraper-backend/pkg/billing"
	"maps-scraper-backend/pkg/entitlement"
	"maps-scraper-backend/pkg/tasks"
	"maps-scraper-backend/pkg/utils"
)

// PlanHandler 套餐、权益与提交资格
type PlanHandler struct {
	catalog  *billing.Catalog
	orders   *billing.Orders
	resolver *entitlement.Resolver
	gate     *entitlement.Gate
	pending  *tasks.PendingCredits
}

// NewPlanHandler 创建处理器
func NewPlanHandler(s *Services) *PlanHandler {
	return &PlanHandler{catalog: s.Catalog, orders: s.Orders, resolver: s.Resolver, gate: s.Gate, pending: s.Pending}
}

// entitlementResponse 权益快照加上结果是否仅预览
type entitlementResponse struct {
	entitlement.Snapshot
	PreviewOnly bool `json:"preview_only"`
}

// ListPlans GET /api/plans（定价页，无需登录）
func (h *PlanHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	offers, err := h.catalog.List(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, offers)
}

// GetCurrentPlan GET /api/plan/current
func (h *PlanHandler) GetCurrentPlan(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	planID, err := h.orders.CurrentPlan(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]int64{"plan": planID})
}

// GetEntitlement GET /api/entitlement
// 读取失败时返回默认免费快照，不报错
func (h *PlanHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	snapshot := h.resolver.ResolveOrDefault(r.Context(), user.ID)
	// 权威读数覆盖本地预扣
	h.pending.Observe(user.ID, snapshot.Credits)
	utils.WriteSuccessResponse(w, entitlementResponse{Snapshot: snapshot, PreviewOnly: snapshot.PreviewOnly()})
}

// GetEligibility GET /api/eligibility
func (h *PlanHandler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	utils.WriteSuccessResponse(w, h.gate.Check(r.Context(), user.ID))
}
