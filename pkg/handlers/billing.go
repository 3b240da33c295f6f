package handlers

import (
	"net/http"

	"maps-scraper-backend/pkg/billing"
	"maps-scraper-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
)

// BillingHandler 账单流水、收据与发票
type BillingHandler struct {
	ledger    *billing.Ledger
	documents *billing.Documents
}

// NewBillingHandler 创建处理器
func NewBillingHandler(s *Services) *BillingHandler {
	return &BillingHandler{ledger: s.Ledger, documents: s.Documents}
}

// GetLedger GET /api/billing/ledger
func (h *BillingHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	view, err := h.ledger.Load(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, view)
}

// GenerateInvoice POST /api/billing/transactions/{transactionID}/invoice
func (h *BillingHandler) GenerateInvoice(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	url, err := h.documents.Invoice(r.Context(), user.ID, chi.URLParam(r, "transactionID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]string{"url": url})
}

// GetReceipt POST /api/billing/transactions/{transactionID}/receipt
func (h *BillingHandler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	url, err := h.documents.Receipt(r.Context(), user.ID, chi.URLParam(r, "transactionID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	utils.WriteSuccessResponse(w, map[string]string{"url": url})
}
