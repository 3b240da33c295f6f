package handlers

import (
	"errors"
	"net/http"

	"maps-scraper-backend/pkg/billing"
	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/entitlement"
	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/paypal"
	"maps-scraper-backend/pkg/results"
	"maps-scraper-backend/pkg/supabase"
	"maps-scraper-backend/pkg/tasks"
	"maps-scraper-backend/pkg/utils"

	"go.uber.org/zap"
)

// writeServiceError 把领域错误映射为 HTTP 错误；未知错误只返回通用信息
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var captureErr *billing.CaptureError
	var gatewayErr *paypal.APIError
	var validationErr *tasks.ValidationError

	switch {
	case errors.Is(err, entitlement.ErrProfileNotFound), errors.Is(err, supabase.ErrUnauthorized):
		utils.WriteAuthRequiredResponse(w, "Please sign in to continue.", r.URL.RequestURI())

	case errors.As(err, &validationErr):
		utils.WriteValidationErrorResponse(w, validationErr.Error(), "")
	case errors.Is(err, billing.ErrBelowMinimumCredits):
		utils.WriteValidationErrorResponse(w, "Credit amount is below the minimum purchase.", err.Error())
	case errors.Is(err, billing.ErrEmptySelection),
		errors.Is(err, billing.ErrPlanNotPurchasable),
		errors.Is(err, tasks.ErrInvalidParams):
		utils.WriteBadRequestResponse(w, err.Error())

	case errors.Is(err, billing.ErrOrderMetadata):
		utils.WriteBadRequestResponse(w, "This order was not created by this account and cannot be captured. You have not been charged.")
	case errors.Is(err, billing.ErrOrderOwnership):
		utils.WriteForbiddenResponse(w, "This order does not belong to the current user.")

	case errors.Is(err, billing.ErrPlanNotFound):
		utils.WriteNotFoundResponse(w, "Plan not found")
	case errors.Is(err, billing.ErrTransactionNotFound):
		utils.WriteNotFoundResponse(w, "Transaction not found")
	case errors.Is(err, tasks.ErrTaskNotFound), errors.Is(err, database.ErrNotFound):
		utils.WriteNotFoundResponse(w, "Task not found")

	case errors.Is(err, billing.ErrReceiptUnavailable):
		utils.WriteConflictResponse(w, "A receipt is only available for completed payments.")
	case errors.Is(err, results.ErrResultNotReady):
		utils.WriteConflictResponse(w, "Results are not ready yet.")
	case errors.Is(err, results.ErrResultTooLarge):
		utils.WriteErrorResponseWithCode(w, http.StatusBadGateway, "RESULT_TOO_LARGE",
			"This result file is too large to preview. Please download it instead.", "")

	case errors.Is(err, billing.ErrProfileUnavailable):
		utils.WriteUnavailableResponse(w, "Your billing profile is temporarily unavailable. Please try again.")

	case errors.As(err, &captureErr):
		logger.Get().Error("capture failed",
			zap.String("stage", string(captureErr.Stage)),
			zap.String("order_id", captureErr.OrderID),
			zap.String("capture_id", captureErr.CaptureID),
			zap.Error(captureErr.Err))
		utils.WriteGatewayErrorResponse(w, captureMessage(captureErr), string(captureErr.Stage), captureErr.Charged())
	case errors.As(err, &gatewayErr):
		logger.Get().Error("payment gateway error", zap.Error(err))
		utils.WriteGatewayErrorResponse(w, "The payment provider rejected the request.", "", false)

	default:
		logger.Get().Error("unhandled service error",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		utils.WriteInternalServerErrorResponse(w, "Something went wrong. Please try again.")
	}
}

func captureMessage(e *billing.CaptureError) string {
	switch e.Stage {
	case billing.StageCaptureFailed:
		return "Payment could not be completed. You have not been charged."
	case billing.StageRecordFailed:
		return "Payment succeeded but could not be recorded. Please contact support with your order ID."
	default:
		return "Payment succeeded but your plan could not be updated. Please contact support with your order ID."
	}
}
