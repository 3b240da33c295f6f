package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"maps-scraper-backend/pkg/billing"
	"maps-scraper-backend/pkg/config"
	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/middleware"
	"maps-scraper-backend/pkg/models"
	"maps-scraper-backend/pkg/paypal"

	"github.com/go-chi/chi/v5"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string                 `json:"code"`
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
	Meta *struct {
		Page       int `json:"page"`
		PerPage    int `json:"per_page"`
		Total      int `json:"total"`
		TotalPages int `json:"total_pages"`
	} `json:"meta"`
}

type fakeGateway struct {
	order      *paypal.Order
	customID   string
	captureErr error
}

func (g *fakeGateway) CreateOrder(_ context.Context, req paypal.CreateOrderRequest) (*paypal.Order, error) {
	return &paypal.Order{ID: "ORDER-1", Status: paypal.StatusCreated}, nil
}

func (g *fakeGateway) CaptureOrder(_ context.Context, orderID string) (*paypal.Order, error) {
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	return g.order, nil
}

func (g *fakeGateway) GetOrder(_ context.Context, orderID string) (*paypal.Order, error) {
	return &paypal.Order{ID: orderID, Status: paypal.StatusApproved, PurchaseUnits: []paypal.PurchaseUnit{{CustomID: g.customID}}}, nil
}

type testEnv struct {
	db      *database.MemoryDatabase
	svc     *Services
	gateway *fakeGateway
	router  chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Environment:        "test",
		FreeRowsLimit:      500,
		MinCreditPurchase:  1000,
		MaxCreditPurchase:  1000000,
		PendingRowEstimate: 100,
		PayPalCurrency:     "USD",
	}
	db := database.NewMemoryDatabase(database.SeedPlans()...)
	svc := NewServices(cfg, db)

	gw := &fakeGateway{}
	svc.Orders = billing.NewOrders(billing.OrdersConfig{
		Store:    db,
		Gateway:  gw,
		Checkout: svc.Checkout,
		Resolver: svc.Resolver,
		Currency: "USD",
	})
	svc.Ledger = billing.NewLedger(db, time.Millisecond)

	plan := NewPlanHandler(svc)
	taskH := NewTaskHandler(svc)
	checkout := NewCheckoutHandler(svc)
	billingH := NewBillingHandler(svc)

	r := chi.NewRouter()
	r.Get("/api/plans", plan.ListPlans)
	r.Get("/api/plan/current", plan.GetCurrentPlan)
	r.Get("/api/entitlement", plan.GetEntitlement)
	r.Get("/api/eligibility", plan.GetEligibility)
	r.Post("/api/tasks", taskH.SubmitTask)
	r.Get("/api/tasks", taskH.ListTasks)
	r.Get("/api/tasks/{taskID}", taskH.GetTask)
	r.Get("/api/tasks/{taskID}/results", taskH.GetResults)
	r.Post("/api/checkout/intent", checkout.BeginCheckout)
	r.Post("/api/checkout/orders", checkout.CreateOrder)
	r.Post("/api/checkout/orders/{orderID}/capture", checkout.CaptureOrder)
	r.Get("/api/billing/ledger", billingH.GetLedger)
	r.Post("/api/billing/transactions/{transactionID}/receipt", billingH.GetReceipt)

	return &testEnv{db: db, svc: svc, gateway: gw, router: r}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req = req.WithContext(middleware.WithUser(req.Context(), &models.User{ID: userID}, "access-"+userID))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, env
}

func int64Ptr(v int64) *int64 { return &v }

func (e *testEnv) freeUserOverLimit(id string) {
	e.db.PutProfile(models.Profile{ID: id})
	e.db.PutTask(models.ScrapingTask{TaskID: id + "-old", UserID: id, RowCount: 600, Status: models.TaskCompleted})
}

func TestGetCurrentPlan(t *testing.T) {
	env := newTestEnv(t)
	env.db.PutProfile(models.Profile{ID: "u1"})
	env.db.PutProfile(models.Profile{ID: "u2", PlanID: int64Ptr(2)})

	for user, want := range map[string]string{"u1": `{"plan":1}`, "u2": `{"plan":2}`} {
		rec, body := env.do(t, http.MethodGet, "/api/plan/current", user, nil)
		if rec.Code != http.StatusOK || string(body.Data) != want {
			t.Fatalf("%s: status=%d data=%s, want %s", user, rec.Code, body.Data, want)
		}
	}

	rec, body := env.do(t, http.MethodGet, "/api/plan/current", "ghost", nil)
	if rec.Code != http.StatusUnauthorized || body.Error.Code != "AUTH_REQUIRED" {
		t.Fatalf("missing profile: status=%d body=%+v", rec.Code, body.Error)
	}
}

func TestUnauthenticatedRequest(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/api/billing/ledger", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if redirect, _ := body.Error.Details["redirect"].(string); !strings.Contains(redirect, "returnTo=%2Fapi%2Fbilling%2Fledger") {
		t.Fatalf("redirect = %q", redirect)
	}
}

func TestGetEntitlementPreviewOnly(t *testing.T) {
	env := newTestEnv(t)
	env.freeUserOverLimit("u1")

	rec, body := env.do(t, http.MethodGet, "/api/entitlement", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got struct {
		IsFreePlan  bool  `json:"is_free_plan"`
		IsExceeded  bool  `json:"is_exceeded"`
		TotalRows   int64 `json:"total_rows"`
		PreviewOnly bool  `json:"preview_only"`
	}
	if err := json.Unmarshal(body.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.IsFreePlan || !got.IsExceeded || got.TotalRows != 600 || !got.PreviewOnly {
		t.Fatalf("snapshot = %+v", got)
	}
}

func TestGetEntitlementFailOpen(t *testing.T) {
	env := newTestEnv(t)
	env.db.PutProfile(models.Profile{ID: "u1", PlanID: int64Ptr(2)})
	env.db.FailNextProfileReads(1)

	rec, body := env.do(t, http.MethodGet, "/api/entitlement", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with default snapshot", rec.Code)
	}
	var got struct {
		PlanName   string `json:"plan_name"`
		IsExceeded bool   `json:"is_exceeded"`
	}
	_ = json.Unmarshal(body.Data, &got)
	if got.PlanName != "Free Plan" || got.IsExceeded {
		t.Fatalf("default snapshot = %+v", got)
	}
}

func TestGetEntitlementClearsPendingCredits(t *testing.T) {
	env := newTestEnv(t)
	env.db.PutProfile(models.Profile{ID: "u1", PlanID: int64Ptr(3), Credits: 250})
	env.svc.Pending.Record("u1", 250, 100)

	env.do(t, http.MethodGet, "/api/entitlement", "u1", nil)
	// 没有残留预扣时从新的 base 开始
	if got := env.svc.Pending.Record("u1", 250, 0); got != 250 {
		t.Fatalf("pending estimate should be replaced by the authoritative read, got %d", got)
	}
	env.svc.Pending.Observe("u1", 250)
}

func TestListPlansWithoutSignIn(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/api/plans", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var offers []struct {
		ID                      int64   `json:"id"`
		Purchasable             bool    `json:"purchasable"`
		EffectivePricePerCredit *string `json:"effective_price_per_credit"`
		MinCredits              int64   `json:"min_credits"`
	}
	if err := json.Unmarshal(body.Data, &offers); err != nil {
		t.Fatalf("decode offers: %v", err)
	}
	if len(offers) != 3 || offers[0].ID != 1 || offers[0].Purchasable || !offers[1].Purchasable {
		t.Fatalf("offers = %+v", offers)
	}
	if offers[2].EffectivePricePerCredit == nil || *offers[2].EffectivePricePerCredit != "0.00299" || offers[2].MinCredits != 1000 {
		t.Fatalf("credit offer = %+v", offers[2])
	}
}

func TestGetEligibility(t *testing.T) {
	env := newTestEnv(t)
	env.freeUserOverLimit("u1")

	_, body := env.do(t, http.MethodGet, "/api/eligibility", "u1", nil)
	var got struct {
		Eligible bool   `json:"eligible"`
		Message  string `json:"message"`
	}
	_ = json.Unmarshal(body.Data, &got)
	want := "You have reached the free tier limit of 500 rows. Please upgrade your plan to continue scraping."
	if got.Eligible || got.Message != want {
		t.Fatalf("eligibility = %+v", got)
	}
}

func submitBody() map[string]interface{} {
	return map[string]interface{}{
		"keywords": "coffee shops",
		"country":  "US",
		"states":   []string{"CA", "NY"},
		"fields":   []string{"name", "phone"},
	}
}

func TestSubmitTask(t *testing.T) {
	env := newTestEnv(t)
	env.db.PutProfile(models.Profile{ID: "u1", PlanID: int64Ptr(3), Credits: 1000})

	rec, body := env.do(t, http.MethodPost, "/api/tasks", "u1", submitBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var got struct {
		Success        bool   `json:"success"`
		TaskID         string `json:"task_id"`
		PendingCredits *int64 `json:"pending_credits"`
	}
	_ = json.Unmarshal(body.Data, &got)
	if !got.Success || got.TaskID == "" {
		t.Fatalf("result = %+v", got)
	}
	if got.PendingCredits == nil || *got.PendingCredits != 900 {
		t.Fatalf("pending credits = %v, want 900", got.PendingCredits)
	}

	task, err := env.db.GetTask(context.Background(), "u1", got.TaskID)
	if err != nil {
		t.Fatalf("task not stored: %v", err)
	}
	if task.Status != models.TaskProcessing || task.States != "CA,NY" || task.Fields != "name,phone" {
		t.Fatalf("stored task = %+v", task)
	}
}

func TestSubmitTaskRejected(t *testing.T) {
	env := newTestEnv(t)
	env.freeUserOverLimit("u1")
	env.db.PutProfile(models.Profile{ID: "u2"})

	rec, body := env.do(t, http.MethodPost, "/api/tasks", "u1", submitBody())
	if rec.Code != http.StatusForbidden || body.Error.Code != "ENTITLEMENT_REQUIRED" {
		t.Fatalf("over limit: status=%d error=%+v", rec.Code, body.Error)
	}

	params := submitBody()
	delete(params, "country")
	params["fields"] = []string{}
	rec, body = env.do(t, http.MethodPost, "/api/tasks", "u2", params)
	if rec.Code != http.StatusBadRequest || body.Error.Message != "Missing required fields: country, fields" {
		t.Fatalf("invalid params: status=%d error=%+v", rec.Code, body.Error)
	}

	rec, body = env.do(t, http.MethodPost, "/api/tasks", "ghost", submitBody())
	if rec.Code != http.StatusUnauthorized || body.Error.Code != "AUTH_REQUIRED" {
		t.Fatalf("no profile: status=%d error=%+v", rec.Code, body.Error)
	}
}

func TestListAndGetTask(t *testing.T) {
	env := newTestEnv(t)
	env.db.PutProfile(models.Profile{ID: "u1"})
	env.db.PutTask(models.ScrapingTask{TaskID: "t1", UserID: "u1", Status: models.TaskProcessing})
	env.db.PutTask(models.ScrapingTask{TaskID: "t2", UserID: "other", Status: models.TaskProcessing})

	_, body := env.do(t, http.MethodGet, "/api/tasks", "u1", nil)
	var list []models.ScrapingTask
	_ = json.Unmarshal(body.Data, &list)
	if len(list) != 1 || list[0].TaskID != "t1" {
		t.Fatalf("list = %+v", list)
	}

	rec, _ := env.do(t, http.MethodGet, "/api/tasks/t2", "u1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign task status = %d, want 404", rec.Code)
	}
}

func csvServer(t *testing.T, rows int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprintln(w, "name,phone")
		for i := 0; i < rows; i++ {
			fmt.Fprintf(w, "\"Place %d, LLC\",555-%04d\n", i, i)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetResults(t *testing.T) {
	env := newTestEnv(t)
	srv := csvServer(t, 12)
	url := srv.URL + "/results.csv"

	env.freeUserOverLimit("free")
	env.db.PutTask(models.ScrapingTask{TaskID: "tf", UserID: "free", Status: models.TaskCompleted, ResultURL: &url})
	env.db.PutProfile(models.Profile{ID: "pro", PlanID: int64Ptr(2)})
	env.db.PutTask(models.ScrapingTask{TaskID: "tp", UserID: "pro", Status: models.TaskCompleted, ResultURL: &url})

	t.Run("preview only", func(t *testing.T) {
		_, body := env.do(t, http.MethodGet, "/api/tasks/tf/results", "free", nil)
		var ds struct {
			Header  []string   `json:"header"`
			Rows    [][]string `json:"rows"`
			Limited bool       `json:"limited"`
		}
		_ = json.Unmarshal(body.Data, &ds)
		if !ds.Limited || len(ds.Rows) != 5 || body.Meta.Total != 5 {
			t.Fatalf("limited=%v rows=%d total=%d", ds.Limited, len(ds.Rows), body.Meta.Total)
		}
		if ds.Rows[0][0] != "Place 0, LLC" {
			t.Fatalf("quoted field split: %q", ds.Rows[0])
		}
	})

	t.Run("full results paginated", func(t *testing.T) {
		_, body := env.do(t, http.MethodGet, "/api/tasks/tp/results?page=2&per_page=10", "pro", nil)
		var ds struct {
			Rows    [][]string `json:"rows"`
			Limited bool       `json:"limited"`
		}
		_ = json.Unmarshal(body.Data, &ds)
		if ds.Limited || len(ds.Rows) != 2 {
			t.Fatalf("limited=%v rows=%d", ds.Limited, len(ds.Rows))
		}
		if body.Meta.Total != 12 || body.Meta.TotalPages != 2 || body.Meta.Page != 2 {
			t.Fatalf("meta = %+v", body.Meta)
		}
	})

	t.Run("json not ready", func(t *testing.T) {
		rec, _ := env.do(t, http.MethodGet, "/api/tasks/tp/results?format=json", "pro", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})

	t.Run("bad format", func(t *testing.T) {
		rec, _ := env.do(t, http.MethodGet, "/api/tasks/tp/results?format=xml", "pro", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestBeginCheckout(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/api/checkout/intent", "u1", map[string]interface{}{"credit_amount": 999})
	if rec.Code != http.StatusBadRequest || body.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("below minimum: status=%d error=%+v", rec.Code, body.Error)
	}

	rec, body = env.do(t, http.MethodPost, "/api/checkout/intent", "u1", map[string]interface{}{"credit_amount": 5000000})
	var intent billing.Intent
	_ = json.Unmarshal(body.Data, &intent)
	if rec.Code != http.StatusOK || intent.CreditAmount != 1000000 || !intent.Clamped {
		t.Fatalf("clamp: status=%d intent=%+v", rec.Code, intent)
	}
}

func TestCreateOrder(t *testing.T) {
	env := newTestEnv(t)
	env.db.PutProfile(models.Profile{ID: "u1"})

	rec, body := env.do(t, http.MethodPost, "/api/checkout/orders", "u1", map[string]interface{}{"plan": 3, "creditAmount": 2000})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OrderID string `json:"orderID"`
		Amount  string `json:"amount"`
	}
	_ = json.Unmarshal(body.Data, &resp)
	if resp.OrderID != "ORDER-1" || resp.Amount != "5.98" {
		t.Fatalf("response = %+v", resp)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/checkout/orders", "u1", map[string]interface{}{"plan": 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("free plan status = %d, want 400", rec.Code)
	}
}

func TestCaptureOrderGatewayFailure(t *testing.T) {
	env := newTestEnv(t)
	env.db.PutProfile(models.Profile{ID: "u1"})
	env.gateway.customID = `{"user_id":"u1","plan_id":2}`
	env.gateway.captureErr = &paypal.APIError{StatusCode: 422, Name: "UNPROCESSABLE_ENTITY"}

	rec, body := env.do(t, http.MethodPost, "/api/checkout/orders/ORDER-1/capture", "u1", map[string]interface{}{"plan": 2})
	if rec.Code != http.StatusBadGateway || body.Error.Code != "GATEWAY_ERROR" {
		t.Fatalf("status=%d error=%+v", rec.Code, body.Error)
	}
	if body.Error.Details["stage"] != string(billing.StageCaptureFailed) || body.Error.Details["charged"] != false {
		t.Fatalf("details = %+v", body.Error.Details)
	}
}

func TestCaptureOrderCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.db.PutProfile(models.Profile{ID: "u1"})
	env.gateway.customID = `{"user_id":"u1","plan_id":2}`
	env.gateway.order = &paypal.Order{
		ID:     "ORDER-1",
		Status: paypal.StatusCompleted,
		PurchaseUnits: []paypal.PurchaseUnit{{
			Payments: &paypal.Payments{Captures: []paypal.Capture{{
				ID:     "CAP-1",
				Status: paypal.StatusCompleted,
				Amount: &paypal.Money{CurrencyCode: "USD", Value: "49.00"},
			}}},
		}},
	}

	rec, _ := env.do(t, http.MethodPost, "/api/checkout/orders/ORDER-1/capture", "u1", map[string]interface{}{"plan": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	profile, _ := env.db.GetProfile(context.Background(), "u1")
	if profile.PlanID == nil || *profile.PlanID != 2 {
		t.Fatalf("plan not applied: %+v", profile.PlanID)
	}
}

func TestCaptureOrderWithoutMetadata(t *testing.T) {
	env := newTestEnv(t)
	env.db.PutProfile(models.Profile{ID: "u1"})

	rec, body := env.do(t, http.MethodPost, "/api/checkout/orders/FOREIGN-1/capture", "u1", map[string]interface{}{"plan": 2})
	if rec.Code != http.StatusBadRequest || body.Error.Code != "BAD_REQUEST" {
		t.Fatalf("status=%d error=%+v", rec.Code, body.Error)
	}
	profile, _ := env.db.GetProfile(context.Background(), "u1")
	if profile.PlanID != nil {
		t.Fatalf("plan applied without metadata: %d", *profile.PlanID)
	}
}

func TestGetLedgerUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.db.PutProfile(models.Profile{ID: "u1"})
	env.db.FailNextProfileReads(2)

	rec, body := env.do(t, http.MethodGet, "/api/billing/ledger", "u1", nil)
	if rec.Code != http.StatusServiceUnavailable || body.Error.Code != "TEMPORARILY_UNAVAILABLE" {
		t.Fatalf("status=%d error=%+v", rec.Code, body.Error)
	}
	if body.Error.Details["retryable"] != true {
		t.Fatalf("details = %+v", body.Error.Details)
	}

	// 第二次请求时读取恢复
	rec, _ = env.do(t, http.MethodGet, "/api/billing/ledger", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("recovered status = %d", rec.Code)
	}
}

func TestGetReceiptNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodPost, "/api/billing/transactions/missing/receipt", "u1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestWriteServiceErrorUnknown(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/api/tasks", nil), errors.New("pq: connection reset"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "pq:") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestHealthCheck(t *testing.T) {
	cfg := &config.Config{Environment: "test", UseLocalDB: true}
	h := NewHealthHandler(cfg, database.NewMemoryDatabase())

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var data map[string]interface{}
	_ = json.Unmarshal(body.Data, &data)
	if data["database"] != "memory" || data["db_status"] != "healthy" {
		t.Errorf("health data = %v", data)
	}
}
