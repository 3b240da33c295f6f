package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/models"

	"go.uber.org/zap"
)

// maxCreditCASAttempts bounds the compare-and-swap loop in AddCredits.
const maxCreditCASAttempts = 3

// SupabaseDatabase Supabase数据库实现（PostgREST）
type SupabaseDatabase struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSupabaseDatabase 创建Supabase数据库实例
func NewSupabaseDatabase(baseURL, key string) *SupabaseDatabase {
	// 确保URL格式正确
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "https://" + baseURL
	}

	return &SupabaseDatabase{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  key,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// makeRequest 发送HTTP请求到Supabase
func (db *SupabaseDatabase) makeRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader

	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, db.baseURL+"/rest/v1"+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// 设置请求头
	req.Header.Set("apikey", db.apiKey)
	req.Header.Set("Authorization", "Bearer "+db.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := db.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// getRows 执行查询并解析为切片
func getRows[T any](ctx context.Context, db *SupabaseDatabase, endpoint string) ([]T, error) {
	data, err := db.makeRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return rows, nil
}

func eq(v string) string {
	return "eq." + url.QueryEscape(v)
}

// GetProfile 获取用户档案
func (db *SupabaseDatabase) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	rows, err := getRows[models.Profile](ctx, db, "/profiles?id="+eq(userID)+"&select=id,email,plan_id,credits,total_rows")
	if err != nil {
		return nil, fmt.Errorf("failed to query profile: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// UpdateProfilePlan 更新用户套餐
func (db *SupabaseDatabase) UpdateProfilePlan(ctx context.Context, userID string, planID int64) error {
	_, err := db.makeRequest(ctx, http.MethodPatch, "/profiles?id="+eq(userID), map[string]interface{}{
		"plan_id":    planID,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to update profile plan: %w", err)
	}
	return nil
}

// AddCredits 增减积分
// PostgREST 没有原子自增，这里用 credits=eq.<旧值> 作为条件做 compare-and-swap
func (db *SupabaseDatabase) AddCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	for attempt := 1; attempt <= maxCreditCASAttempts; attempt++ {
		profile, err := db.GetProfile(ctx, userID)
		if err != nil {
			return 0, err
		}
		next := models.ClampCredits(profile.Credits + delta)
		endpoint := fmt.Sprintf("/profiles?id=%s&credits=eq.%d", eq(userID), profile.Credits)
		data, err := db.makeRequest(ctx, http.MethodPatch, endpoint, map[string]interface{}{
			"credits":    next,
			"updated_at": time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return 0, fmt.Errorf("failed to update credits: %w", err)
		}
		var updated []models.Profile
		if err := json.Unmarshal(data, &updated); err == nil && len(updated) > 0 {
			return updated[0].Credits, nil
		}
		logger.Get().Warn("credit update raced, retrying",
			zap.String("user_id", userID), zap.Int("attempt", attempt))
	}
	return 0, fmt.Errorf("failed to update credits: concurrent modification")
}

// GetPlan 获取套餐
func (db *SupabaseDatabase) GetPlan(ctx context.Context, planID int64) (*models.PricingPlan, error) {
	rows, err := getRows[models.PricingPlan](ctx, db, fmt.Sprintf("/pricing_plans?id=eq.%d&select=*", planID))
	if err != nil {
		return nil, fmt.Errorf("failed to query plan: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// ListPlans 列出全部套餐
func (db *SupabaseDatabase) ListPlans(ctx context.Context) ([]models.PricingPlan, error) {
	rows, err := getRows[models.PricingPlan](ctx, db, "/pricing_plans?select=*&order=id.asc")
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return rows, nil
}

// CreateTask 创建抓取任务
func (db *SupabaseDatabase) CreateTask(ctx context.Context, task *models.ScrapingTask) error {
	payload := map[string]interface{}{
		"task_id":  task.TaskID,
		"user_id":  task.UserID,
		"keywords": task.Keywords,
		"country":  task.Country,
		"states":   task.States,
		"fields":   task.Fields,
		"rating":   task.Rating,
		"status":   string(task.Status),
	}
	data, err := db.makeRequest(ctx, http.MethodPost, "/scraping_requests", payload)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	var rows []models.ScrapingTask
	if err := json.Unmarshal(data, &rows); err == nil && len(rows) > 0 {
		task.CreatedAt = rows[0].CreatedAt
		task.UpdatedAt = rows[0].UpdatedAt
	}
	return nil
}

// GetTask 获取单个任务
func (db *SupabaseDatabase) GetTask(ctx context.Context, userID, taskID string) (*models.ScrapingTask, error) {
	rows, err := getRows[models.ScrapingTask](ctx, db, "/scraping_requests?task_id="+eq(taskID)+"&user_id="+eq(userID)+"&select=*")
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// ListTasks 列出用户任务（最新在前）
func (db *SupabaseDatabase) ListTasks(ctx context.Context, userID string) ([]models.ScrapingTask, error) {
	rows, err := getRows[models.ScrapingTask](ctx, db, "/scraping_requests?user_id="+eq(userID)+"&select=*&order=created_at.desc")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return rows, nil
}

// SumTaskRows 汇总用户所有任务的 row_count
func (db *SupabaseDatabase) SumTaskRows(ctx context.Context, userID string) (int64, error) {
	rows, err := getRows[struct {
		RowCount *int64 `json:"row_count"`
	}](ctx, db, "/scraping_requests?user_id="+eq(userID)+"&select=row_count")
	if err != nil {
		return 0, fmt.Errorf("failed to sum task rows: %w", err)
	}
	var total int64
	for _, r := range rows {
		if r.RowCount != nil {
			total += *r.RowCount
		}
	}
	return total, nil
}

// CreateTransaction 写入账单交易
func (db *SupabaseDatabase) CreateTransaction(ctx context.Context, tx *models.BillingTransaction) error {
	payload := map[string]interface{}{
		"user_id":           tx.UserID,
		"amount":            tx.Amount.StringFixed(2),
		"currency":          tx.Currency,
		"status":            string(tx.Status),
		"payment_method":    tx.PaymentMethod,
		"payment_id":        tx.PaymentID,
		"credits_purchased": tx.CreditsPurchased,
		"plan_id":           tx.PlanID,
		"receipt_url":       tx.ReceiptURL,
		"transaction_date":  tx.TransactionDate.UTC().Format(time.RFC3339),
	}
	data, err := db.makeRequest(ctx, http.MethodPost, "/billing_transactions", payload)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	var rows []models.BillingTransaction
	if err := json.Unmarshal(data, &rows); err == nil && len(rows) > 0 {
		tx.ID = rows[0].ID
	}
	return nil
}

// GetTransaction 获取单笔交易
func (db *SupabaseDatabase) GetTransaction(ctx context.Context, userID, transactionID string) (*models.BillingTransaction, error) {
	rows, err := getRows[models.BillingTransaction](ctx, db, "/billing_transactions?id="+eq(transactionID)+"&user_id="+eq(userID)+"&select=*")
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// ListTransactions 按时间升序列出交易
func (db *SupabaseDatabase) ListTransactions(ctx context.Context, userID string) ([]models.BillingTransaction, error) {
	rows, err := getRows[models.BillingTransaction](ctx, db, "/billing_transactions?user_id="+eq(userID)+"&select=*&order=transaction_date.asc")
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return rows, nil
}

// ListTransactionsMissingReceipt 查找已完成但还没有收据文件的交易
func (db *SupabaseDatabase) ListTransactionsMissingReceipt(ctx context.Context, limit int) ([]models.BillingTransaction, error) {
	endpoint := fmt.Sprintf("/billing_transactions?status=eq.completed&receipt_file_path=is.null&select=*&order=transaction_date.asc&limit=%d", limit)
	rows, err := getRows[models.BillingTransaction](ctx, db, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions missing receipts: %w", err)
	}
	return rows, nil
}

// UpdateTransactionFiles 记录收据/发票存储路径
func (db *SupabaseDatabase) UpdateTransactionFiles(ctx context.Context, transactionID string, receiptPath, invoicePath *string) error {
	patch := map[string]interface{}{}
	if receiptPath != nil {
		patch["receipt_file_path"] = *receiptPath
	}
	if invoicePath != nil {
		patch["invoice_file_path"] = *invoicePath
	}
	if len(patch) == 0 {
		return nil
	}
	if _, err := db.makeRequest(ctx, http.MethodPatch, "/billing_transactions?id="+eq(transactionID), patch); err != nil {
		return fmt.Errorf("failed to update transaction files: %w", err)
	}
	return nil
}

// HealthCheck 健康检查
func (db *SupabaseDatabase) HealthCheck(ctx context.Context) error {
	_, err := db.makeRequest(ctx, http.MethodGet, "/pricing_plans?select=id&limit=1", nil)
	return err
}

// Close 关闭连接
func (db *SupabaseDatabase) Close() error {
	// HTTP客户端无需显式关闭
	return nil
}
