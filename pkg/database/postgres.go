package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/models"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresDatabase PostgreSQL数据库实现
type PostgresDatabase struct {
	db *sql.DB
}

// NewPostgresDatabase 创建PostgreSQL数据库实例
func NewPostgresDatabase(dsn string) (*PostgresDatabase, error) {
	log := logger.Get()

	// 尝试多种连接策略来解决Vercel Lambda的IPv6问题
	// Sanitize DSN to avoid stray CR/LF from env values
	dsn = strings.TrimSpace(dsn)
	strategies := []string{
		addConnectionParams(dsn, "connect_timeout=10"),
		addConnectionParams(dsn, "sslmode=require&connect_timeout=10"),
		dsn, // 最后尝试原始DSN
	}

	var lastErr error
	for i, strategy := range strategies {
		db, err := sql.Open("postgres", strategy)
		if err != nil {
			log.Warn("postgres strategy failed to open", zap.Int("strategy", i+1), zap.Error(err))
			lastErr = err
			continue
		}

		// 设置连接池参数，适合无服务器环境
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			log.Warn("postgres strategy failed to ping", zap.Int("strategy", i+1), zap.Error(err))
			db.Close()
			lastErr = err
			continue
		}

		log.Info("✅ PostgreSQL connection established", zap.Int("strategy", i+1))
		return &PostgresDatabase{db: db}, nil
	}

	return nil, fmt.Errorf("failed to connect to PostgreSQL with all strategies: %w", lastErr)
}

// NewPostgresDatabaseFromDB wraps an existing pool (scripts and tests).
func NewPostgresDatabaseFromDB(db *sql.DB) *PostgresDatabase {
	return &PostgresDatabase{db: db}
}

// addConnectionParams 添加连接参数到DSN
func addConnectionParams(dsn, params string) string {
	if params == "" {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + params
}

const profileColumns = `id, COALESCE(email,''), plan_id, credits, total_rows, created_at, updated_at`

// GetProfile 获取用户档案
func (db *PostgresDatabase) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var p models.Profile
	var planID sql.NullInt64
	err := db.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM public.profiles WHERE id = $1`, userID).
		Scan(&p.ID, &p.Email, &planID, &p.Credits, &p.TotalRows, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if planID.Valid {
		p.PlanID = &planID.Int64
	}
	return &p, nil
}

// UpdateProfilePlan 更新用户套餐
func (db *PostgresDatabase) UpdateProfilePlan(ctx context.Context, userID string, planID int64) error {
	res, err := db.db.ExecContext(ctx, `UPDATE public.profiles SET plan_id = $1, updated_at = NOW() WHERE id = $2`, planID, userID)
	if err != nil {
		return fmt.Errorf("failed to update profile plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddCredits 增减积分（数据库内钳制到 0）
func (db *PostgresDatabase) AddCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	var credits int64
	err := db.db.QueryRowContext(ctx, `
		UPDATE public.profiles
		SET credits = GREATEST(credits + $1, 0), updated_at = NOW()
		WHERE id = $2
		RETURNING credits
	`, delta, userID).Scan(&credits)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to update credits: %w", err)
	}
	return credits, nil
}

const planColumns = `id, name, price, billing_period, price_per_credit, row_limit, COALESCE(features, '[]'::jsonb)`

func scanPlan(row interface{ Scan(...any) error }) (*models.PricingPlan, error) {
	var p models.PricingPlan
	var price string
	var period string
	var ppc sql.NullFloat64
	var rowLimit sql.NullInt64
	var features []byte
	if err := row.Scan(&p.ID, &p.Name, &price, &period, &ppc, &rowLimit, &features); err != nil {
		return nil, err
	}
	if err := p.Price.Scan(price); err != nil {
		return nil, fmt.Errorf("invalid plan price %q: %w", price, err)
	}
	p.BillingPeriod = models.BillingPeriod(period)
	if ppc.Valid {
		p.PricePerCredit = &ppc.Float64
	}
	if rowLimit.Valid {
		p.RowLimit = &rowLimit.Int64
	}
	p.Features = features
	return &p, nil
}

// GetPlan 获取套餐
func (db *PostgresDatabase) GetPlan(ctx context.Context, planID int64) (*models.PricingPlan, error) {
	p, err := scanPlan(db.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM public.pricing_plans WHERE id = $1`, planID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

// ListPlans 列出全部套餐
func (db *PostgresDatabase) ListPlans(ctx context.Context) ([]models.PricingPlan, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT `+planColumns+` FROM public.pricing_plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.PricingPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// CreateTask 创建抓取任务
func (db *PostgresDatabase) CreateTask(ctx context.Context, task *models.ScrapingTask) error {
	err := db.db.QueryRowContext(ctx, `
		INSERT INTO public.scraping_requests (task_id, user_id, keywords, country, states, fields, rating, status, row_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, NOW(), NOW())
		RETURNING created_at, updated_at
	`, task.TaskID, task.UserID, task.Keywords, task.Country, task.States, task.Fields, task.Rating, string(task.Status)).
		Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

const taskColumns = `task_id, user_id, keywords, country, states, fields, rating, status, COALESCE(row_count, 0), result_url, json_result_url, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*models.ScrapingTask, error) {
	var t models.ScrapingTask
	var rating, resultURL, jsonURL sql.NullString
	var status string
	if err := row.Scan(&t.TaskID, &t.UserID, &t.Keywords, &t.Country, &t.States, &t.Fields, &rating, &status,
		&t.RowCount, &resultURL, &jsonURL, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	t.Rating = nullString(rating)
	t.ResultURL = nullString(resultURL)
	t.JSONResultURL = nullString(jsonURL)
	return &t, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// GetTask 获取单个任务
func (db *PostgresDatabase) GetTask(ctx context.Context, userID, taskID string) (*models.ScrapingTask, error) {
	t, err := scanTask(db.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM public.scraping_requests WHERE task_id = $1 AND user_id = $2`, taskID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ListTasks 列出用户任务（最新在前）
func (db *PostgresDatabase) ListTasks(ctx context.Context, userID string) ([]models.ScrapingTask, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM public.scraping_requests WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.ScrapingTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// SumTaskRows 汇总用户所有任务的 row_count
func (db *PostgresDatabase) SumTaskRows(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := db.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(row_count), 0) FROM public.scraping_requests WHERE user_id = $1`, userID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum task rows: %w", err)
	}
	return total, nil
}

// CreateTransaction 写入账单交易
func (db *PostgresDatabase) CreateTransaction(ctx context.Context, tx *models.BillingTransaction) error {
	err := db.db.QueryRowContext(ctx, `
		INSERT INTO public.billing_transactions
			(user_id, amount, currency, status, payment_method, payment_id, credits_purchased, plan_id, receipt_url, transaction_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, tx.UserID, tx.Amount.StringFixed(2), tx.Currency, string(tx.Status), tx.PaymentMethod, tx.PaymentID,
		tx.CreditsPurchased, tx.PlanID, tx.ReceiptURL, tx.TransactionDate).Scan(&tx.ID)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, user_id, amount, currency, status, COALESCE(payment_method,''), COALESCE(payment_id,''),
	credits_purchased, plan_id, receipt_url, receipt_file_path, invoice_file_path, transaction_date`

func scanTransaction(row interface{ Scan(...any) error }) (*models.BillingTransaction, error) {
	var t models.BillingTransaction
	var amount, status string
	var credits, planID sql.NullInt64
	var receiptURL, receiptPath, invoicePath sql.NullString
	if err := row.Scan(&t.ID, &t.UserID, &amount, &t.Currency, &status, &t.PaymentMethod, &t.PaymentID,
		&credits, &planID, &receiptURL, &receiptPath, &invoicePath, &t.TransactionDate); err != nil {
		return nil, err
	}
	if err := t.Amount.Scan(amount); err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	t.Status = models.TransactionStatus(status)
	if credits.Valid {
		t.CreditsPurchased = &credits.Int64
	}
	if planID.Valid {
		t.PlanID = &planID.Int64
	}
	t.ReceiptURL = nullString(receiptURL)
	t.ReceiptFilePath = nullString(receiptPath)
	t.InvoiceFilePath = nullString(invoicePath)
	return &t, nil
}

func (db *PostgresDatabase) queryTransactions(ctx context.Context, query string, args ...any) ([]models.BillingTransaction, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.BillingTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

// GetTransaction 获取单笔交易
func (db *PostgresDatabase) GetTransaction(ctx context.Context, userID, transactionID string) (*models.BillingTransaction, error) {
	t, err := scanTransaction(db.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM public.billing_transactions WHERE id = $1 AND user_id = $2`, transactionID, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// ListTransactions 按时间升序列出交易
func (db *PostgresDatabase) ListTransactions(ctx context.Context, userID string) ([]models.BillingTransaction, error) {
	txs, err := db.queryTransactions(ctx,
		`SELECT `+transactionColumns+` FROM public.billing_transactions WHERE user_id = $1 ORDER BY transaction_date ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// ListTransactionsMissingReceipt 查找已完成但还没有收据文件的交易
func (db *PostgresDatabase) ListTransactionsMissingReceipt(ctx context.Context, limit int) ([]models.BillingTransaction, error) {
	txs, err := db.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM public.billing_transactions
		WHERE status = 'completed' AND receipt_file_path IS NULL
		ORDER BY transaction_date ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions missing receipts: %w", err)
	}
	return txs, nil
}

// UpdateTransactionFiles 记录收据/发票存储路径
func (db *PostgresDatabase) UpdateTransactionFiles(ctx context.Context, transactionID string, receiptPath, invoicePath *string) error {
	if receiptPath == nil && invoicePath == nil {
		return nil
	}
	_, err := db.db.ExecContext(ctx, `
		UPDATE public.billing_transactions
		SET receipt_file_path = COALESCE($1, receipt_file_path),
		    invoice_file_path = COALESCE($2, invoice_file_path)
		WHERE id = $3
	`, receiptPath, invoicePath, transactionID)
	if err != nil {
		return fmt.Errorf("failed to update transaction files: %w", err)
	}
	return nil
}

// HealthCheck 健康检查
func (db *PostgresDatabase) HealthCheck(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Close 关闭连接
func (db *PostgresDatabase) Close() error {
	return db.db.Close()
}
