package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"maps-scraper-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryDatabase 进程内数据库实现，用于本地开发（USE_LOCAL_DB）和测试
type MemoryDatabase struct {
	mu           sync.RWMutex
	profiles     map[string]models.Profile
	plans        map[int64]models.PricingPlan
	tasks        map[string]models.ScrapingTask
	transactions map[string]models.BillingTransaction

	failProfileReads int
}

// NewMemoryDatabase 创建内存数据库并写入给定套餐
func NewMemoryDatabase(plans ...models.PricingPlan) *MemoryDatabase {
	db := &MemoryDatabase{
		profiles:     make(map[string]models.Profile),
		plans:        make(map[int64]models.PricingPlan),
		tasks:        make(map[string]models.ScrapingTask),
		transactions: make(map[string]models.BillingTransaction),
	}
	for _, p := range plans {
		db.plans[p.ID] = p
	}
	return db
}

// SeedPlans 返回本地开发用的默认套餐
func SeedPlans() []models.PricingPlan {
	freeLimit := int64(500)
	ppc := 0.00299
	return []models.PricingPlan{
		{ID: models.DefaultPlanID, Name: "Free Plan", Price: decimal.Zero, BillingPeriod: models.BillingMonthly, RowLimit: &freeLimit},
		{ID: 2, Name: "Pro Monthly", Price: decimal.RequireFromString("49.00"), BillingPeriod: models.BillingMonthly},
		{ID: 3, Name: "Pay As You Go", Price: decimal.Zero, BillingPeriod: models.BillingCredits, PricePerCredit: &ppc},
	}
}

// FailNextProfileReads makes the next n GetProfile calls return a transient error.
func (db *MemoryDatabase) FailNextProfileReads(n int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failProfileReads = n
}

// PutProfile 写入或覆盖档案
func (db *MemoryDatabase) PutProfile(p models.Profile) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.profiles[p.ID] = p
}

// PutPlan 写入或覆盖套餐
func (db *MemoryDatabase) PutPlan(p models.PricingPlan) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.plans[p.ID] = p
}

// PutTask 写入或覆盖任务
func (db *MemoryDatabase) PutTask(t models.ScrapingTask) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tasks[t.TaskID] = t
}

// PutTransaction 写入或覆盖交易
func (db *MemoryDatabase) PutTransaction(t models.BillingTransaction) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	db.transactions[t.ID] = t
}

func (db *MemoryDatabase) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.failProfileReads > 0 {
		db.failProfileReads--
		return nil, errTransient
	}
	p, ok := db.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (db *MemoryDatabase) UpdateProfilePlan(_ context.Context, userID string, planID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	p.PlanID = &planID
	p.UpdatedAt = time.Now()
	db.profiles[userID] = p
	return nil
}

func (db *MemoryDatabase) AddCredits(_ context.Context, userID string, delta int64) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.profiles[userID]
	if !ok {
		return 0, ErrNotFound
	}
	p.Credits = models.ClampCredits(p.Credits + delta)
	p.UpdatedAt = time.Now()
	db.profiles[userID] = p
	return p.Credits, nil
}

func (db *MemoryDatabase) GetPlan(_ context.Context, planID int64) (*models.PricingPlan, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	p, ok := db.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (db *MemoryDatabase) ListPlans(_ context.Context) ([]models.PricingPlan, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	plans := make([]models.PricingPlan, 0, len(db.plans))
	for _, p := range db.plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

func (db *MemoryDatabase) CreateTask(_ context.Context, task *models.ScrapingTask) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	db.tasks[task.TaskID] = *task
	return nil
}

func (db *MemoryDatabase) GetTask(_ context.Context, userID, taskID string) (*models.ScrapingTask, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.tasks[taskID]
	if !ok || t.UserID != userID {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (db *MemoryDatabase) ListTasks(_ context.Context, userID string) ([]models.ScrapingTask, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var tasks []models.ScrapingTask
	for _, t := range db.tasks {
		if t.UserID == userID {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

func (db *MemoryDatabase) SumTaskRows(_ context.Context, userID string) (int64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var total int64
	for _, t := range db.tasks {
		if t.UserID == userID {
			total += t.RowCount
		}
	}
	return total, nil
}

func (db *MemoryDatabase) CreateTransaction(_ context.Context, tx *models.BillingTransaction) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	db.transactions[tx.ID] = *tx
	return nil
}

func (db *MemoryDatabase) GetTransaction(_ context.Context, userID, transactionID string) (*models.BillingTransaction, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t, ok := db.transactions[transactionID]
	if !ok || t.UserID != userID {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (db *MemoryDatabase) ListTransactions(_ context.Context, userID string) ([]models.BillingTransaction, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var txs []models.BillingTransaction
	for _, t := range db.transactions {
		if t.UserID == userID {
			txs = append(txs, t)
		}
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].TransactionDate.Before(txs[j].TransactionDate) })
	return txs, nil
}

func (db *MemoryDatabase) ListTransactionsMissingReceipt(_ context.Context, limit int) ([]models.BillingTransaction, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var txs []models.BillingTransaction
	for _, t := range db.transactions {
		if t.Status == models.TransactionCompleted && t.ReceiptFilePath == nil {
			txs = append(txs, t)
		}
	}
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].TransactionDate.Before(txs[j].TransactionDate) })
	if limit > 0 && len(txs) > limit {
		txs = txs[:limit]
	}
	return txs, nil
}

func (db *MemoryDatabase) UpdateTransactionFiles(_ context.Context, transactionID string, receiptPath, invoicePath *string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.transactions[transactionID]
	if !ok {
		return ErrNotFound
	}
	if receiptPath != nil {
		v := *receiptPath
		t.ReceiptFilePath = &v
	}
	if invoicePath != nil {
		v := *invoicePath
		t.InvoiceFilePath = &v
	}
	db.transactions[transactionID] = t
	return nil
}

func (db *MemoryDatabase) HealthCheck(_ context.Context) error { return nil }

func (db *MemoryDatabase) Close() error { return nil }
