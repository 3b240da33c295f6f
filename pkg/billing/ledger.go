package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/entitlement"
	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/models"
	"maps-scraper-backend/pkg/utils"

	"go.uber.org/zap"
)

// DefaultProfileRetryDelay 档案读取失败后的等待
const DefaultProfileRetryDelay = time.Second

// ErrProfileUnavailable 档案重试后仍读取失败，可由用户手动重试
var ErrProfileUnavailable = errors.New("billing: profile temporarily unavailable")

// LedgerEntry 交易及其之后的积分余额
type LedgerEntry struct {
	models.BillingTransaction
	RunningBalance int64 `json:"running_balance"`
}

// BuildLedger 按时间升序累计余额（仅 completed 计入），再反转为最新在前
func BuildLedger(txs []models.BillingTransaction) []LedgerEntry {
	sorted := make([]models.BillingTransaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TransactionDate.Before(sorted[j].TransactionDate)
	})

	entries := make([]LedgerEntry, len(sorted))
	var balance int64
	for i, tx := range sorted {
		if tx.Status == models.TransactionCompleted && tx.CreditsPurchased != nil && *tx.CreditsPurchased > 0 {
			balance += *tx.CreditsPurchased
		}
		entries[i] = LedgerEntry{BillingTransaction: tx, RunningBalance: balance}
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// LedgerView 账单页数据
type LedgerView struct {
	Credits      int64         `json:"credits"`
	PlanID       int64         `json:"plan_id"`
	Transactions []LedgerEntry `json:"transactions"`
}

// LedgerStore 账单页所需的数据访问
type LedgerStore interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	ListTransactions(ctx context.Context, userID string) ([]models.BillingTransaction, error)
}

// Ledger 交易流水
type Ledger struct {
	store      LedgerStore
	retryDelay time.Duration
}

// NewLedger retryDelay <= 0 时使用默认值
func NewLedger(store LedgerStore, retryDelay time.Duration) *Ledger {
	if retryDelay <= 0 {
		retryDelay = DefaultProfileRetryDelay
	}
	return &Ledger{store: store, retryDelay: retryDelay}
}

// Load 档案读取失败自动重试一次；交易读取不重试
func (l *Ledger) Load(ctx context.Context, userID string) (*LedgerView, error) {
	var profile *models.Profile
	err := utils.Retry(ctx, 2, l.retryDelay, func(ctx context.Context) error {
		p, err := l.store.GetProfile(ctx, userID)
		if errors.Is(err, database.ErrNotFound) {
			return utils.Permanent(entitlement.ErrProfileNotFound)
		}
		if err != nil {
			logger.Get().Warn("ledger profile fetch failed", zap.String("user_id", userID), zap.Error(err))
			return err
		}
		profile = p
		return nil
	})
	if errors.Is(err, entitlement.ErrProfileNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProfileUnavailable, err)
	}

	txs, err := l.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	planID := models.DefaultPlanID
	if profile.PlanID != nil {
		planID = *profile.PlanID
	}
	return &LedgerView{
		Credits:      profile.Credits,
		PlanID:       planID,
		Transactions: BuildLedger(txs),
	}, nil
}
