package billing

import (
	"context"
	"fmt"

	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/models"

	"go.uber.org/zap"
)

// DefaultReceiptSyncBatch 每轮最多处理的交易数
const DefaultReceiptSyncBatch = 50

// PendingReceiptLister 查找缺少收据文件的已完成交易
type PendingReceiptLister interface {
	ListTransactionsMissingReceipt(ctx context.Context, limit int) ([]models.BillingTransaction, error)
}

// ReceiptSync 后台补齐收据
type ReceiptSync struct {
	lister    PendingReceiptLister
	documents *Documents
	batch     int
}

// NewReceiptSync 创建同步任务
func NewReceiptSync(lister PendingReceiptLister, documents *Documents, batch int) *ReceiptSync {
	if batch <= 0 {
		batch = DefaultReceiptSyncBatch
	}
	return &ReceiptSync{lister: lister, documents: documents, batch: batch}
}

// Run 单笔失败只记录日志，继续处理其余交易
func (s *ReceiptSync) Run(ctx context.Context) (synced, failed int, err error) {
	log := logger.Get()
	txs, err := s.lister.ListTransactionsMissingReceipt(ctx, s.batch)
	if err != nil {
		return 0, 0, fmt.Errorf("list transactions missing receipt: %w", err)
	}
	for i := range txs {
		if ctx.Err() != nil {
			return synced, failed, ctx.Err()
		}
		tx := &txs[i]
		path, err := s.documents.storeReceipt(ctx, tx)
		if err != nil {
			failed++
			log.Warn("receipt sync failed", zap.String("transaction_id", tx.ID), zap.Error(err))
			continue
		}
		synced++
		log.Info("🧾 receipt stored", zap.String("transaction_id", tx.ID), zap.String("path", path))
	}
	return synced, failed, nil
}
