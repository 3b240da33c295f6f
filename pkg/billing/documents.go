package billing

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"maps-scraper-backend/pkg/database"
	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/models"
	"maps-scraper-backend/pkg/utils"

	"go.uber.org/zap"
)

const (
	// DefaultDocumentAttempts 首次 + 2 次重试
	DefaultDocumentAttempts = 3
	// DefaultDocumentRetryDelay 重试间隔
	DefaultDocumentRetryDelay = 500 * time.Millisecond
	// SignedURLExpiry 下载链接有效期
	SignedURLExpiry = 60 * time.Second
)

var (
	// ErrTransactionNotFound 交易不存在或不属于该用户
	ErrTransactionNotFound = errors.New("billing: transaction not found")
	// ErrReceiptUnavailable 交易没有可下载的收据
	ErrReceiptUnavailable = errors.New("billing: receipt not available for this transaction")
)

// ObjectStore 对象存储
type ObjectStore interface {
	EnsureBucket(ctx context.Context, name string) error
	Upload(ctx context.Context, bucket, path, contentType string, data []byte) error
	CreateSignedURL(ctx context.Context, bucket, path string, expiresIn time.Duration) (string, error)
}

// DocumentSource 从网关下载收据
type DocumentSource interface {
	FetchDocument(ctx context.Context, url string) ([]byte, string, error)
	CaptureURL(captureID string) string
}

// DocumentStore 交易读写
type DocumentStore interface {
	GetTransaction(ctx context.Context, userID, transactionID string) (*models.BillingTransaction, error)
	UpdateTransactionFiles(ctx context.Context, transactionID string, receiptPath, invoicePath *string) error
	GetPlan(ctx context.Context, planID int64) (*models.PricingPlan, error)
}

// DocumentsConfig 依赖与参数
type DocumentsConfig struct {
	Store      DocumentStore
	Objects    ObjectStore
	Source     DocumentSource
	Bucket     string
	Attempts   int
	RetryDelay time.Duration
}

// Documents 收据与发票
type Documents struct {
	store      DocumentStore
	objects    ObjectStore
	source     DocumentSource
	bucket     string
	attempts   int
	retryDelay time.Duration
}

// NewDocuments 创建收据/发票服务
func NewDocuments(cfg DocumentsConfig) *Documents {
	if cfg.Bucket == "" {
		cfg.Bucket = "billing-documents"
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultDocumentAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultDocumentRetryDelay
	}
	return &Documents{
		store:      cfg.Store,
		objects:    cfg.Objects,
		source:     cfg.Source,
		bucket:     cfg.Bucket,
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
	}
}

// ReceiptPath {userId}/{transactionId}_receipt.{ext}
func ReceiptPath(userID, transactionID, ext string) string {
	return fmt.Sprintf("%s/%s_receipt.%s", userID, transactionID, ext)
}

// InvoicePath {userId}/{transactionId}_invoice.txt
func InvoicePath(userID, transactionID string) string {
	return fmt.Sprintf("%s/%s_invoice.txt", userID, transactionID)
}

// ExtensionFor 根据 Content-Type 选择扩展名
func ExtensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case mediaType == "application/pdf":
		return "pdf"
	case mediaType == "text/html":
		return "html"
	case strings.HasSuffix(mediaType, "json"):
		return "json"
	case mediaType == "text/plain":
		return "txt"
	default:
		return "bin"
	}
}

func (d *Documents) loadTransaction(ctx context.Context, userID, transactionID string) (*models.BillingTransaction, error) {
	tx, err := d.store.GetTransaction(ctx, userID, transactionID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, utils.Permanent(ErrTransactionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load transaction: %w", err)
	}
	return tx, nil
}

func (d *Documents) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return utils.Retry(ctx, d.attempts, d.retryDelay, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil {
			logger.Get().Warn("billing document attempt failed",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
}

// Receipt 返回收据的限时链接；没有存档时从网关下载并保存
func (d *Documents) Receipt(ctx context.Context, userID, transactionID string) (string, error) {
	var url string
	err := d.withRetry(ctx, "receipt", func(ctx context.Context) error {
		tx, err := d.loadTransaction(ctx, userID, transactionID)
		if err != nil {
			return err
		}
		path := ""
		if tx.ReceiptFilePath != nil && *tx.ReceiptFilePath != "" {
			path = *tx.ReceiptFilePath
		} else if path, err = d.storeReceipt(ctx, tx); err != nil {
			return err
		}
		url, err = d.objects.CreateSignedURL(ctx, d.bucket, path, SignedURLExpiry)
		return err
	})
	return url, err
}

// storeReceipt 下载收据、上传到存储并记录路径
func (d *Documents) storeReceipt(ctx context.Context, tx *models.BillingTransaction) (string, error) {
	if tx.Status != models.TransactionCompleted {
		return "", utils.Permanent(ErrReceiptUnavailable)
	}
	source := ""
	if tx.ReceiptURL != nil && *tx.ReceiptURL != "" {
		source = *tx.ReceiptURL
	} else if tx.PaymentID != "" {
		source = d.source.CaptureURL(tx.PaymentID)
	}
	if source == "" {
		return "", utils.Permanent(ErrReceiptUnavailable)
	}

	data, contentType, err := d.source.FetchDocument(ctx, source)
	if err != nil {
		return "", fmt.Errorf("download receipt: %w", err)
	}
	path := ReceiptPath(tx.UserID, tx.ID, ExtensionFor(contentType))
	if err := d.upload(ctx, path, contentType, data); err != nil {
		return "", err
	}
	if err := d.store.UpdateTransactionFiles(ctx, tx.ID, &path, nil); err != nil {
		return "", fmt.Errorf("record receipt path: %w", err)
	}
	return path, nil
}

func (d *Documents) upload(ctx context.Context, path, contentType string, data []byte) error {
	if err := d.objects.EnsureBucket(ctx, d.bucket); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	return d.objects.Upload(ctx, d.bucket, path, contentType, data)
}

// Invoice 返回发票的限时链接；没有存档时生成文本发票
func (d *Documents) Invoice(ctx context.Context, userID, transactionID string) (string, error) {
	var url string
	err := d.withRetry(ctx, "invoice", func(ctx context.Context) error {
		tx, err := d.loadTransaction(ctx, userID, transactionID)
		if err != nil {
			return err
		}
		path := ""
		if tx.InvoiceFilePath != nil && *tx.InvoiceFilePath != "" {
			path = *tx.InvoiceFilePath
		} else {
			path = InvoicePath(tx.UserID, tx.ID)
			body := RenderInvoice(tx, d.planName(ctx, tx.PlanID))
			if err := d.upload(ctx, path, "text/plain; charset=utf-8", []byte(body)); err != nil {
				return err
			}
			if err := d.store.UpdateTransactionFiles(ctx, tx.ID, nil, &path); err != nil {
				return fmt.Errorf("record invoice path: %w", err)
			}
		}
		url, err = d.objects.CreateSignedURL(ctx, d.bucket, path, SignedURLExpiry)
		return err
	})
	return url, err
}

func (d *Documents) planName(ctx context.Context, planID *int64) string {
	if planID == nil {
		return ""
	}
	plan, err := d.store.GetPlan(ctx, *planID)
	if err != nil {
		return ""
	}
	return plan.Name
}

// RenderInvoice 纯文本发票
func RenderInvoice(tx *models.BillingTransaction, planName string) string {
	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, "%-16s %s\n", label+":", value)
	}
	b.WriteString("INVOICE\n")
	b.WriteString(strings.Repeat("=", 40) + "\n")
	line("Invoice", tx.ID)
	line("Date", tx.TransactionDate.UTC().Format("2006-01-02 15:04:05 MST"))
	line("Customer", tx.UserID)
	if planName != "" {
		line("Plan", planName)
	}
	if tx.CreditsPurchased != nil {
		line("Credits", fmt.Sprintf("%d", *tx.CreditsPurchased))
	}
	line("Amount", tx.Amount.StringFixed(2)+" "+tx.Currency)
	line("Status", string(tx.Status))
	line("Payment method", tx.PaymentMethod)
	line("Payment ID", tx.PaymentID)
	b.WriteString(strings.Repeat("=", 40) + "\n")
	return b.String()
}
