package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus 交易状态
type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "completed"
	TransactionPending   TransactionStatus = "pending"
	TransactionFailed    TransactionStatus = "failed"
)

// BillingTransaction 账单交易（billing_transactions 表）
// completed 之后只允许补充 receipt/invoice 文件路径
type BillingTransaction struct {
	ID               string            `json:"id" db:"id"`
	UserID           string            `json:"user_id" db:"user_id"`
	Amount           decimal.Decimal   `json:"amount" db:"amount"`
	Currency         string            `json:"currency" db:"currency"`
	Status           TransactionStatus `json:"status" db:"status"`
	PaymentMethod    string            `json:"payment_method" db:"payment_method"`
	PaymentID        string            `json:"payment_id" db:"payment_id"`
	CreditsPurchased *int64            `json:"credits_purchased,omitempty" db:"credits_purchased"`
	PlanID           *int64            `json:"plan_id,omitempty" db:"plan_id"`
	ReceiptURL       *string           `json:"receipt_url,omitempty" db:"receipt_url"`
	ReceiptFilePath  *string           `json:"receipt_file_path,omitempty" db:"receipt_file_path"`
	InvoiceFilePath  *string           `json:"invoice_file_path,omitempty" db:"invoice_file_path"`
	TransactionDate  time.Time         `json:"transaction_date" db:"transaction_date"`
}
