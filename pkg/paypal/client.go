// Package paypal PayPal Orders v2 客户端
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Order statuses returned by the gateway.
const (
	StatusCreated   = "CREATED"
	StatusApproved  = "APPROVED"
	StatusCompleted = "COMPLETED"
	StatusPending   = "PENDING"
)

// ErrNoCapture 订单里没有 capture 记录
var ErrNoCapture = errors.New("paypal: order has no capture")

// APIError 网关返回的错误
type APIError struct {
	StatusCode int
	Name       string `json:"name"`
	Message    string `json:"message"`
	DebugID    string `json:"debug_id"`
}

func (e *APIError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("paypal %d %s: %s", e.StatusCode, e.Name, e.Message)
	}
	return fmt.Sprintf("paypal request failed with status %d", e.StatusCode)
}

// Money 金额
type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// Link HATEOAS 链接
type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

// Capture 扣款记录
type Capture struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Amount     *Money    `json:"amount,omitempty"`
	CustomID   string    `json:"custom_id,omitempty"`
	CreateTime time.Time `json:"create_time,omitempty"`
	Links      []Link    `json:"links,omitempty"`
}

// Payments 订单下的支付记录
type Payments struct {
	Captures []Capture `json:"captures"`
}

// PurchaseUnit 订单行
type PurchaseUnit struct {
	ReferenceID string    `json:"reference_id,omitempty"`
	Description string    `json:"description,omitempty"`
	CustomID    string    `json:"custom_id,omitempty"`
	Amount      *Money    `json:"amount,omitempty"`
	Payments    *Payments `json:"payments,omitempty"`
}

// Order 订单
type Order struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
	Links         []Link         `json:"links,omitempty"`
}

// FirstCapture 返回第一个 capture
func (o *Order) FirstCapture() (*Capture, error) {
	for _, pu := range o.PurchaseUnits {
		if pu.Payments != nil && len(pu.Payments.Captures) > 0 {
			c := pu.Payments.Captures[0]
			return &c, nil
		}
	}
	return nil, ErrNoCapture
}

// CustomID 返回下单时附带的 custom_id
func (o *Order) CustomID() string {
	for _, pu := range o.PurchaseUnits {
		if pu.CustomID != "" {
			return pu.CustomID
		}
		if pu.Payments != nil {
			for _, c := range pu.Payments.Captures {
				if c.CustomID != "" {
					return c.CustomID
				}
			}
		}
	}
	return ""
}

// CreateOrderRequest 下单参数
type CreateOrderRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	CustomID    string
}

// Client PayPal REST 客户端
type Client struct {
	baseURL    string
	creds      clientcredentials.Config
	httpClient *http.Client
}

// NewClient baseURL 形如 https://api-m.sandbox.paypal.com
func NewClient(baseURL, clientID, clientSecret string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: baseURL,
		creds: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     baseURL + "/v1/oauth2/token",
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient 替换底层 http.Client（测试用）
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// accessToken 每次调用都重新获取，不做缓存
func (c *Client) accessToken(ctx context.Context) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.creds.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("paypal token: %w", err)
	}
	return tok.AccessToken, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, in, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// CreateOrder POST /v2/checkout/orders
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []PurchaseUnit{{
			Description: req.Description,
			CustomID:    req.CustomID,
			Amount: &Money{
				CurrencyCode: currency,
				Value:        req.Amount.StringFixed(2),
			},
		}},
	}
	var order Order
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/v2/checkout/orders", payload, &order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return &order, nil
}

// CaptureOrder POST /v2/checkout/orders/{id}/capture
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/v2/checkout/orders/"+orderID+"/capture", map[string]string{}, &order); err != nil {
		return nil, fmt.Errorf("capture order %s: %w", orderID, err)
	}
	return &order, nil
}

// GetOrder GET /v2/checkout/orders/{id}
func (c *Client) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/v2/checkout/orders/"+orderID, nil, &order); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return &order, nil
}

// CaptureURL capture 详情地址
func (c *Client) CaptureURL(captureID string) string {
	return c.baseURL + "/v2/payments/captures/" + captureID
}

// FetchDocument 下载收据/交易详情，返回内容与 Content-Type
func (c *Client) FetchDocument(ctx context.Context, url string) ([]byte, string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch document: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("fetch document: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, "", &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, resp.Header.Get("Content-Type"), nil
}
