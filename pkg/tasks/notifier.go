package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"maps-scraper-backend/pkg/logger"

	"go.uber.org/zap"
)

// Notifier 通知外部抓取后端有新任务
type Notifier interface {
	Notify(ctx context.Context, userID, taskID string) error
}

// BackendNotifier POST {baseURL}/check_request，按 task_id 去重
type BackendNotifier struct {
	baseURL    string
	store      IdempotencyStore
	httpClient *http.Client
}

// NewBackendNotifier baseURL 为空时不发送通知
func NewBackendNotifier(baseURL string, store IdempotencyStore) *BackendNotifier {
	if store == nil {
		store = NewMemoryIdempotencyStore(0, 0)
	}
	return &BackendNotifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		store:      store,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// WithHTTPClient 替换底层 http.Client（测试用）
func (n *BackendNotifier) WithHTTPClient(hc *http.Client) *BackendNotifier {
	n.httpClient = hc
	return n
}

func (n *BackendNotifier) Notify(ctx context.Context, userID, taskID string) error {
	log := logger.Get()
	if n.baseURL == "" {
		log.Debug("scraper backend not configured, skipping notification", zap.String("task_id", taskID))
		return nil
	}

	acquired, err := n.store.Acquire(ctx, taskID)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if !acquired {
		log.Info("task already notified, skipping", zap.String("task_id", taskID))
		return nil
	}

	if err := n.post(ctx, userID, taskID); err != nil {
		if relErr := n.store.Release(ctx, taskID); relErr != nil {
			log.Warn("failed to release idempotency key", zap.String("task_id", taskID), zap.Error(relErr))
		}
		return err
	}
	log.Info("✅ task forwarded to scraper backend", zap.String("task_id", taskID), zap.String("user_id", userID))
	return nil
}

func (n *BackendNotifier) post(ctx context.Context, userID, taskID string) error {
	payload, err := json.Marshal(map[string]string{"user_id": userID, "task_id": taskID})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/check_request", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify scraper backend: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify scraper backend: status %d", resp.StatusCode)
	}
	return nil
}
