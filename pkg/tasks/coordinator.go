// Package tasks 负责抓取任务的提交、通知与查询
package tasks

import (
	"context"
	"errors"
	"strings"
	"time"

	"maps-scraper-backend/pkg/entitlement"
	"maps-scraper-backend/pkg/logger"
	"maps-scraper-backend/pkg/models"
	"maps-scraper-backend/pkg/supabase"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultPendingRowEstimate 积分套餐提交后预扣的行数，仅为占位估计
	DefaultPendingRowEstimate int64 = 100
	// DefaultSettleDelay 刷新令牌后的等待时间
	DefaultSettleDelay = 500 * time.Millisecond

	sessionExpiredMessage = "Your session has expired. Please sign in again."
)

var (
	// ErrNotEligible 资格检查未通过
	ErrNotEligible = errors.New("tasks: not eligible")
	// ErrInvalidParams 提交参数不合法
	ErrInvalidParams = errors.New("tasks: invalid parameters")
	// ErrSessionRequired 没有可刷新的会话
	ErrSessionRequired = errors.New("tasks: session required")
)

// Params 抓取参数
type Params struct {
	Keywords string   `json:"keywords"`
	Country  string   `json:"country"`
	States   []string `json:"states"`
	Fields   []string `json:"fields"`
	Rating   *string  `json:"rating,omitempty"`
}

// ValidationError 缺少必填项
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "Missing required fields: " + strings.Join(e.Missing, ", ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidParams
}

// Validate 检查必填项
func (p Params) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Keywords) == "" {
		missing = append(missing, "keywords")
	}
	if strings.TrimSpace(p.Country) == "" {
		missing = append(missing, "country")
	}
	if len(compact(p.States)) == 0 {
		missing = append(missing, "states")
	}
	if len(compact(p.Fields)) == 0 {
		missing = append(missing, "fields")
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}
	return nil
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Session 调用方当前持有的令牌
type Session struct {
	AccessToken  string
	RefreshToken string
}

// SessionRefresher 刷新会话（Supabase Auth）
type SessionRefresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (*supabase.Session, error)
}

// TaskWriter 任务落库
type TaskWriter interface {
	CreateTask(ctx context.Context, task *models.ScrapingTask) error
}

// SubmitResult 提交结果；失败时 Success=false 且 Error 为用户可见信息
type SubmitResult struct {
	Success        bool              `json:"success"`
	TaskID         string            `json:"task_id,omitempty"`
	Error          string            `json:"error,omitempty"`
	AuthRequired   bool              `json:"auth_required,omitempty"`
	PendingCredits *int64            `json:"pending_credits,omitempty"`
	Session        *supabase.Session `json:"-"`
	Err            error             `json:"-"`
}

func failed(err error, message string) SubmitResult {
	return SubmitResult{Error: message, Err: err}
}

func authFailed(err error) SubmitResult {
	return SubmitResult{Error: sessionExpiredMessage, AuthRequired: true, Err: err}
}

// CoordinatorConfig 依赖与参数
type CoordinatorConfig struct {
	Gate               *entitlement.Gate
	Tasks              TaskWriter
	Sessions           SessionRefresher // nil 时跳过刷新（本地开发）
	Notifier           Notifier
	Pending            *PendingCredits
	PendingRowEstimate int64
	SettleDelay        time.Duration
}

// Coordinator 任务提交协调器；各步骤严格按顺序执行
type Coordinator struct {
	cfg   CoordinatorConfig
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// NewCoordinator 创建协调器
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.PendingRowEstimate <= 0 {
		cfg.PendingRowEstimate = DefaultPendingRowEstimate
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Pending == nil {
		cfg.Pending = NewPendingCredits()
	}
	return &Coordinator{
		cfg:   cfg,
		sleep: sleepContext,
		newID: func() string { return uuid.New().String() },
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit 顺序：资格检查 -> 刷新会话并等待 -> 生成 task_id -> 写任务 -> 通知后端 -> 预扣积分
func (c *Coordinator) Submit(ctx context.Context, userID string, session Session, params Params) SubmitResult {
	log := logger.Get().With(zap.String("user_id", userID))

	if err := params.Validate(); err != nil {
		return failed(err, err.Error())
	}

	// 1. 资格
	eligibility, snapshot := c.cfg.Gate.CheckWithSnapshot(ctx, userID)
	if !eligibility.Eligible {
		if eligibility.AuthRequired {
			return SubmitResult{Error: eligibility.Message, AuthRequired: true, Err: ErrSessionRequired}
		}
		return failed(ErrNotEligible, eligibility.Message)
	}

	// 2. 会话
	if strings.TrimSpace(session.AccessToken) == "" {
		return authFailed(ErrSessionRequired)
	}
	var refreshed *supabase.Session
	if c.cfg.Sessions != nil {
		if strings.TrimSpace(session.RefreshToken) == "" {
			return authFailed(ErrSessionRequired)
		}
		s, err := c.cfg.Sessions.RefreshSession(ctx, session.RefreshToken)
		if err != nil {
			log.Warn("session refresh failed", zap.Error(err))
			if errors.Is(err, supabase.ErrUnauthorized) || errors.Is(err, supabase.ErrMissingRefreshToken) {
				return authFailed(err)
			}
			return failed(err, "Failed to refresh your session. Please try again.")
		}
		refreshed = s
	}
	if err := c.sleep(ctx, c.cfg.SettleDelay); err != nil {
		return failed(err, "Request cancelled.")
	}

	// 3. task_id 由本端生成
	taskID := c.newID()

	// 4. 任务行
	task := &models.ScrapingTask{
		TaskID:   taskID,
		UserID:   userID,
		Keywords: strings.TrimSpace(params.Keywords),
		Country:  strings.TrimSpace(params.Country),
		States:   strings.Join(compact(params.States), ","),
		Fields:   strings.Join(compact(params.Fields), ","),
		Rating:   params.Rating,
		Status:   models.TaskProcessing,
	}
	if err := c.cfg.Tasks.CreateTask(ctx, task); err != nil {
		log.Error("failed to create task", zap.String("task_id", taskID), zap.Error(err))
		return failed(err, "Failed to create scraping task.")
	}

	// 5. 通知后端
	if c.cfg.Notifier != nil {
		if err := c.cfg.Notifier.Notify(ctx, userID, taskID); err != nil {
			log.Error("failed to notify scraper backend", zap.String("task_id", taskID), zap.Error(err))
			res := failed(err, "Task was created but could not be queued for processing. Please try again.")
			res.TaskID = taskID
			res.Session = refreshed
			return res
		}
	}

	res := SubmitResult{Success: true, TaskID: taskID, Session: refreshed}

	// 6. 积分套餐的本地预扣，仅展示
	if snapshot.IsCreditBasedPlan {
		estimate := c.cfg.Pending.Record(userID, snapshot.Credits, c.cfg.PendingRowEstimate)
		res.PendingCredits = &estimate
	}

	log.Info("✅ scraping task submitted", zap.String("task_id", taskID))
	return res
}
