package entitlement

import (
	"context"
	"errors"
	"fmt"

	"maps-scraper-backend/pkg/logger"

	"go.uber.org/zap"
)

// SignInMessage 未登录或档案缺失时的提示
const SignInMessage = "Please sign in to start scraping."

// Eligibility 能否提交新任务
type Eligibility struct {
	Eligible     bool   `json:"eligible"`
	Message      string `json:"message,omitempty"`
	AuthRequired bool   `json:"auth_required,omitempty"`
}

// Gate 提交前的资格检查
type Gate struct {
	resolver *Resolver
}

// NewGate 创建资格检查
func NewGate(resolver *Resolver) *Gate {
	return &Gate{resolver: resolver}
}

// FreeTierLimitMessage 免费额度用尽的提示
func FreeTierLimitMessage(limit int64) string {
	return fmt.Sprintf("You have reached the free tier limit of %d rows. Please upgrade your plan to continue scraping.", limit)
}

// Check 付费套餐（订阅或积分）在此不限行数，积分是否足够由提交流程决定
func (g *Gate) Check(ctx context.Context, userID string) Eligibility {
	e, _ := g.CheckWithSnapshot(ctx, userID)
	return e
}

// CheckWithSnapshot 同 Check，并返回判断所依据的快照
func (g *Gate) CheckWithSnapshot(ctx context.Context, userID string) (Eligibility, Snapshot) {
	if userID == "" {
		return Eligibility{Message: SignInMessage, AuthRequired: true}, Snapshot{}
	}

	s, err := g.resolver.Resolve(ctx, userID)
	switch {
	case errors.Is(err, ErrProfileNotFound):
		return Eligibility{Message: SignInMessage, AuthRequired: true}, Snapshot{}
	case err != nil:
		logger.Get().Warn("eligibility check fell back to default entitlement",
			zap.String("user_id", userID), zap.Error(err))
		s = g.resolver.DefaultSnapshot()
	}

	return Decide(s), s
}

// Decide 根据快照给出结论
func Decide(s Snapshot) Eligibility {
	if !s.IsFreePlan {
		return Eligibility{Eligible: true}
	}
	if s.IsExceeded {
		return Eligibility{Message: FreeTierLimitMessage(s.FreeRowsLimit)}
	}
	return Eligibility{Eligible: true}
}
