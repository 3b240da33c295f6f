package tasks

import (
	"sync"
	"time"

	"maps-scraper-backend/pkg/models"
)

const (
	// DefaultPendingTTL 超过这个时间还没有权威读取，预估就作废
	DefaultPendingTTL = 15 * time.Minute
	// DefaultMaxPending 同时追踪的用户数上限
	DefaultMaxPending = 10000
)

type pendingEntry struct {
	base     int64
	pending  int64
	recorded time.Time
}

// PendingCredits 提交后本地预估的积分扣减，仅用于展示
// 下一次权威读取会直接覆盖，不会累加，也从不写回数据库
type PendingCredits struct {
	mu         sync.Mutex
	entries    map[string]pendingEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewPendingCredits 创建追踪器，使用默认 TTL 与容量
func NewPendingCredits() *PendingCredits {
	return NewPendingCreditsWithLimits(DefaultPendingTTL, DefaultMaxPending)
}

// NewPendingCreditsWithLimits ttl/maxEntries 非正时使用默认值
func NewPendingCreditsWithLimits(ttl time.Duration, maxEntries int) *PendingCredits {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxPending
	}
	return &PendingCredits{
		entries:    make(map[string]pendingEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Record 在 base 之上记录一次预估扣减，返回预估余额
// 过期的旧预估被丢弃，从新的 base 重新开始
func (p *PendingCredits) Record(userID string, base, estimate int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()

	e, ok := p.entries[userID]
	if ok && now.Sub(e.recorded) > p.ttl {
		ok = false
	}
	if !ok {
		p.makeRoom(now)
		e = pendingEntry{base: base}
	}
	e.pending += estimate
	e.recorded = now
	p.entries[userID] = e
	return models.ClampCredits(e.base - e.pending)
}

// Observe 记录权威余额并丢弃预估
func (p *PendingCredits) Observe(userID string, authoritative int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, userID)
	return authoritative
}

// makeRoom 满了先清过期项，仍然满就丢掉最旧的一条；调用方持有锁
func (p *PendingCredits) makeRoom(now time.Time) {
	if len(p.entries) < p.maxEntries {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, e := range p.entries {
		if now.Sub(e.recorded) > p.ttl {
			delete(p.entries, id)
			continue
		}
		if oldestID == "" || e.recorded.Before(oldest) {
			oldestID, oldest = id, e.recorded
		}
	}
	if len(p.entries) >= p.maxEntries && oldestID != "" {
		delete(p.entries, oldestID)
	}
}
