package tasks

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultIdempotencyTTL 任务通知去重窗口
	DefaultIdempotencyTTL = 24 * time.Hour
	// DefaultIdempotencyMaxEntries 内存版最多保留的键
	DefaultIdempotencyMaxEntries = 10000
)

// IdempotencyStore 至多一次的副作用去重
type IdempotencyStore interface {
	// Acquire 首次出现返回 true；已存在返回 false
	Acquire(ctx context.Context, key string) (bool, error)
	// Release 副作用失败后释放，允许重试
	Release(ctx context.Context, key string) error
}

type idemEntry struct {
	key string
	at  time.Time
}

// MemoryIdempotencyStore 进程内实现，按 TTL 过期，超出上限时淘汰最早的键
type MemoryIdempotencyStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List
	index      map[string]*list.Element
	now        func() time.Time
}

// NewMemoryIdempotencyStore ttl/maxEntries <= 0 时使用默认值
func NewMemoryIdempotencyStore(ttl time.Duration, maxEntries int) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultIdempotencyMaxEntries
	}
	return &MemoryIdempotencyStore{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (s *MemoryIdempotencyStore) Acquire(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.evictExpired(now)

	if _, ok := s.index[key]; ok {
		return false, nil
	}
	s.index[key] = s.order.PushBack(idemEntry{key: key, at: now})
	for s.order.Len() > s.maxEntries {
		s.remove(s.order.Front())
	}
	return true, nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[key]; ok {
		s.remove(el)
	}
	return nil
}

// Len 当前保留的键数量
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// 列表按写入时间有序，TTL 一致，所以只需从头部检查
func (s *MemoryIdempotencyStore) evictExpired(now time.Time) {
	for el := s.order.Front(); el != nil; el = s.order.Front() {
		if now.Sub(el.Value.(idemEntry).at) < s.ttl {
			return
		}
		s.remove(el)
	}
}

func (s *MemoryIdempotencyStore) remove(el *list.Element) {
	delete(s.index, el.Value.(idemEntry).key)
	s.order.Remove(el)
}

// RedisIdempotencyStore 跨实例去重（SET NX EX）
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore 创建 Redis 去重存储
func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if prefix == "" {
		prefix = "task-notify:"
	}
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClientFromURL 解析 redis:// 或 rediss:// 地址
func NewRedisClientFromURL(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	return redis.NewClient(opts), nil
}

func (s *RedisIdempotencyStore) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
