package database

import (
	"context"
	"sync"
	"time"

	"maps-scraper-backend/pkg/logger"

	"go.uber.org/zap"
)

// DatabasePool 数据库连接池（非 Vercel 环境下的单例）
type DatabasePool struct {
	instance DatabaseInterface
	config   DatabaseConfig
	mu       sync.RWMutex
	lastUsed time.Time
}

var (
	globalPool *DatabasePool
	poolMutex  sync.Mutex
)

// GetDatabase 获取数据库连接（单例模式 + 连接池）
func GetDatabase(config DatabaseConfig) (DatabaseInterface, error) {
	poolMutex.Lock()
	defer poolMutex.Unlock()

	if globalPool != nil && !shouldRecreateConnection(globalPool, config) {
		globalPool.mu.Lock()
		globalPool.lastUsed = time.Now()
		globalPool.mu.Unlock()
		return globalPool.instance, nil
	}

	logger.Get().Info("🔄 Creating new database connection pool")

	// 关闭旧连接（如果存在）
	if globalPool != nil && globalPool.instance != nil {
		globalPool.instance.Close()
	}

	instance, err := NewDatabase(config)
	if err != nil {
		globalPool = nil
		return nil, err
	}
	globalPool = &DatabasePool{
		instance: instance,
		config:   config,
		lastUsed: time.Now(),
	}
	return instance, nil
}

// shouldRecreateConnection 判断是否需要重新创建连接
func shouldRecreateConnection(pool *DatabasePool, newConfig DatabaseConfig) bool {
	log := logger.Get()
	if pool == nil || pool.instance == nil {
		return true
	}

	if pool.config != newConfig {
		log.Info("database configuration changed, recreating connection")
		return true
	}

	// 检查连接是否过期（30分钟）
	pool.mu.RLock()
	expired := time.Since(pool.lastUsed) > 30*time.Minute
	pool.mu.RUnlock()
	if expired {
		log.Info("⏰ database connection expired, recreating")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.instance.HealthCheck(ctx); err != nil {
		log.Warn("database health check failed, recreating", zap.Error(err))
		return true
	}

	return false
}

// CleanupIdleConnections 清理空闲连接（可以在后台定期调用）
func CleanupIdleConnections(idleAfter time.Duration) bool {
	poolMutex.Lock()
	defer poolMutex.Unlock()

	if globalPool == nil {
		return false
	}

	globalPool.mu.RLock()
	idle := time.Since(globalPool.lastUsed) > idleAfter
	globalPool.mu.RUnlock()

	if !idle {
		return false
	}
	logger.Get().Info("🧹 Cleaning up idle database connection")
	if globalPool.instance != nil {
		globalPool.instance.Close()
	}
	globalPool = nil
	return true
}

// GetConnectionStats 获取连接池统计信息
func GetConnectionStats() map[string]interface{} {
	poolMutex.Lock()
	defer poolMutex.Unlock()

	if globalPool == nil {
		return map[string]interface{}{
			"status":    "no_connection",
			"last_used": nil,
		}
	}

	globalPool.mu.RLock()
	lastUsed := globalPool.lastUsed
	globalPool.mu.RUnlock()

	return map[string]interface{}{
		"status":    "connected",
		"last_used": lastUsed.Format(time.RFC3339),
		"age":       time.Since(lastUsed).String(),
		"config": map[string]interface{}{
			"use_local_db": globalPool.config.UseLocalDB,
			"has_postgres": globalPool.config.PostgresDSN != "",
			"has_supabase": globalPool.config.SupabaseURL != "",
		},
	}
}
