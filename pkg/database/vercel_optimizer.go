package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maps-scraper-backend/pkg/logger"

	"go.uber.org/zap"
)

// VercelOptimizer Vercel环境优化器：按配置缓存连接，跨热启动复用
type VercelOptimizer struct {
	connections map[string]DatabaseInterface
	lastUsed    map[string]time.Time
	mu          sync.RWMutex
}

var (
	vercelOptimizer *VercelOptimizer
	optimizerOnce   sync.Once
)

// GetVercelOptimizer 获取Vercel优化器单例
func GetVercelOptimizer() *VercelOptimizer {
	optimizerOnce.Do(func() {
		vercelOptimizer = newVercelOptimizer()
		if IsVercelEnvironment() {
			go vercelOptimizer.backgroundCleanup()
		}
	})
	return vercelOptimizer
}

func newVercelOptimizer() *VercelOptimizer {
	return &VercelOptimizer{
		connections: make(map[string]DatabaseInterface),
		lastUsed:    make(map[string]time.Time),
	}
}

// GetOptimizedConnection 获取优化的数据库连接
func (vo *VercelOptimizer) GetOptimizedConnection(config DatabaseConfig) (DatabaseInterface, error) {
	log := logger.Get()
	configKey := vo.generateConfigKey(config)

	vo.mu.Lock()
	defer vo.mu.Unlock()

	if conn, exists := vo.connections[configKey]; exists {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := conn.HealthCheck(ctx)
		cancel()
		if err == nil {
			vo.lastUsed[configKey] = time.Now()
			return conn, nil
		}
		log.Warn("❌ connection unhealthy, removing", zap.Error(err))
		conn.Close()
		delete(vo.connections, configKey)
		delete(vo.lastUsed, configKey)
	}

	log.Info("🔄 Creating new optimized database connection", zap.String("key", configKey[:8]))
	conn, err := NewDatabase(config)
	if err != nil {
		return nil, err
	}

	vo.connections[configKey] = conn
	vo.lastUsed[configKey] = time.Now()
	return conn, nil
}

// generateConfigKey 生成配置的唯一键
func (vo *VercelOptimizer) generateConfigKey(config DatabaseConfig) string {
	return fmt.Sprintf("%s_%s_%s_%t_%t",
		hashString(config.PostgresDSN),
		hashString(config.SupabaseURL),
		hashString(config.SupabaseKey),
		config.UseLocalDB,
		config.Debug,
	)
}

// hashString 简单的字符串哈希（用于生成短键，不暴露完整密钥）
func hashString(s string) string {
	if s == "" {
		return "empty___"
	}
	if len(s) > 8 {
		return s[:4] + s[len(s)-4:]
	}
	return s
}

// backgroundCleanup 后台清理过期连接
func (vo *VercelOptimizer) backgroundCleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		vo.cleanupExpiredConnections(10 * time.Minute)
	}
}

// cleanupExpiredConnections 清理空闲超过 maxIdle 的连接，返回清理数量
func (vo *VercelOptimizer) cleanupExpiredConnections(maxIdle time.Duration) int {
	vo.mu.Lock()
	defer vo.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for key, lastUsed := range vo.lastUsed {
		if now.Sub(lastUsed) <= maxIdle {
			continue
		}
		if conn, exists := vo.connections[key]; exists {
			conn.Close()
		}
		delete(vo.connections, key)
		delete(vo.lastUsed, key)
		cleaned++
	}

	if cleaned > 0 {
		logger.Get().Info("🧹 Cleaned up expired connections", zap.Int("count", cleaned))
	}
	return cleaned
}

// GetStats 获取优化器统计信息
func (vo *VercelOptimizer) GetStats() map[string]interface{} {
	vo.mu.RLock()
	defer vo.mu.RUnlock()

	connections := make([]map[string]interface{}, 0, len(vo.lastUsed))
	for key, lastUsed := range vo.lastUsed {
		connections = append(connections, map[string]interface{}{
			"key":       key[:8] + "...",
			"last_used": lastUsed.Format(time.RFC3339),
			"age":       time.Since(lastUsed).String(),
		})
	}

	return map[string]interface{}{
		"total_connections": len(vo.connections),
		"connections":       connections,
	}
}

// GetOptimizedDatabase 全局函数，获取优化的数据库连接
func GetOptimizedDatabase(config DatabaseConfig) (DatabaseInterface, error) {
	if IsVercelEnvironment() {
		return GetVercelOptimizer().GetOptimizedConnection(config)
	}
	return GetDatabase(config)
}
