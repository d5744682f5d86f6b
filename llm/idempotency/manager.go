package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultTTL = time.Hour

// Manager 幂等缓存接口
// 相同输入生成相同的键，命中时直接返回缓存的结果
type Manager interface {
	// Key 根据输入生成幂等键（SHA256）
	Key(inputs ...any) (string, error)

	// Get 读取缓存并反序列化到 dst，返回是否命中
	Get(ctx context.Context, key string, dst any) (bool, error)

	// Set 写入缓存，ttl <= 0 时使用默认 1 小时
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete 删除缓存
	Delete(ctx context.Context, key string) error

	// Close 释放资源
	Close() error
}

// Key hashes the JSON encoding of inputs.
func Key(inputs ...any) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("idempotency key needs at least one input")
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal idempotency inputs: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ---- Redis ----

type redisManager struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisManager 创建基于 Redis 的幂等缓存
func NewRedisManager(client *redis.Client, prefix string, logger *zap.Logger) Manager {
	if prefix == "" {
		prefix = "flowrun:idem:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisManager{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "idempotency"), zap.String("backend", "redis")),
	}
}

func (m *redisManager) Key(inputs ...any) (string, error) { return Key(inputs...) }

func (m *redisManager) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := m.client.Get(ctx, m.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode cached value: %w", err)
	}
	m.logger.Debug("cache hit", zap.String("key", key), zap.Int("size", len(data)))
	return true, nil
}

func (m *redisManager) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached value: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if err := m.client.Set(ctx, m.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (m *redisManager) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (m *redisManager) Close() error { return nil }

// ---- Memory ----

type cacheEntry struct {
	data      json.RawMessage
	expiresAt time.Time
}

type memoryManager struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryManager 创建基于内存的幂等缓存，后台按 cleanupInterval 清理过期项
func NewMemoryManager(cleanupInterval time.Duration) Manager {
	m := &memoryManager{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	go m.cleanupLoop(cleanupInterval)
	return m
}

func (m *memoryManager) Key(inputs ...any) (string, error) { return Key(inputs...) }

func (m *memoryManager) Get(_ context.Context, key string, dst any) (bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || !m.now().Before(e.expiresAt) {
		return false, nil
	}
	if err := json.Unmarshal(e.data, dst); err != nil {
		return false, fmt.Errorf("decode cached value: %w", err)
	}
	return true, nil
}

func (m *memoryManager) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached value: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	m.mu.Lock()
	m.entries[key] = cacheEntry{data: data, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *memoryManager) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryManager) Close() error {
	m.once.Do(func() { close(m.stopCh) })
	return nil
}

func (m *memoryManager) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *memoryManager) evictExpired() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
