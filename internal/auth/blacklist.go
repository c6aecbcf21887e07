package auth

import (
	"context"
	"sync"
	"time"
)

// TokenBlacklist 定义了已吊销 Token 的存储接口。
type TokenBlacklist interface {
	// Add 将 jti 加入黑名单，直到 Token 原本的过期时间。
	Add(ctx context.Context, jti string, originalTokenExpTime time.Time) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// MemoryBlacklist 是进程内的黑名单，用于单节点部署和测试。
type MemoryBlacklist struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]time.Time)}
}

func (b *MemoryBlacklist) Add(_ context.Context, jti string, exp time.Time) error {
	if !exp.After(time.Now()) {
		return nil
	}
	b.mu.Lock()
	b.entries[jti] = exp
	b.mu.Unlock()
	return nil
}

func (b *MemoryBlacklist) IsBlacklisted(_ context.Context, jti string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.entries[jti]
	if !ok {
		return false, nil
	}
	if !exp.After(time.Now()) {
		delete(b.entries, jti)
		return false, nil
	}
	return true, nil
}
