package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fluxur-go/internal/localcache"
)

// SnapshotStore 持久化会话快照，通常由 localcache.Cache 实现。
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, payload []byte) error
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, key string) error
}

// Snapshot 是跨重启保存的最小会话状态。
type Snapshot struct {
	UserID               string `json:"userId"`
	View                 View   `json:"view"`
	ActiveConversationID string `json:"activeConversationId,omitempty"`
	SavedAt              int64  `json:"savedAt"`
}

func saveSnapshot(ctx context.Context, store SnapshotStore, key string, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化会话快照失败: %w", err)
	}
	return store.SaveSnapshot(ctx, key, payload)
}

// loadSnapshot 在快照不存在时返回 nil, nil。
func loadSnapshot(ctx context.Context, store SnapshotStore, key string) (*Snapshot, error) {
	payload, err := store.LoadSnapshot(ctx, key)
	if errors.Is(err, localcache.ErrNoSnapshot) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("解析会话快照失败: %w", err)
	}
	return &snap, nil
}
