package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fluxur-go/internal/codec"
	"fluxur-go/internal/common"
	"fluxur-go/internal/imtypes"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
	"fluxur-go/internal/projection"
	"fluxur-go/internal/replica"
)

// Clock 返回当前时间，测试中可替换。
type Clock func() time.Time

// EventPublisher 将已提交的变更转发给其他进程。
type EventPublisher interface {
	Publish(ctx context.Context, ev imtypes.ChangeEvent) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, imtypes.ChangeEvent) error { return nil }

// errNoChange 由修改函数返回，表示无需写入。
var errNoChange = errors.New("no change")

// RecordWriter 负责所有写入：先乐观地更新本地投影，再把变化的字段合并写入
// 副本存储；写入失败时用权威记录修正投影并返回 ErrExternalStore。
// 同一节点上的读改写被串行化。
type RecordWriter struct {
	store  replica.Store
	proj   *projection.Projection
	events EventPublisher
	now    Clock
	log    logging.Logger

	mu sync.Mutex
}

// NewRecordWriter 创建 RecordWriter。events 可以为 nil。
func NewRecordWriter(store replica.Store, proj *projection.Projection, events EventPublisher, now Clock, log logging.Logger) *RecordWriter {
	if events == nil {
		events = noopPublisher{}
	}
	if now == nil {
		now = time.Now
	}
	return &RecordWriter{store: store, proj: proj, events: events, now: now, log: log.With("component", "writer")}
}

// Now 返回当前时间。
func (w *RecordWriter) Now() time.Time {
	return w.now()
}

// Projection 返回写入器维护的本地投影。
func (w *RecordWriter) Projection() *projection.Projection {
	return w.proj
}

// User 从投影读取用户，未命中时回源到存储。
func (w *RecordWriter) User(ctx context.Context, id string) (*models.User, error) {
	if u, ok := w.proj.User(id); ok {
		return u, nil
	}
	rec, err := w.store.Get(ctx, replica.Path(replica.CollectionUsers, id))
	if errors.Is(err, replica.ErrNotFound) {
		return nil, fmt.Errorf("%w: 用户 %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 读取用户失败: %w", common.ErrExternalStore, err)
	}
	u, err := codec.DecodeUser(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrExternalStore, err)
	}
	w.proj.SetUser(ctx, u)
	return u, nil
}

// Conversation 从投影读取会话，未命中时回源到存储。
func (w *RecordWriter) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	if c, ok := w.proj.Conversation(id); ok {
		return c, nil
	}
	rec, err := w.store.Get(ctx, replica.Path(replica.CollectionConversations, id))
	if errors.Is(err, replica.ErrNotFound) {
		return nil, fmt.Errorf("%w: 会话 %s", common.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 读取会话失败: %w", common.ErrExternalStore, err)
	}
	c, err := codec.DecodeConversation(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrExternalStore, err)
	}
	w.proj.SetConversation(ctx, c)
	return c, nil
}

// PutUser 写入完整的用户记录。
func (w *RecordWriter) PutUser(ctx context.Context, u *models.User) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.commitUser(ctx, nil, u)
}

// UpdateUser 对用户执行读改写，只写入变化的字段。
func (w *RecordWriter) UpdateUser(ctx context.Context, id string, fn func(u *models.User) error) (*models.User, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	before, err := w.User(ctx, id)
	if err != nil {
		return nil, err
	}
	after := before.Clone()
	if err := fn(after); err != nil {
		if errors.Is(err, errNoChange) {
			return before, nil
		}
		return nil, err
	}
	if err := w.commitUser(ctx, before, after); err != nil {
		return nil, err
	}
	return after, nil
}

// CreateConversation 写入新会话。ID 已存在时返回现有会话和 false。
func (w *RecordWriter) CreateConversation(ctx context.Context, c *models.Conversation) (*models.Conversation, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, err := w.Conversation(ctx, c.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, false, err
	}
	if err := w.commitConversation(ctx, nil, c); err != nil {
		return nil, false, err
	}
	return c.Clone(), true, nil
}

// UpdateConversation 对会话执行读改写，只写入变化的字段。
func (w *RecordWriter) UpdateConversation(ctx context.Context, id string, fn func(c *models.Conversation) error) (*models.Conversation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	before, err := w.Conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	after := before.Clone()
	if err := fn(after); err != nil {
		if errors.Is(err, errNoChange) {
			return before, nil
		}
		return nil, err
	}
	after.UpdatedAt = w.now().UnixMilli()
	if err := w.commitConversation(ctx, before, after); err != nil {
		return nil, err
	}
	return after, nil
}

// DeleteConversation 删除会话记录。
func (w *RecordWriter) DeleteConversation(ctx context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := replica.Path(replica.CollectionConversations, id)
	w.proj.Remove(ctx, replica.CollectionConversations, id)
	if err := w.store.Delete(ctx, path); err != nil {
		w.reconcile(ctx, path)
		return fmt.Errorf("%w: 删除会话失败: %w", common.ErrExternalStore, err)
	}
	w.publish(ctx, imtypes.ChangeEvent{
		Kind:       imtypes.ChangeConversationDeleted,
		Collection: replica.CollectionConversations,
		ID:         id,
	})
	return nil
}

func (w *RecordWriter) commitUser(ctx context.Context, before, after *models.User) error {
	full := codec.EncodeUser(after)
	var prev replica.Record
	if before != nil {
		prev = codec.EncodeUser(before)
	}
	patch := changedFields(prev, full)
	if len(patch) == 0 {
		return nil
	}
	path := replica.Path(replica.CollectionUsers, after.ID)

	w.proj.SetUser(ctx, after)
	if err := w.store.Put(ctx, path, patch); err != nil {
		w.reconcile(ctx, path)
		return fmt.Errorf("%w: 写入用户失败: %w", common.ErrExternalStore, err)
	}
	w.publish(ctx, imtypes.ChangeEvent{
		Kind:       imtypes.ChangeUserUpdated,
		Collection: replica.CollectionUsers,
		ID:         after.ID,
		Record:     full,
	})
	return nil
}

func (w *RecordWriter) commitConversation(ctx context.Context, before, after *models.Conversation) error {
	full, err := codec.EncodeConversation(after)
	if err != nil {
		return err
	}
	var prev replica.Record
	if before != nil {
		if prev, err = codec.EncodeConversation(before); err != nil {
			return err
		}
	}
	path := replica.Path(replica.CollectionConversations, after.ID)

	w.proj.SetConversation(ctx, after)
	if err := w.store.Put(ctx, path, changedFields(prev, full)); err != nil {
		w.reconcile(ctx, path)
		return fmt.Errorf("%w: 写入会话失败: %w", common.ErrExternalStore, err)
	}
	w.publish(ctx, imtypes.ChangeEvent{
		Kind:       imtypes.ChangeConversationUpdated,
		Collection: replica.CollectionConversations,
		ID:         after.ID,
		Record:     full,
	})
	return nil
}

func (w *RecordWriter) reconcile(ctx context.Context, path string) {
	if err := w.proj.Reconcile(ctx, path); err != nil {
		w.log.Warn(ctx, "修正本地投影失败", "path", path, "error", err)
	}
}

func (w *RecordWriter) publish(ctx context.Context, ev imtypes.ChangeEvent) {
	ev.At = w.now().UnixMilli()
	if err := w.events.Publish(ctx, ev); err != nil {
		// 状态已提交，其他节点仍可通过存储订阅收到变更
		w.log.Warn(ctx, "转发变更事件失败", "kind", ev.Kind, "id", ev.ID, "error", err)
	}
}

// changedFields 返回 next 中与 prev 不同的字段；prev 为 nil 时返回全部字段。
func changedFields(prev, next replica.Record) replica.Record {
	if prev == nil {
		return next
	}
	out := replica.Record{}
	for k, v := range next {
		if old, ok := prev[k]; !ok || old != v {
			out[k] = v
		}
	}
	return out
}
