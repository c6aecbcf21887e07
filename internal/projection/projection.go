// Package projection 维护副本存储在本节点的派生缓存。
// 所有归约按实体 ID 幂等：同一变更应用多次与应用一次结果相同。
package projection

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"fluxur-go/internal/codec"
	"fluxur-go/internal/imtypes"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
	"fluxur-go/internal/replica"
)

// Mirror 是记录的本地持久化镜像，通常由 localcache.Cache 实现。
type Mirror interface {
	SaveRecord(ctx context.Context, collection, id string, rec replica.Record) error
	DeleteRecord(ctx context.Context, collection, id string) error
	LoadCollection(ctx context.Context, collection string) ([]replica.Entry, error)
}

// Change 描述一次生效的投影变更。
type Change struct {
	Collection   string
	ID           string
	Deleted      bool
	User         *models.User
	Conversation *models.Conversation
}

// Listener 在投影发生实际变化后被调用。
type Listener func(ctx context.Context, ch Change)

type Projection struct {
	store  replica.Store
	mirror Mirror
	log    logging.Logger

	mu        sync.RWMutex
	users     map[string]*models.User
	userOrder []string
	convs     map[string]*models.Conversation
	convOrder []string
	listeners []Listener
	subs      []replica.Subscription
}

// New 创建投影。mirror 可以为 nil。
func New(store replica.Store, mirror Mirror, log logging.Logger) *Projection {
	return &Projection{
		store:  store,
		mirror: mirror,
		log:    log.With("component", "projection"),
		users:  make(map[string]*models.User),
		convs:  make(map[string]*models.Conversation),
	}
}

// Start 读取现有记录并订阅后续变更。存储不可读时退回本地镜像。
func (p *Projection) Start(ctx context.Context) error {
	for _, collection := range []string{replica.CollectionUsers, replica.CollectionConversations} {
		entries, err := p.store.Children(ctx, collection)
		if err != nil {
			if p.mirror == nil {
				return fmt.Errorf("%w: 读取集合 %s 失败: %w", errStart, collection, err)
			}
			p.log.Warn(ctx, "副本存储不可读，使用本地缓存预热", "collection", collection, "error", err)
			if entries, err = p.mirror.LoadCollection(ctx, collection); err != nil {
				return fmt.Errorf("%w: 读取本地缓存 %s 失败: %w", errStart, collection, err)
			}
		}
		for _, e := range entries {
			p.ApplyUpdate(ctx, replica.Update{Collection: collection, ID: e.ID, Record: e.Record})
		}

		sub, err := p.store.Subscribe(ctx, collection, p.ApplyUpdate)
		if err != nil {
			return fmt.Errorf("%w: 订阅集合 %s 失败: %w", errStart, collection, err)
		}
		p.mu.Lock()
		p.subs = append(p.subs, sub)
		p.mu.Unlock()
	}
	return nil
}

var errStart = errors.New("projection: 启动失败")

// Stop 取消所有订阅。
func (p *Projection) Stop() {
	p.mu.Lock()
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// OnChange 注册变更监听器。
func (p *Projection) OnChange(l Listener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

// ApplyUpdate 应用一次存储变更，可直接用作 replica.Handler。
func (p *Projection) ApplyUpdate(ctx context.Context, u replica.Update) {
	if u.Deleted {
		p.Remove(ctx, u.Collection, u.ID)
		return
	}
	rec := u.Record
	if rec[codec.FieldID] == "" {
		rec = rec.Clone()
		if rec == nil {
			rec = replica.Record{}
		}
		rec[codec.FieldID] = u.ID
	}
	var err error
	switch u.Collection {
	case replica.CollectionUsers:
		err = p.ApplyUser(ctx, rec)
	case replica.CollectionConversations:
		err = p.ApplyConversation(ctx, rec)
	default:
		return
	}
	if err != nil {
		p.log.Warn(ctx, "忽略格式错误的记录", "path", u.Path(), "error", err)
	}
}

// ApplyEvent 应用一条经由 Kafka 转发的变更事件。
func (p *Projection) ApplyEvent(ctx context.Context, ev imtypes.ChangeEvent) error {
	switch ev.Kind {
	case imtypes.ChangeUserUpdated:
		return p.ApplyUser(ctx, ev.Record)
	case imtypes.ChangeConversationUpdated:
		return p.ApplyConversation(ctx, ev.Record)
	case imtypes.ChangeConversationDeleted:
		p.Remove(ctx, replica.CollectionConversations, ev.ID)
		return nil
	}
	return fmt.Errorf("projection: 未知事件类型 %q", ev.Kind)
}

// ApplyUser 用完整记录替换本地用户。
func (p *Projection) ApplyUser(ctx context.Context, rec replica.Record) error {
	u, err := codec.DecodeUser(rec)
	if err != nil {
		return err
	}
	p.SetUser(ctx, u)
	return nil
}

// ApplyConversation 用完整记录替换本地会话。
func (p *Projection) ApplyConversation(ctx context.Context, rec replica.Record) error {
	c, err := codec.DecodeConversation(rec)
	if err != nil {
		return err
	}
	p.SetConversation(ctx, c)
	return nil
}

// SetUser 直接写入本地用户，用于乐观更新。
func (p *Projection) SetUser(ctx context.Context, u *models.User) {
	u = u.Clone()
	p.mu.Lock()
	prev, exists := p.users[u.ID]
	if exists && reflect.DeepEqual(prev, u) {
		p.mu.Unlock()
		return
	}
	if !exists {
		p.userOrder = append(p.userOrder, u.ID)
	}
	p.users[u.ID] = u
	listeners := p.listeners
	p.mu.Unlock()

	p.mirrorSave(ctx, replica.CollectionUsers, u.ID, codec.EncodeUser(u))
	p.notify(ctx, listeners, Change{Collection: replica.CollectionUsers, ID: u.ID, User: u.Clone()})
}

// SetConversation 直接写入本地会话，用于乐观更新。
func (p *Projection) SetConversation(ctx context.Context, c *models.Conversation) {
	c = c.Clone()
	p.mu.Lock()
	prev, exists := p.convs[c.ID]
	if exists && reflect.DeepEqual(prev, c) {
		p.mu.Unlock()
		return
	}
	if !exists {
		p.convOrder = append(p.convOrder, c.ID)
	}
	p.convs[c.ID] = c
	listeners := p.listeners
	p.mu.Unlock()

	if rec, err := codec.EncodeConversation(c); err == nil {
		p.mirrorSave(ctx, replica.CollectionConversations, c.ID, rec)
	}
	p.notify(ctx, listeners, Change{Collection: replica.CollectionConversations, ID: c.ID, Conversation: c.Clone()})
}

// Remove 删除本地实体，实体不存在时不做任何事。
func (p *Projection) Remove(ctx context.Context, collection, id string) {
	p.mu.Lock()
	var removed bool
	switch collection {
	case replica.CollectionUsers:
		if _, ok := p.users[id]; ok {
			delete(p.users, id)
			p.userOrder = without(p.userOrder, id)
			removed = true
		}
	case replica.CollectionConversations:
		if _, ok := p.convs[id]; ok {
			delete(p.convs, id)
			p.convOrder = without(p.convOrder, id)
			removed = true
		}
	}
	listeners := p.listeners
	p.mu.Unlock()
	if !removed {
		return
	}

	if p.mirror != nil {
		if err := p.mirror.DeleteRecord(ctx, collection, id); err != nil {
			p.log.Warn(ctx, "删除本地缓存记录失败", "collection", collection, "id", id, "error", err)
		}
	}
	p.notify(ctx, listeners, Change{Collection: collection, ID: id, Deleted: true})
}

// Reconcile 重新读取权威记录，覆盖或删除本地的乐观副本。
func (p *Projection) Reconcile(ctx context.Context, path string) error {
	collection, id, err := replica.SplitPath(path)
	if err != nil {
		return err
	}
	rec, err := p.store.Get(ctx, path)
	if errors.Is(err, replica.ErrNotFound) {
		p.Remove(ctx, collection, id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("重新读取 %s 失败: %w", path, err)
	}
	p.ApplyUpdate(ctx, replica.Update{Collection: collection, ID: id, Record: rec})
	return nil
}

// User 返回用户副本。
func (p *Projection) User(id string) (*models.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[id]
	return u.Clone(), ok
}

// Users 按到达顺序返回全部用户。
func (p *Projection) Users() []*models.User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.User, 0, len(p.userOrder))
	for _, id := range p.userOrder {
		out = append(out, p.users[id].Clone())
	}
	return out
}

// Conversation 返回会话副本。
func (p *Projection) Conversation(id string) (*models.Conversation, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.convs[id]
	return c.Clone(), ok
}

// Conversations 按到达顺序返回全部会话。
func (p *Projection) Conversations() []*models.Conversation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*models.Conversation, 0, len(p.convOrder))
	for _, id := range p.convOrder {
		out = append(out, p.convs[id].Clone())
	}
	return out
}

func (p *Projection) mirrorSave(ctx context.Context, collection, id string, rec replica.Record) {
	if p.mirror == nil {
		return
	}
	if err := p.mirror.SaveRecord(ctx, collection, id, rec); err != nil {
		p.log.Warn(ctx, "写入本地缓存失败", "collection", collection, "id", id, "error", err)
	}
}

func (p *Projection) notify(ctx context.Context, listeners []Listener, ch Change) {
	for _, l := range listeners {
		l(ctx, ch)
	}
}

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
