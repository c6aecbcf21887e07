package replica

import (
	"context"
	"sync"
)

// MemoryStore 是进程内的 Store 实现，用于单节点部署和测试。
// 变更在写入返回前同步分发给订阅者，分发时不持有锁。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[string]Record // collection -> id -> record
	order   map[string][]string          // collection -> ids in arrival order
	subs    map[int]*memorySubscription
	nextSub int
	closed  bool
}

type memorySubscription struct {
	store      *MemoryStore
	key        int
	collection string
	id         string
	handler    Handler
}

func (s *memorySubscription) Unsubscribe() {
	s.store.mu.Lock()
	delete(s.store.subs, s.key)
	s.store.mu.Unlock()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]Record),
		order:   make(map[string][]string),
		subs:    make(map[int]*memorySubscription),
	}
}

func (m *MemoryStore) Put(ctx context.Context, path string, rec Record) error {
	collection, id, err := SplitPath(path)
	if err != nil || id == "" {
		return ErrInvalidPath
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	coll, ok := m.records[collection]
	if !ok {
		coll = make(map[string]Record)
		m.records[collection] = coll
	}
	current, exists := coll[id]
	if !exists {
		current = make(Record, len(rec))
		m.order[collection] = append(m.order[collection], id)
	}
	for k, v := range rec {
		current[k] = v
	}
	coll[id] = current
	u := Update{Collection: collection, ID: id, Record: current.Clone()}
	handlers := m.matching(collection, id)
	m.mu.Unlock()

	m.dispatch(ctx, handlers, u)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, path string) (Record, error) {
	collection, id, err := SplitPath(path)
	if err != nil || id == "" {
		return nil, ErrInvalidPath
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.records[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	collection, id, err := SplitPath(path)
	if err != nil || id == "" {
		return ErrInvalidPath
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.records[collection][id]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.records[collection], id)
	ids := m.order[collection]
	for i, v := range ids {
		if v == id {
			m.order[collection] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	handlers := m.matching(collection, id)
	m.mu.Unlock()

	m.dispatch(ctx, handlers, Update{Collection: collection, ID: id, Deleted: true})
	return nil
}

func (m *MemoryStore) Children(_ context.Context, collection string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	ids := m.order[collection]
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, Entry{ID: id, Record: m.records[collection][id].Clone()})
	}
	return out, nil
}

func (m *MemoryStore) Subscribe(_ context.Context, pathOrCollection string, h Handler) (Subscription, error) {
	collection, id, err := SplitPath(pathOrCollection)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.nextSub++
	sub := &memorySubscription{store: m, key: m.nextSub, collection: collection, id: id, handler: h}
	m.subs[sub.key] = sub
	return sub, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[int]*memorySubscription)
	return nil
}

// matching 必须在持有锁时调用。
func (m *MemoryStore) matching(collection, id string) []Handler {
	var hs []Handler
	// 按订阅顺序分发
	for key := 1; key <= m.nextSub; key++ {
		sub, ok := m.subs[key]
		if !ok || sub.collection != collection {
			continue
		}
		if sub.id == "" || sub.id == id {
			hs = append(hs, sub.handler)
		}
	}
	return hs
}

func (m *MemoryStore) dispatch(ctx context.Context, handlers []Handler, u Update) {
	for _, h := range handlers {
		cp := u
		cp.Record = u.Record.Clone()
		h(ctx, cp)
	}
}
