package replica

import "context"

// Update 是订阅者收到的一次变更。Deleted 为 true 时 Record 为空。
type Update struct {
	Collection string
	ID         string
	Record     Record
	Deleted    bool
}

// Path 返回变更对应的记录路径。
func (u Update) Path() string {
	return Path(u.Collection, u.ID)
}

// Handler 处理一次变更。同一条变更可能被投递多次，处理必须幂等。
type Handler func(ctx context.Context, u Update)

// Subscription 是一个活跃的订阅。
type Subscription interface {
	Unsubscribe()
}

// Entry 是 Children 返回的一个子记录。
type Entry struct {
	ID     string
	Record Record
}

// Store 是复制键值存储的抽象。所有节点最终看到相同的数据，冲突按最后写入为准。
type Store interface {
	// Put 将部分记录合并到 path，未出现的字段保持不变。
	Put(ctx context.Context, path string, rec Record) error
	// Get 一次性读取，记录不存在时返回 ErrNotFound。
	Get(ctx context.Context, path string) (Record, error)
	// Delete 删除记录并通知订阅者。
	Delete(ctx context.Context, path string) error
	// Children 按到达顺序一次性读取集合中的全部记录。
	Children(ctx context.Context, collection string) ([]Entry, error)
	// Subscribe 订阅一条记录或整个集合的后续变更，包括来自其他节点的变更。
	Subscribe(ctx context.Context, pathOrCollection string, h Handler) (Subscription, error)
	Close() error
}
