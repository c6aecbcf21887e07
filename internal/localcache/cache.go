// Package localcache 是节点本地的 SQLite 持久化：保存会话快照，
// 并镜像副本存储中的记录，以便存储不可达时预热本地投影。
package localcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fluxur-go/internal/replica"

	_ "modernc.org/sqlite"
)

var ErrNoSnapshot = errors.New("localcache: 快照不存在")

const schema = `
CREATE TABLE IF NOT EXISTS session_snapshots (
	snapshot_key TEXT PRIMARY KEY,
	payload      BLOB NOT NULL,
	saved_at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cached_records (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	payload    TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (collection, id)
);`

// Cache 是本地缓存。所有方法可被并发调用。
type Cache struct {
	db *sql.DB
}

// Open 打开（必要时创建）path 处的数据库，":memory:" 表示内存库。
func Open(path string) (*Cache, error) {
	if path == "" {
		path = "fluxur-cache.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开本地缓存失败 '%s': %w", path, err)
	}
	// 内存库按连接隔离，只保留一个连接
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化本地缓存表失败: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveSnapshot 保存或覆盖 key 对应的快照。
func (c *Cache) SaveSnapshot(ctx context.Context, key string, payload []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (snapshot_key, payload, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(snapshot_key) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		key, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("保存会话快照失败: %w", err)
	}
	return nil
}

// LoadSnapshot 读取快照，不存在时返回 ErrNoSnapshot。
func (c *Cache) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx, `SELECT payload FROM session_snapshots WHERE snapshot_key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("读取会话快照失败: %w", err)
	}
	return payload, nil
}

func (c *Cache) DeleteSnapshot(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE snapshot_key = ?`, key); err != nil {
		return fmt.Errorf("删除会话快照失败: %w", err)
	}
	return nil
}

// SaveRecord 镜像一条副本记录。已存在的记录保留原来的顺序位置。
func (c *Cache) SaveRecord(ctx context.Context, collection, id string, rec replica.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("编码缓存记录失败: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO cached_records (collection, id, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		collection, id, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("写入缓存记录失败: %w", err)
	}
	return nil
}

func (c *Cache) DeleteRecord(ctx context.Context, collection, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cached_records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("删除缓存记录失败: %w", err)
	}
	return nil
}

// LoadCollection 按首次写入顺序读取一个集合的全部缓存记录。
func (c *Cache) LoadCollection(ctx context.Context, collection string) ([]replica.Entry, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, payload FROM cached_records WHERE collection = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, fmt.Errorf("读取缓存集合失败: %w", err)
	}
	defer rows.Close()

	var out []replica.Entry
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("扫描缓存记录失败: %w", err)
		}
		var rec replica.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			continue
		}
		out = append(out, replica.Entry{ID: id, Record: rec})
	}
	return out, rows.Err()
}
