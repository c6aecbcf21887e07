// Package replica 定义了复制键值存储的契约，以及单进程内存实现。
//
// 记录是扁平的字符串映射，路径形如 "<collection>/<id>"。
package replica

import (
	"errors"
	"strings"
)

// Record 是存储中的一条扁平记录。复杂字段由 codec 包编码为文本。
type Record map[string]string

// 集合名称。
const (
	CollectionUsers         = "users"
	CollectionConversations = "conversations"
)

var (
	ErrNotFound    = errors.New("replica: 记录不存在")
	ErrInvalidPath = errors.New("replica: 路径无效")
	ErrClosed      = errors.New("replica: 存储已关闭")
)

// Clone 返回记录的副本。
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Path 拼接集合名与 ID。
func Path(collection, id string) string {
	return collection + "/" + id
}

// SplitPath 将 "<collection>/<id>" 拆分。只有集合名时 id 为空。
func SplitPath(path string) (collection, id string, err error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", "", ErrInvalidPath
	}
	collection, id, _ = strings.Cut(path, "/")
	if collection == "" || strings.Contains(id, "/") {
		return "", "", ErrInvalidPath
	}
	return collection, id, nil
}
