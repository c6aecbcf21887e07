package models

import "time"

// BaseModel 定义了持久化到关系库的模型共有的时间戳字段。
// 副本存储中的记录不使用它，它们的主键是字符串 ID。
type BaseModel struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
