package imtypes

// ChangeKind 标识一次已提交的状态变更。
type ChangeKind string

const (
	ChangeUserUpdated         ChangeKind = "user.updated"
	ChangeConversationUpdated ChangeKind = "conversation.updated"
	ChangeConversationDeleted ChangeKind = "conversation.deleted"
)

// ChangeEvent 是写入成功后通过 Kafka 转发给其他进程的变更事件。
// Record 携带变更后的完整扁平记录，删除事件中为空。
type ChangeEvent struct {
	Kind       ChangeKind        `json:"kind"`
	Collection string            `json:"collection"`
	ID         string            `json:"id"`
	Record     map[string]string `json:"record,omitempty"`
	At         int64             `json:"at"`
}
