package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConversationType 是会话的种类。
type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationGroup   ConversationType = "group"
	ConversationChannel ConversationType = "channel"
	ConversationAI      ConversationType = "ai"
)

const (
	// SystemCreatorID 是系统自动创建的会话的创建者。
	SystemCreatorID  = "system"
	WelcomeMessageID = "welcome"
)

// 预设的封禁时长。
const (
	BanDay  = 24 * time.Hour
	BanWeek = 7 * BanDay
	BanYear = 365 * BanDay
)

// Conversation 是被复制的会话记录。
// BannedUsers 的值是封禁到期的 Unix 毫秒时间戳。
type Conversation struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Handle               string           `json:"handle,omitempty"`
	Type                 ConversationType `json:"type"`
	Participants         []string         `json:"participants"`
	Messages             []Message        `json:"messages"`
	BannedUsers          map[string]int64 `json:"bannedUsers,omitempty"`
	CreatorID            string           `json:"creatorId"`
	IsBlocked            bool             `json:"isBlocked"`
	IsPermanentlyBlocked bool             `json:"isPermanentlyBlocked"`
	LastMessage          string           `json:"lastMessage,omitempty"`
	CreatedAt            int64            `json:"createdAt"`
	UpdatedAt            int64            `json:"updatedAt"`
}

// ValidConversationType 检查会话类型是否受支持。
func ValidConversationType(t ConversationType) bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationChannel, ConversationAI:
		return true
	}
	return false
}

// HasParticipant 报告 userID 是否在参与者列表中。
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// IsBanned 报告 userID 在 now 时刻是否处于封禁中。到期时间等于 now 视为已解封。
func (c *Conversation) IsBanned(userID string, now time.Time) bool {
	expiry, ok := c.BannedUsers[userID]
	return ok && expiry > now.UnixMilli()
}

// HasMessage 报告会话中是否已存在该 ID 的消息。
func (c *Conversation) HasMessage(id string) bool {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return true
		}
	}
	return false
}

// Clone 深拷贝会话，调用方可以安全地修改副本。
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		if m.File != nil {
			f := *m.File
			m.File = &f
		}
		out.Messages[i] = m
	}
	if c.BannedUsers != nil {
		out.BannedUsers = make(map[string]int64, len(c.BannedUsers))
		for k, v := range c.BannedUsers {
			out.BannedUsers[k] = v
		}
	}
	return &out
}

// DirectConversationID 返回两个用户之间私聊的确定性 ID，与参数顺序无关。
func DirectConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return fmt.Sprintf("dm:%s:%s", ids[0], ids[1])
}

// AIConversationID 返回用户与 AI 助手会话的 ID。
func AIConversationID(userID string) string {
	return "ai-" + userID
}

// NormalizeHandle 去掉前导 @ 并转为小写。
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}
