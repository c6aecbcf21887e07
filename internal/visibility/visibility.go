// Package visibility 决定一个观察者能看到哪些会话、参与者和消息。
// 这里的函数都是纯函数，不修改输入，也不改变输入的顺序。
package visibility

import (
	"strings"
	"time"

	"fluxur-go/internal/common"
	"fluxur-go/internal/models"
)

// CanSee 报告 viewer 在 now 时刻能否看到会话 c。
func CanSee(viewer *models.User, c *models.Conversation, now time.Time) bool {
	if viewer == nil || c == nil {
		return false
	}
	if c.IsBlocked && !viewer.IsPrivileged() {
		return false
	}
	if !c.HasParticipant(viewer.ID) && c.Type != models.ConversationChannel {
		return false
	}
	return !c.IsBanned(viewer.ID, now)
}

// Conversations 返回 viewer 可见且名称或 handle 匹配 query 的会话。
func Conversations(viewer *models.User, all []*models.Conversation, query string, now time.Time) []*models.Conversation {
	q := normalizeQuery(query)
	out := make([]*models.Conversation, 0, len(all))
	for _, c := range all {
		if !CanSee(viewer, c, now) {
			continue
		}
		if q != "" && !contains(c.Name, q) && !contains(c.Handle, q) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Messages 返回文本或附件文件名匹配 query 的消息。query 为空时返回全部。
func Messages(c *models.Conversation, query string) []models.Message {
	if c == nil {
		return nil
	}
	q := normalizeQuery(query)
	out := make([]models.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if q != "" && !contains(m.Text, q) && (m.File == nil || !contains(m.File.Name, q)) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Participants 返回未被封禁的参与者。
func Participants(c *models.Conversation, now time.Time) []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if !c.IsBanned(p, now) {
			out = append(out, p)
		}
	}
	return out
}

// CanPost 检查 sender 能否在会话中发消息。
func CanPost(sender *models.User, c *models.Conversation, now time.Time) error {
	if sender == nil || c == nil {
		return common.ErrNotAuthorized
	}
	if c.IsBlocked {
		return common.ErrConversationBlocked
	}
	if c.IsBanned(sender.ID, now) {
		return common.ErrNotAuthorized
	}
	if c.Type == models.ConversationChannel {
		if sender.ID != c.CreatorID && !sender.IsPrivileged() {
			return common.ErrNotAuthorized
		}
		return nil
	}
	if !c.HasParticipant(sender.ID) {
		return common.ErrNotAuthorized
	}
	return nil
}

// CanModerate 报告 actor 能否管理会话 c（封禁成员、删除会话）。
func CanModerate(actor *models.User, c *models.Conversation) bool {
	return actor != nil && c != nil && (actor.ID == c.CreatorID || actor.IsPrivileged())
}

// DisplayName 返回会话在 viewer 列表中的显示名称。私聊显示对方的名字。
func DisplayName(viewer *models.User, c *models.Conversation, lookup func(id string) (*models.User, bool)) string {
	if c.Type != models.ConversationDirect || viewer == nil || lookup == nil {
		return c.Name
	}
	for _, p := range c.Participants {
		if p == viewer.ID {
			continue
		}
		if u, ok := lookup(p); ok && u.Name != "" {
			return u.Name
		}
	}
	return c.Name
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

func contains(s, lowerQuery string) bool {
	return strings.Contains(strings.ToLower(s), lowerQuery)
}
