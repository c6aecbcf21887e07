// Package assistant 封装外部 AI 助手：续写对话、总结对话、智能回复和实时语音。
package assistant

import (
	"context"
	"strings"

	"fluxur-go/internal/models"
)

// Role 是对话轮次的角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn 是发给助手的一轮对话。
type Turn struct {
	Role    Role
	Speaker string
	Text    string
}

// Collaborator 是 AI 助手的抽象，失败时返回包装了 common.ErrAICollaborator 的错误。
type Collaborator interface {
	// Continue 根据历史和新的提问返回一条回复。
	Continue(ctx context.Context, history []Turn, prompt string) (string, error)
	// Summarize 把完整的聊天记录总结成一小段话。
	Summarize(ctx context.Context, transcript string) (string, error)
	// SmartReply 根据最近的几条消息给出一条建议回复。
	SmartReply(ctx context.Context, recent []Turn) (string, error)
}

// SmartReplyWindow 是智能回复参考的消息条数。
const SmartReplyWindow = 5

// TurnsFromMessages 把消息转换为对话轮次。AI 助手发出的消息映射为 assistant。
// 只有附件的消息用文件名代替文本。
func TurnsFromMessages(msgs []models.Message) []Turn {
	turns := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		text := messageText(m)
		if text == "" {
			continue
		}
		role := RoleUser
		if m.SenderID == models.AIUserID {
			role = RoleAssistant
		}
		turns = append(turns, Turn{Role: role, Speaker: m.SenderName, Text: text})
	}
	return turns
}

// Transcript 把消息拼成 "发送者: 文本" 形式的多行文本。
func Transcript(msgs []models.Message) string {
	return joinTurns(TurnsFromMessages(msgs))
}

// Recent 返回最后 n 轮。
func Recent(turns []Turn, n int) []Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

func joinTurns(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		speaker := t.Speaker
		if speaker == "" {
			speaker = string(t.Role)
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}

func messageText(m models.Message) string {
	switch {
	case m.IsCallLog:
		return ""
	case m.Text != "":
		return m.Text
	case m.File != nil:
		return "[attachment: " + m.File.Name + "]"
	}
	return ""
}
