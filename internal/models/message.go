package models

import (
	"fmt"
	"time"
)

// FileAttachment 是随消息发送的文件。URL 可以是存储服务地址或 data URL。
type FileAttachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Message 是会话中的一条消息。Timestamp 为 Unix 毫秒。
type Message struct {
	ID            string          `json:"id"`
	SenderID      string          `json:"senderId"`
	SenderName    string          `json:"senderName"`
	Text          string          `json:"text"`
	Timestamp     int64           `json:"timestamp"`
	IsAIGenerated bool            `json:"isAiGenerated,omitempty"`
	File          *FileAttachment `json:"file,omitempty"`
	IsCallLog     bool            `json:"isCallLog,omitempty"`
	CallDuration  string          `json:"callDuration,omitempty"`
}

// Preview 返回会话列表中显示的最后一条消息摘要。
func (m Message) Preview() string {
	switch {
	case m.IsCallLog:
		return "Call " + m.CallDuration
	case m.Text != "":
		return m.Text
	case m.File != nil:
		return m.File.Name
	}
	return ""
}

// FormatCallDuration 将通话时长格式化为 mm:ss。
func FormatCallDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
