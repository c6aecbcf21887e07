package imtypes

import "fluxur-go/internal/models"

// ClientFrameType 是客户端通过 WebSocket 发来的指令类型。
type ClientFrameType string

const (
	FrameSelect         ClientFrameType = "select"
	FrameSearchChats    ClientFrameType = "search_chats"
	FrameSearchMessages ClientFrameType = "search_messages"
	FrameSend           ClientFrameType = "send"
	FrameSummarize      ClientFrameType = "summarize"
	FrameSuggest        ClientFrameType = "suggest"
	FrameView           ClientFrameType = "view"
	FrameCallStart      ClientFrameType = "call.start"
	FrameCallAudio      ClientFrameType = "call.audio"
	FrameCallHangup     ClientFrameType = "call.hangup"
)

// ClientFrame 是客户端指令。不同类型只使用其中部分字段。
type ClientFrame struct {
	Type           ClientFrameType        `json:"type"`
	ConversationID string                 `json:"conversationId,omitempty"` // select
	Query          string                 `json:"query,omitempty"`          // search_chats / search_messages
	Text           string                 `json:"text,omitempty"`           // send
	File           *models.FileAttachment `json:"file,omitempty"`           // send
	View           string                 `json:"view,omitempty"`           // view
	Audio          string                 `json:"audio,omitempty"`          // call.audio, base64 PCM
}

// ServerFrameType 是服务端推送的帧类型。
type ServerFrameType string

const (
	FrameState               ServerFrameType = "state"
	FrameConversationUpdated ServerFrameType = "conversation.updated"
	FrameConversationDeleted ServerFrameType = "conversation.deleted"
	FrameNotice              ServerFrameType = "notice"
	FrameSummary             ServerFrameType = "summary"
	FrameSuggestion          ServerFrameType = "suggestion"
	FrameCallAudioOut        ServerFrameType = "call.audio"
	FrameCallTranscript      ServerFrameType = "call.transcript"
	FrameCallEnded           ServerFrameType = "call.ended"
)

// ConversationView 是会话在某个观察者列表中的样子。
type ConversationView struct {
	ID                   string                  `json:"id"`
	Name                 string                  `json:"name"`
	Handle               string                  `json:"handle,omitempty"`
	Type                 models.ConversationType `json:"type"`
	Participants         []string                `json:"participants"`
	CreatorID            string                  `json:"creatorId"`
	IsBlocked            bool                    `json:"isBlocked"`
	IsPermanentlyBlocked bool                    `json:"isPermanentlyBlocked"`
	LastMessage          string                  `json:"lastMessage,omitempty"`
	UpdatedAt            int64                   `json:"updatedAt"`
}

// ServerFrame 是服务端推送帧。
type ServerFrame struct {
	Type           ServerFrameType    `json:"type"`
	State          any                `json:"state,omitempty"`
	Conversations  []ConversationView `json:"conversations,omitempty"`
	Conversation   *ConversationView  `json:"conversation,omitempty"`
	Messages       []models.Message   `json:"messages,omitempty"`
	Message        *models.Message    `json:"message,omitempty"`
	ConversationID string             `json:"conversationId,omitempty"`
	Text           string             `json:"text,omitempty"`
	Audio          string             `json:"audio,omitempty"`
}
