package services

import (
	"context"
	"fmt"

	"fluxur-go/internal/assistant"
	"fluxur-go/internal/common"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
)

// AssistantService 把会话内容交给 AI 助手并写回结果。
type AssistantService interface {
	// Reply 让助手回复 AI 会话中最后一条用户消息，回复按会话 ID 写回。
	// 会话已被删除时返回 ErrNotFound；最后一条消息不是用户发的时返回 nil, nil。
	Reply(ctx context.Context, convID string) (*models.Message, error)
	Summarize(ctx context.Context, viewer *models.User, convID string) (string, error)
	SuggestReply(ctx context.Context, viewer *models.User, convID string) (string, error)
}

type assistantService struct {
	conversations ConversationService
	ai            assistant.Collaborator
	log           logging.Logger
}

// NewAssistantService 创建一个新的 AssistantService 实例。
func NewAssistantService(conversations ConversationService, ai assistant.Collaborator, log logging.Logger) AssistantService {
	return &assistantService{
		conversations: conversations,
		ai:            ai,
		log:           log.With("service", "assistant"),
	}
}

func (s *assistantService) Reply(ctx context.Context, convID string) (*models.Message, error) {
	conv, err := s.conversations.Get(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.Type != models.ConversationAI {
		return nil, fmt.Errorf("%w: 不是 AI 会话", common.ErrNotAuthorized)
	}
	if len(conv.Messages) == 0 {
		return nil, nil
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.SenderID == models.AIUserID {
		return nil, nil
	}

	turns := assistant.TurnsFromMessages(conv.Messages)
	if len(turns) == 0 {
		return nil, nil
	}
	prompt := turns[len(turns)-1].Text
	text, err := s.ai.Continue(ctx, turns[:len(turns)-1], prompt)
	if err != nil {
		s.log.Warn(ctx, "AI 回复失败", "conversation_id", convID, "error", err)
		return nil, err
	}
	return s.conversations.AppendAssistantReply(ctx, convID, text)
}

// Summarize 至少需要两条消息。
func (s *assistantService) Summarize(ctx context.Context, viewer *models.User, convID string) (string, error) {
	msgs, err := s.conversations.Messages(ctx, viewer, convID, "")
	if err != nil {
		return "", err
	}
	if len(msgs) <= 1 {
		return "", common.ErrNotEnoughMessages
	}
	return s.ai.Summarize(ctx, assistant.Transcript(msgs))
}

func (s *assistantService) SuggestReply(ctx context.Context, viewer *models.User, convID string) (string, error) {
	msgs, err := s.conversations.Messages(ctx, viewer, convID, "")
	if err != nil {
		return "", err
	}
	turns := assistant.TurnsFromMessages(msgs)
	if len(turns) == 0 {
		return "", common.ErrNotEnoughMessages
	}
	return s.ai.SmartReply(ctx, assistant.Recent(turns, assistant.SmartReplyWindow))
}
