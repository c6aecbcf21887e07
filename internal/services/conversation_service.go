package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fluxur-go/internal/common"
	"fluxur-go/internal/imtypes"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
	"fluxur-go/internal/visibility"
)

// WelcomeText 是 AI 会话中的第一条消息。
const WelcomeText = "Hi! I'm Fluxur AI. Ask me anything, or send me a file and I'll take a look."

// ConversationService 定义了会话与消息相关操作的接口。
type ConversationService interface {
	CreateConversation(ctx context.Context, creator *models.User, name string, convType models.ConversationType, handle string) (*models.Conversation, error)
	StartDirect(ctx context.Context, initiator *models.User, peerID string) (*models.Conversation, error)
	EnsureAIConversation(ctx context.Context, user *models.User) (*models.Conversation, bool, error)
	JoinChannel(ctx context.Context, viewer *models.User, convID string) (*models.Conversation, error)
	AppendMessage(ctx context.Context, convID string, sender *models.User, msg models.Message) (*models.Message, error)
	AppendAssistantReply(ctx context.Context, convID, text string) (*models.Message, error)
	LogCall(ctx context.Context, convID string, caller *models.User, duration time.Duration) (*models.Message, error)
	DeleteConversation(ctx context.Context, actor *models.User, convID string) error
	Get(ctx context.Context, convID string) (*models.Conversation, error)
	Visible(viewer *models.User, query string) []*models.Conversation
	Messages(ctx context.Context, viewer *models.User, convID, query string) ([]models.Message, error)
	Participants(ctx context.Context, viewer *models.User, convID string) ([]string, error)
}

type conversationService struct {
	writer  *RecordWriter
	storage imtypes.StorageService
	log     logging.Logger
}

// NewConversationService 创建一个新的 ConversationService 实例。
// storage 用于删除会话时清理附件，可以为 nil。
func NewConversationService(writer *RecordWriter, storage imtypes.StorageService, log logging.Logger) ConversationService {
	return &conversationService{
		writer:  writer,
		storage: storage,
		log:     log.With("service", "conversation"),
	}
}

// CreateConversation 创建群组或频道，创建者是唯一的初始参与者。
func (s *conversationService) CreateConversation(ctx context.Context, creator *models.User, name string, convType models.ConversationType, handle string) (*models.Conversation, error) {
	if creator == nil {
		return nil, common.ErrNotAuthorized
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: 会话名称为必填", common.ErrMissingField)
	}
	switch convType {
	case models.ConversationGroup, models.ConversationChannel:
	case models.ConversationDirect, models.ConversationAI:
		return nil, fmt.Errorf("%w: %s 会话不能直接创建", common.ErrInvalidField, convType)
	default:
		return nil, fmt.Errorf("%w: 未知会话类型 %q", common.ErrInvalidField, convType)
	}

	handle = models.NormalizeHandle(handle)
	if handle != "" {
		for _, c := range s.writer.Projection().Conversations() {
			if c.Handle == handle {
				return nil, common.ErrHandleTaken
			}
		}
	}

	now := s.writer.Now().UnixMilli()
	conv := &models.Conversation{
		ID:           uuid.NewString(),
		Name:         name,
		Handle:       handle,
		Type:         convType,
		Participants: []string{creator.ID},
		Messages:     []models.Message{},
		BannedUsers:  map[string]int64{},
		CreatorID:    creator.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, _, err := s.writer.CreateConversation(ctx, conv)
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "会话已创建", "conversation_id", created.ID, "type", created.Type, "creator_id", creator.ID)
	return created, nil
}

// StartDirect 返回两个用户之间的私聊，不存在时创建。重复调用返回同一个会话。
func (s *conversationService) StartDirect(ctx context.Context, initiator *models.User, peerID string) (*models.Conversation, error) {
	if initiator == nil {
		return nil, common.ErrNotAuthorized
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, fmt.Errorf("%w: 对方用户 ID 为必填", common.ErrMissingField)
	}
	if peerID == initiator.ID {
		return nil, fmt.Errorf("%w: 不能和自己私聊", common.ErrInvalidField)
	}
	if peerID == models.AIUserID {
		conv, _, err := s.EnsureAIConversation(ctx, initiator)
		return conv, err
	}
	peer, err := s.writer.User(ctx, peerID)
	if err != nil {
		return nil, err
	}

	now := s.writer.Now().UnixMilli()
	conv := &models.Conversation{
		ID:           models.DirectConversationID(initiator.ID, peer.ID),
		Name:         initiator.Name + " & " + peer.Name,
		Type:         models.ConversationDirect,
		Participants: []string{initiator.ID, peer.ID},
		Messages:     []models.Message{},
		BannedUsers:  map[string]int64{},
		CreatorID:    initiator.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	got, created, err := s.writer.CreateConversation(ctx, conv)
	if err != nil {
		return nil, err
	}
	if created {
		s.log.Info(ctx, "私聊已创建", "conversation_id", got.ID)
	}
	return got, nil
}

// EnsureAIConversation 确保用户拥有与 AI 助手的会话，新建时附带一条欢迎消息。
func (s *conversationService) EnsureAIConversation(ctx context.Context, user *models.User) (*models.Conversation, bool, error) {
	if user == nil {
		return nil, false, common.ErrNotAuthorized
	}
	now := s.writer.Now().UnixMilli()
	welcome := models.Message{
		ID:            models.WelcomeMessageID,
		SenderID:      models.AIUserID,
		SenderName:    models.AIUserName,
		Text:          WelcomeText,
		Timestamp:     now,
		IsAIGenerated: true,
	}
	conv := &models.Conversation{
		ID:           models.AIConversationID(user.ID),
		Name:         models.AIUserName,
		Type:         models.ConversationAI,
		Participants: []string{user.ID, models.AIUserID},
		Messages:     []models.Message{welcome},
		BannedUsers:  map[string]int64{},
		CreatorID:    models.SystemCreatorID,
		LastMessage:  welcome.Preview(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return s.writer.CreateConversation(ctx, conv)
}

// JoinChannel 把 viewer 加入频道的参与者列表。已加入时直接返回。
func (s *conversationService) JoinChannel(ctx context.Context, viewer *models.User, convID string) (*models.Conversation, error) {
	if viewer == nil {
		return nil, common.ErrNotAuthorized
	}
	now := s.writer.Now()
	return s.writer.UpdateConversation(ctx, convID, func(c *models.Conversation) error {
		if c.Type != models.ConversationChannel {
			return fmt.Errorf("%w: 只能加入频道", common.ErrNotAuthorized)
		}
		if !visibility.CanSee(viewer, c, now) {
			return common.ErrNotAuthorized
		}
		if c.HasParticipant(viewer.ID) {
			return errNoChange
		}
		c.Participants = append(c.Participants, viewer.ID)
		return nil
	})
}

// AppendMessage 在会话末尾追加消息。ID 为空时自动生成；相同 ID 的消息已存在时不做任何事。
func (s *conversationService) AppendMessage(ctx context.Context, convID string, sender *models.User, msg models.Message) (*models.Message, error) {
	if sender == nil {
		return nil, common.ErrNotAuthorized
	}
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" && msg.File == nil && !msg.IsCallLog {
		return nil, fmt.Errorf("%w: 消息内容为空", common.ErrMissingField)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := s.writer.Now()
	if msg.Timestamp == 0 {
		msg.Timestamp = now.UnixMilli()
	}
	msg.SenderID = sender.ID
	msg.SenderName = sender.Name
	msg.IsAIGenerated = sender.IsAI

	_, err := s.writer.UpdateConversation(ctx, convID, func(c *models.Conversation) error {
		if c.HasMessage(msg.ID) {
			return errNoChange
		}
		if sender.IsAI {
			// AI 助手不是参与者，但封禁的会话同样只读
			if c.IsBlocked {
				return common.ErrConversationBlocked
			}
		} else if err := visibility.CanPost(sender, c, now); err != nil {
			return err
		}
		c.Messages = append(c.Messages, msg)
		c.LastMessage = msg.Preview()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// AppendAssistantReply 以 AI 助手身份追加回复。会话已被删除时返回 ErrNotFound，已被封禁时返回 ErrConversationBlocked。
func (s *conversationService) AppendAssistantReply(ctx context.Context, convID, text string) (*models.Message, error) {
	return s.AppendMessage(ctx, convID, models.AIUser(), models.Message{Text: text})
}

// LogCall 追加一条通话记录消息。
func (s *conversationService) LogCall(ctx context.Context, convID string, caller *models.User, duration time.Duration) (*models.Message, error) {
	return s.AppendMessage(ctx, convID, caller, models.Message{
		IsCallLog:    true,
		CallDuration: models.FormatCallDuration(duration),
	})
}

// DeleteConversation 删除会话，只有创建者和管理员可以执行。附件的清理失败只记录日志。
func (s *conversationService) DeleteConversation(ctx context.Context, actor *models.User, convID string) error {
	conv, err := s.writer.Conversation(ctx, convID)
	if err != nil {
		return err
	}
	if !visibility.CanModerate(actor, conv) {
		return common.ErrNotAuthorized
	}
	if err := s.writer.DeleteConversation(ctx, convID); err != nil {
		return err
	}
	s.log.Info(ctx, "会话已删除", "conversation_id", convID, "actor_id", actor.ID)

	if s.storage == nil {
		return nil
	}
	// 其他会话仍引用的附件保留
	inUse := s.attachmentsInUse(convID)
	for _, m := range conv.Messages {
		if m.File == nil || inUse[m.File.URL] {
			continue
		}
		inUse[m.File.URL] = true
		if err := s.storage.DeleteFile(ctx, m.File.URL); err != nil {
			s.log.Warn(ctx, "删除附件失败", "conversation_id", convID, "file", m.File.Name, "error", err)
		}
	}
	return nil
}

// attachmentsInUse 返回除 exceptID 以外的会话引用的附件地址。
func (s *conversationService) attachmentsInUse(exceptID string) map[string]bool {
	urls := make(map[string]bool)
	for _, c := range s.writer.Projection().Conversations() {
		if c.ID == exceptID {
			continue
		}
		for _, m := range c.Messages {
			if m.File != nil && m.File.URL != "" {
				urls[m.File.URL] = true
			}
		}
	}
	return urls
}

func (s *conversationService) Get(ctx context.Context, convID string) (*models.Conversation, error) {
	return s.writer.Conversation(ctx, convID)
}

// Visible 返回 viewer 可见且匹配 query 的会话，保持到达顺序。
func (s *conversationService) Visible(viewer *models.User, query string) []*models.Conversation {
	return visibility.Conversations(viewer, s.writer.Projection().Conversations(), query, s.writer.Now())
}

// Messages 返回会话中匹配 query 的消息。会话对 viewer 不可见时返回 ErrNotAuthorized。
func (s *conversationService) Messages(ctx context.Context, viewer *models.User, convID, query string) ([]models.Message, error) {
	conv, err := s.visibleConversation(ctx, viewer, convID)
	if err != nil {
		return nil, err
	}
	return visibility.Messages(conv, query), nil
}

// Participants 返回未被封禁的参与者。
func (s *conversationService) Participants(ctx context.Context, viewer *models.User, convID string) ([]string, error) {
	conv, err := s.visibleConversation(ctx, viewer, convID)
	if err != nil {
		return nil, err
	}
	return visibility.Participants(conv, s.writer.Now()), nil
}

func (s *conversationService) visibleConversation(ctx context.Context, viewer *models.User, convID string) (*models.Conversation, error) {
	conv, err := s.writer.Conversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !visibility.CanSee(viewer, conv, s.writer.Now()) {
		return nil, common.ErrNotAuthorized
	}
	return conv, nil
}

// IsSilent 报告 err 是否属于应当静默忽略的授权错误。
func IsSilent(err error) bool {
	return errors.Is(err, common.ErrNotAuthorized) || errors.Is(err, common.ErrConversationBlocked)
}
