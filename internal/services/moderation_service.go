package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fluxur-go/internal/common"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
	"fluxur-go/internal/visibility"
)

// ModerationService 定义了封禁用户、封禁成员和封禁会话的接口。
type ModerationService interface {
	ToggleUserBlock(ctx context.Context, actor *models.User, targetID string) (bool, error)
	SetPremium(ctx context.Context, actor *models.User, targetID string, status models.PremiumStatus) (*models.User, error)
	BanParticipant(ctx context.Context, actor *models.User, convID, targetID string, duration time.Duration) (time.Time, error)
	UnbanParticipant(ctx context.Context, actor *models.User, convID, targetID string) error
	BlockConversation(ctx context.Context, actor *models.User, convID string, permanent bool) (*models.Conversation, error)
	UnblockConversation(ctx context.Context, actor *models.User, convID string) (*models.Conversation, error)
	ModeratedConversations(actor *models.User) ([]*models.Conversation, error)
}

type moderationService struct {
	writer   *RecordWriter
	identity IdentityService
	log      logging.Logger
}

// NewModerationService 创建一个新的 ModerationService 实例。
func NewModerationService(writer *RecordWriter, identity IdentityService, log logging.Logger) ModerationService {
	return &moderationService{
		writer:   writer,
		identity: identity,
		log:      log.With("service", "moderation"),
	}
}

// ToggleUserBlock 翻转目标用户的封禁状态并返回新状态。
// 开发者账号和 AI 助手不能被封禁。
func (s *moderationService) ToggleUserBlock(ctx context.Context, actor *models.User, targetID string) (bool, error) {
	if !actor.IsPrivileged() {
		return false, common.ErrNotAuthorized
	}
	target, err := s.identity.GetUser(ctx, targetID)
	if err != nil {
		return false, err
	}
	if target.IsAI || s.identity.IsDeveloperLogin(target.Login) {
		return false, fmt.Errorf("%w: 该账号不能被封禁", common.ErrNotAuthorized)
	}
	updated, err := s.identity.SetBlocked(ctx, target.ID, !target.IsBlocked)
	if err != nil {
		return false, err
	}
	s.log.Info(ctx, "用户封禁状态已变更", "actor_id", actor.ID, "target_id", target.ID, "blocked", updated.IsBlocked)
	return updated.IsBlocked, nil
}

// SetPremium 处理高级会员申请：active 批准，none 拒绝或撤销。
func (s *moderationService) SetPremium(ctx context.Context, actor *models.User, targetID string, status models.PremiumStatus) (*models.User, error) {
	if !actor.IsPrivileged() {
		return nil, common.ErrNotAuthorized
	}
	switch status {
	case models.PremiumNone, models.PremiumPending, models.PremiumActive:
	default:
		return nil, fmt.Errorf("%w: 未知会员状态 %q", common.ErrInvalidField, status)
	}
	updated, err := s.writer.UpdateUser(ctx, targetID, func(u *models.User) error {
		if u.IsAI {
			return fmt.Errorf("%w: AI 助手没有会员状态", common.ErrNotAuthorized)
		}
		u.PremiumStatus = status
		u.IsPremium = status == models.PremiumActive
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "会员状态已变更", "actor_id", actor.ID, "target_id", targetID, "status", status)
	return updated, nil
}

// BanParticipant 在 duration 内禁止目标用户访问会话，返回解封时间。
// 被封禁的成员仍保留在参与者列表中。
func (s *moderationService) BanParticipant(ctx context.Context, actor *models.User, convID, targetID string, duration time.Duration) (time.Time, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return time.Time{}, fmt.Errorf("%w: 目标用户 ID 为必填", common.ErrMissingField)
	}
	if duration <= 0 {
		return time.Time{}, fmt.Errorf("%w: 封禁时长必须大于 0", common.ErrInvalidField)
	}
	expiry := s.writer.Now().Add(duration)
	_, err := s.writer.UpdateConversation(ctx, convID, func(c *models.Conversation) error {
		if !visibility.CanModerate(actor, c) {
			return common.ErrNotAuthorized
		}
		if targetID == c.CreatorID {
			return fmt.Errorf("%w: 不能封禁会话创建者", common.ErrNotAuthorized)
		}
		if c.BannedUsers == nil {
			c.BannedUsers = map[string]int64{}
		}
		c.BannedUsers[targetID] = expiry.UnixMilli()
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	s.log.Info(ctx, "成员已被封禁", "conversation_id", convID, "target_id", targetID, "until", expiry.UnixMilli())
	return expiry, nil
}

// UnbanParticipant 提前解除封禁。目标未被封禁时不做任何事。
func (s *moderationService) UnbanParticipant(ctx context.Context, actor *models.User, convID, targetID string) error {
	_, err := s.writer.UpdateConversation(ctx, convID, func(c *models.Conversation) error {
		if !visibility.CanModerate(actor, c) {
			return common.ErrNotAuthorized
		}
		if _, ok := c.BannedUsers[targetID]; !ok {
			return errNoChange
		}
		delete(c.BannedUsers, targetID)
		return nil
	})
	return err
}

// BlockConversation 封禁会话。permanent 为 true 时封禁不可撤销。
func (s *moderationService) BlockConversation(ctx context.Context, actor *models.User, convID string, permanent bool) (*models.Conversation, error) {
	if !actor.IsPrivileged() {
		return nil, common.ErrNotAuthorized
	}
	conv, err := s.writer.UpdateConversation(ctx, convID, func(c *models.Conversation) error {
		if c.IsBlocked && (c.IsPermanentlyBlocked || !permanent) {
			return errNoChange
		}
		c.IsBlocked = true
		c.IsPermanentlyBlocked = permanent
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info(ctx, "会话已封禁", "conversation_id", convID, "actor_id", actor.ID, "permanent", conv.IsPermanentlyBlocked)
	return conv, nil
}

// UnblockConversation 解除可撤销的封禁。永久封禁返回 ErrNotAuthorized。
func (s *moderationService) UnblockConversation(ctx context.Context, actor *models.User, convID string) (*models.Conversation, error) {
	if !actor.IsPrivileged() {
		return nil, common.ErrNotAuthorized
	}
	return s.writer.UpdateConversation(ctx, convID, func(c *models.Conversation) error {
		if c.IsPermanentlyBlocked {
			return fmt.Errorf("%w: 会话已被永久封禁", common.ErrNotAuthorized)
		}
		if !c.IsBlocked {
			return errNoChange
		}
		c.IsBlocked = false
		return nil
	})
}

// ModeratedConversations 返回管理面板中列出的会话，AI 会话不在其中。
func (s *moderationService) ModeratedConversations(actor *models.User) ([]*models.Conversation, error) {
	if !actor.IsPrivileged() {
		return nil, common.ErrNotAuthorized
	}
	all := s.writer.Projection().Conversations()
	out := make([]*models.Conversation, 0, len(all))
	for _, c := range all {
		if c.Type != models.ConversationAI {
			out = append(out, c)
		}
	}
	return out, nil
}
