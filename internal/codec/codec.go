// Package codec 在领域记录与副本存储的扁平记录之间转换。
// 列表与映射字段编码为 JSON 文本，其余字段编码为字符串。
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"fluxur-go/internal/models"
	"fluxur-go/internal/replica"
)

var ErrMalformed = errors.New("codec: 记录格式错误")

// 用户记录字段。
const (
	FieldID            = "id"
	FieldLogin         = "login"
	FieldName          = "name"
	FieldAvatar        = "avatar"
	FieldStatus        = "status"
	FieldRole          = "role"
	FieldIsPremium     = "isPremium"
	FieldPremiumStatus = "premiumStatus"
	FieldTheme         = "theme"
	FieldLanguage      = "language"
	FieldIsBlocked     = "isBlocked"
	FieldIsAI          = "isAI"
	FieldCreatedAt     = "createdAt"
)

// 会话记录字段。
const (
	FieldHandle               = "handle"
	FieldType                 = "type"
	FieldParticipants         = "participants"
	FieldMessages             = "messages"
	FieldBannedUsers          = "bannedUsers"
	FieldCreatorID            = "creatorId"
	FieldIsPermanentlyBlocked = "isPermanentlyBlocked"
	FieldLastMessage          = "lastMessage"
	FieldUpdatedAt            = "updatedAt"
)

// EncodeUser 将用户资料编码为扁平记录。
func EncodeUser(u *models.User) replica.Record {
	return replica.Record{
		FieldID:            u.ID,
		FieldLogin:         u.Login,
		FieldName:          u.Name,
		FieldAvatar:        u.Avatar,
		FieldStatus:        string(u.Status),
		FieldRole:          string(u.Role),
		FieldIsPremium:     strconv.FormatBool(u.IsPremium),
		FieldPremiumStatus: string(u.PremiumStatus),
		FieldTheme:         string(u.Theme),
		FieldLanguage:      u.Language,
		FieldIsBlocked:     strconv.FormatBool(u.IsBlocked),
		FieldIsAI:          strconv.FormatBool(u.IsAI),
		FieldCreatedAt:     strconv.FormatInt(u.CreatedAt, 10),
	}
}

// DecodeUser 从扁平记录解码用户资料。
func DecodeUser(rec replica.Record) (*models.User, error) {
	if rec[FieldID] == "" {
		return nil, fmt.Errorf("%w: 用户记录缺少 id", ErrMalformed)
	}
	u := &models.User{
		ID:            rec[FieldID],
		Login:         rec[FieldLogin],
		Name:          rec[FieldName],
		Avatar:        rec[FieldAvatar],
		Status:        models.UserStatus(rec[FieldStatus]),
		Role:          models.Role(rec[FieldRole]),
		PremiumStatus: models.PremiumStatus(rec[FieldPremiumStatus]),
		Theme:         models.Theme(rec[FieldTheme]),
		Language:      rec[FieldLanguage],
	}
	var err error
	if u.IsPremium, err = parseBool(rec, FieldIsPremium); err != nil {
		return nil, err
	}
	if u.IsBlocked, err = parseBool(rec, FieldIsBlocked); err != nil {
		return nil, err
	}
	if u.IsAI, err = parseBool(rec, FieldIsAI); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseInt(rec, FieldCreatedAt); err != nil {
		return nil, err
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	return u, nil
}

// EncodeConversation 将会话编码为扁平记录。
func EncodeConversation(c *models.Conversation) (replica.Record, error) {
	participants := c.Participants
	if participants == nil {
		participants = []string{}
	}
	messages := c.Messages
	if messages == nil {
		messages = []models.Message{}
	}
	banned := c.BannedUsers
	if banned == nil {
		banned = map[string]int64{}
	}

	pj, err := json.Marshal(participants)
	if err != nil {
		return nil, fmt.Errorf("编码参与者失败: %w", err)
	}
	mj, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("编码消息失败: %w", err)
	}
	bj, err := json.Marshal(banned)
	if err != nil {
		return nil, fmt.Errorf("编码封禁表失败: %w", err)
	}

	return replica.Record{
		FieldID:                   c.ID,
		FieldName:                 c.Name,
		FieldHandle:               c.Handle,
		FieldType:                 string(c.Type),
		FieldParticipants:         string(pj),
		FieldMessages:             string(mj),
		FieldBannedUsers:          string(bj),
		FieldCreatorID:            c.CreatorID,
		FieldIsBlocked:            strconv.FormatBool(c.IsBlocked),
		FieldIsPermanentlyBlocked: strconv.FormatBool(c.IsPermanentlyBlocked),
		FieldLastMessage:          c.LastMessage,
		FieldCreatedAt:            strconv.FormatInt(c.CreatedAt, 10),
		FieldUpdatedAt:            strconv.FormatInt(c.UpdatedAt, 10),
	}, nil
}

// DecodeConversation 从扁平记录解码会话。缺失的集合字段解码为空集合。
func DecodeConversation(rec replica.Record) (*models.Conversation, error) {
	if rec[FieldID] == "" {
		return nil, fmt.Errorf("%w: 会话记录缺少 id", ErrMalformed)
	}
	c := &models.Conversation{
		ID:           rec[FieldID],
		Name:         rec[FieldName],
		Handle:       rec[FieldHandle],
		Type:         models.ConversationType(rec[FieldType]),
		CreatorID:    rec[FieldCreatorID],
		LastMessage:  rec[FieldLastMessage],
		Participants: []string{},
		Messages:     []models.Message{},
		BannedUsers:  map[string]int64{},
	}
	if !models.ValidConversationType(c.Type) {
		return nil, fmt.Errorf("%w: 未知会话类型 %q", ErrMalformed, c.Type)
	}
	if err := decodeJSON(rec, FieldParticipants, &c.Participants); err != nil {
		return nil, err
	}
	if err := decodeJSON(rec, FieldMessages, &c.Messages); err != nil {
		return nil, err
	}
	if err := decodeJSON(rec, FieldBannedUsers, &c.BannedUsers); err != nil {
		return nil, err
	}

	var err error
	if c.IsBlocked, err = parseBool(rec, FieldIsBlocked); err != nil {
		return nil, err
	}
	if c.IsPermanentlyBlocked, err = parseBool(rec, FieldIsPermanentlyBlocked); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseInt(rec, FieldCreatedAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseInt(rec, FieldUpdatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeJSON(rec replica.Record, field string, dst any) error {
	raw, ok := rec[field]
	if !ok || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%w: 字段 %s: %v", ErrMalformed, field, err)
	}
	return nil
}

func parseBool(rec replica.Record, field string) (bool, error) {
	raw, ok := rec[field]
	if !ok || raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: 字段 %s: %v", ErrMalformed, field, err)
	}
	return v, nil
}

func parseInt(rec replica.Record, field string) (int64, error) {
	raw, ok := rec[field]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: 字段 %s: %v", ErrMalformed, field, err)
	}
	return v, nil
}
