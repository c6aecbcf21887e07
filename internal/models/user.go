package models

import (
	"net/url"
	"strings"
)

// Role 是用户的权限角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAdmin     Role = "admin"
	RoleDeveloper Role = "developer"
)

// PremiumStatus 描述高级会员申请的状态。
type PremiumStatus string

const (
	PremiumNone    PremiumStatus = "none"
	PremiumPending PremiumStatus = "pending"
	PremiumActive  PremiumStatus = "active"
)

// Theme 是客户端界面主题。
type Theme string

const (
	ThemeDark     Theme = "dark"
	ThemeLight    Theme = "light"
	ThemeMidnight Theme = "midnight"
	ThemeForest   Theme = "forest"
	ThemeSunset   Theme = "sunset"
)

// UserStatus 是在线状态。
type UserStatus string

const (
	StatusOnline  UserStatus = "online"
	StatusOffline UserStatus = "offline"
	StatusAway    UserStatus = "away"
)

// AI 助手使用的固定身份。
const (
	AIUserID    = "fluxur-ai"
	AIUserName  = "Fluxur AI"
	AIUserLogin = "fluxai"
)

const (
	DefaultLanguage = "en"
	avatarBaseURL   = "https://api.dicebear.com/7.x/avataaars/svg?seed="
	aiAvatarURL     = "https://api.dicebear.com/7.x/bottts/svg?seed=fluxai"
)

// User 是公开的用户资料，会被复制到所有节点。
// 密码凭据不在这里，见 Credential。
type User struct {
	ID            string        `json:"id"`
	Login         string        `json:"login"`
	Name          string        `json:"name"`
	Avatar        string        `json:"avatar"`
	Status        UserStatus    `json:"status"`
	Role          Role          `json:"role"`
	IsPremium     bool          `json:"isPremium"`
	PremiumStatus PremiumStatus `json:"premiumStatus"`
	Theme         Theme         `json:"theme"`
	Language      string        `json:"language"`
	IsBlocked     bool          `json:"isBlocked"`
	IsAI          bool          `json:"isAI,omitempty"`
	CreatedAt     int64         `json:"createdAt"`
}

// IsPrivileged 报告用户是否拥有管理员或开发者角色。
func (u *User) IsPrivileged() bool {
	return u != nil && (u.Role == RoleAdmin || u.Role == RoleDeveloper)
}

// Clone 返回用户的副本。
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// NormalizeLogin 返回登录名的规范形式，用于唯一性和比较。
func NormalizeLogin(login string) string {
	return strings.ToLower(strings.TrimSpace(login))
}

// DefaultAvatar 根据登录名生成默认头像地址。
func DefaultAvatar(login string) string {
	return avatarBaseURL + url.QueryEscape(strings.TrimSpace(login))
}

// AIUser 返回 AI 助手的公开资料。
func AIUser() *User {
	return &User{
		ID:            AIUserID,
		Login:         AIUserLogin,
		Name:          AIUserName,
		Avatar:        aiAvatarURL,
		Status:        StatusOnline,
		Role:          RoleUser,
		PremiumStatus: PremiumNone,
		Theme:         ThemeDark,
		Language:      DefaultLanguage,
		IsAI:          true,
	}
}

// ValidTheme 检查主题是否受支持。
func ValidTheme(t Theme) bool {
	switch t {
	case ThemeDark, ThemeLight, ThemeMidnight, ThemeForest, ThemeSunset:
		return true
	}
	return false
}
