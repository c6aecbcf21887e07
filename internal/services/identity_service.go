package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"fluxur-go/internal/auth"
	"fluxur-go/internal/common"
	"fluxur-go/internal/config"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
	"fluxur-go/internal/storage"
)

// ProfileUpdate 描述用户可修改的资料字段，nil 表示不修改。
type ProfileUpdate struct {
	Name          *string               `json:"name,omitempty"`
	Avatar        *string               `json:"avatar,omitempty"`
	Status        *models.UserStatus    `json:"status,omitempty"`
	Theme         *models.Theme         `json:"theme,omitempty"`
	Language      *string               `json:"language,omitempty"`
	PremiumStatus *models.PremiumStatus `json:"premiumStatus,omitempty"`
}

// IdentityService 定义了注册、登录和用户资料的接口。
type IdentityService interface {
	Register(ctx context.Context, name, login, password string) (*models.User, error)
	Authenticate(ctx context.Context, login, password string) (*models.User, error)
	Login(ctx context.Context, login, password string) (token string, user *models.User, err error)
	IssueToken(user *models.User) (string, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
	ListUsers(ctx context.Context) []*models.User
	SetBlocked(ctx context.Context, userID string, blocked bool) (*models.User, error)
	UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*models.User, error)
	IsDeveloperLogin(login string) bool
	EnsureAIUser(ctx context.Context) error
}

type identityService struct {
	creds  storage.CredentialRepository
	writer *RecordWriter
	cfg    config.Config
	log    logging.Logger
}

// NewIdentityService 创建一个新的 IdentityService 实例。
func NewIdentityService(creds storage.CredentialRepository, writer *RecordWriter, cfg config.Config, log logging.Logger) IdentityService {
	return &identityService{
		creds:  creds,
		writer: writer,
		cfg:    cfg,
		log:    log.With("service", "identity"),
	}
}

// Register 创建账号。凭据写入本地库，公开资料写入副本存储；
// 资料写入失败时撤销凭据，保证两边不会只存在一半。
func (s *identityService) Register(ctx context.Context, name, login, password string) (*models.User, error) {
	name = strings.TrimSpace(name)
	login = strings.TrimSpace(login)
	if name == "" || login == "" || password == "" {
		return nil, fmt.Errorf("%w: 姓名、登录名和密码均为必填", common.ErrMissingField)
	}

	key := models.NormalizeLogin(login)
	if key == models.AIUserLogin {
		return nil, common.ErrLoginTaken
	}
	if _, err := s.creds.GetByLogin(ctx, key); err == nil {
		return nil, common.ErrLoginTaken
	} else if !errors.Is(err, storage.ErrCredentialNotFound) {
		return nil, fmt.Errorf("检查登录名时出错: %w", err)
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("密码哈希失败: %w", err)
	}

	now := s.writer.Now()
	user := &models.User{
		ID:            uuid.NewString(),
		Login:         login,
		Name:          name,
		Avatar:        models.DefaultAvatar(login),
		Status:        models.StatusOnline,
		Role:          models.RoleUser,
		PremiumStatus: models.PremiumNone,
		Theme:         models.ThemeDark,
		Language:      models.DefaultLanguage,
		CreatedAt:     now.UnixMilli(),
	}
	if s.IsDeveloperLogin(key) {
		user.Role = models.RoleDeveloper
		user.IsPremium = true
		user.PremiumStatus = models.PremiumActive
	}

	cred := &models.Credential{UserID: user.ID, LoginKey: key, PasswordHash: hashed}
	if err := s.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, storage.ErrDuplicateLogin) {
			return nil, common.ErrLoginTaken
		}
		return nil, fmt.Errorf("保存凭据失败: %w", err)
	}

	if err := s.writer.PutUser(ctx, user); err != nil {
		if delErr := s.creds.Delete(ctx, user.ID); delErr != nil {
			s.log.Error(ctx, "撤销凭据失败", "user_id", user.ID, "error", delErr)
		}
		return nil, err
	}

	s.log.Info(ctx, "用户注册成功", "user_id", user.ID, "login", user.Login, "role", user.Role)
	return user, nil
}

// Authenticate 校验登录名和密码。被封禁的账号无法登录，开发者账号除外。
func (s *identityService) Authenticate(ctx context.Context, login, password string) (*models.User, error) {
	key := models.NormalizeLogin(login)
	if key == "" || password == "" {
		return nil, fmt.Errorf("%w: 登录名和密码均为必填", common.ErrMissingField)
	}

	cred, err := s.creds.GetByLogin(ctx, key)
	if errors.Is(err, storage.ErrCredentialNotFound) {
		return nil, common.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("查询凭据失败: %w", err)
	}
	if !auth.CheckPasswordHash(password, cred.PasswordHash) {
		return nil, common.ErrInvalidCredentials
	}

	user, err := s.writer.User(ctx, cred.UserID)
	if errors.Is(err, common.ErrNotFound) {
		// 凭据存在但资料丢失，按登录失败处理
		s.log.Warn(ctx, "凭据没有对应的用户资料", "user_id", cred.UserID)
		return nil, common.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if user.IsBlocked && !s.IsDeveloperLogin(key) {
		return nil, common.ErrAccountBlocked
	}
	return user, nil
}

// Login 校验凭据并签发 JWT。
func (s *identityService) Login(ctx context.Context, login, password string) (string, *models.User, error) {
	user, err := s.Authenticate(ctx, login, password)
	if err != nil {
		return "", nil, err
	}
	token, err := s.IssueToken(user)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

func (s *identityService) IssueToken(user *models.User) (string, error) {
	token, err := auth.GenerateToken(user.ID, user.Login, s.cfg.Auth)
	if err != nil {
		return "", fmt.Errorf("生成令牌失败: %w", err)
	}
	return token, nil
}

func (s *identityService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return s.writer.User(ctx, userID)
}

// ListUsers 按登录名排序返回所有已知用户，包括 AI 助手。
func (s *identityService) ListUsers(_ context.Context) []*models.User {
	users := s.writer.Projection().Users()
	sort.SliceStable(users, func(i, j int) bool {
		return models.NormalizeLogin(users[i].Login) < models.NormalizeLogin(users[j].Login)
	})
	return users
}

// SetBlocked 设置用户的封禁标记，只写入 isBlocked 字段。
func (s *identityService) SetBlocked(ctx context.Context, userID string, blocked bool) (*models.User, error) {
	return s.writer.UpdateUser(ctx, userID, func(u *models.User) error {
		if u.IsBlocked == blocked {
			return errNoChange
		}
		u.IsBlocked = blocked
		return nil
	})
}

// UpdateProfile 修改用户资料。普通用户只能申请高级会员，不能直接激活。
func (s *identityService) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*models.User, error) {
	return s.writer.UpdateUser(ctx, userID, func(u *models.User) error {
		if upd.Name != nil {
			name := strings.TrimSpace(*upd.Name)
			if name == "" {
				return fmt.Errorf("%w: 姓名不能为空", common.ErrMissingField)
			}
			u.Name = name
		}
		if upd.Avatar != nil {
			u.Avatar = strings.TrimSpace(*upd.Avatar)
			if u.Avatar == "" {
				u.Avatar = models.DefaultAvatar(u.Login)
			}
		}
		if upd.Status != nil {
			switch *upd.Status {
			case models.StatusOnline, models.StatusOffline, models.StatusAway:
				u.Status = *upd.Status
			default:
				return fmt.Errorf("%w: 未知状态 %q", common.ErrInvalidField, *upd.Status)
			}
		}
		if upd.Theme != nil {
			if !models.ValidTheme(*upd.Theme) {
				return fmt.Errorf("%w: 未知主题 %q", common.ErrInvalidField, *upd.Theme)
			}
			u.Theme = *upd.Theme
		}
		if upd.Language != nil {
			lang := strings.TrimSpace(*upd.Language)
			if lang == "" {
				lang = models.DefaultLanguage
			}
			u.Language = lang
		}
		if upd.PremiumStatus != nil {
			switch *upd.PremiumStatus {
			case models.PremiumNone, models.PremiumPending:
				if u.PremiumStatus != models.PremiumActive {
					u.PremiumStatus = *upd.PremiumStatus
				}
			case models.PremiumActive:
				if !u.IsPrivileged() {
					return fmt.Errorf("%w: 只有管理员可以激活高级会员", common.ErrNotAuthorized)
				}
				u.PremiumStatus = models.PremiumActive
				u.IsPremium = true
			default:
				return fmt.Errorf("%w: 未知会员状态 %q", common.ErrInvalidField, *upd.PremiumStatus)
			}
		}
		return nil
	})
}

func (s *identityService) IsDeveloperLogin(login string) bool {
	dev := models.NormalizeLogin(s.cfg.Identity.DeveloperLogin)
	return dev != "" && models.NormalizeLogin(login) == dev
}

// EnsureAIUser 在 AI 助手资料缺失时写入它。
func (s *identityService) EnsureAIUser(ctx context.Context) error {
	_, err := s.writer.User(ctx, models.AIUserID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return err
	}
	ai := models.AIUser()
	ai.CreatedAt = s.writer.Now().UnixMilli()
	return s.writer.PutUser(ctx, ai)
}
