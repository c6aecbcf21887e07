package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"fluxur-go/internal/models"
)

var (
	ErrCredentialNotFound = errors.New("凭据不存在")
	ErrDuplicateLogin     = errors.New("登录名重复")
)

// CredentialRepository 定义了登录凭据的存取操作。
type CredentialRepository interface {
	Create(ctx context.Context, cred *models.Credential) error
	GetByLogin(ctx context.Context, loginKey string) (*models.Credential, error)
	Delete(ctx context.Context, userID string) error
}

// gormCredentialRepository 使用 GORM 实现 CredentialRepository。
type gormCredentialRepository struct {
	db *gorm.DB
}

// NewGormCredentialRepository 创建基于 GORM 的 CredentialRepository。
func NewGormCredentialRepository(db *gorm.DB) CredentialRepository {
	return &gormCredentialRepository{db: db}
}

func (r *gormCredentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	err := r.db.WithContext(ctx).Create(cred).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateLogin
	}
	return err
}

func (r *gormCredentialRepository) GetByLogin(ctx context.Context, loginKey string) (*models.Credential, error) {
	var cred models.Credential
	err := r.db.WithContext(ctx).Where("login_key = ?", loginKey).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询凭据失败: %w", err)
	}
	return &cred, nil
}

func (r *gormCredentialRepository) Delete(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.Credential{}).Error
}

// memoryCredentialRepository 是进程内实现，用于 DATABASE.TYPE=memory 和测试。
type memoryCredentialRepository struct {
	mu      sync.RWMutex
	byLogin map[string]models.Credential
}

// NewMemoryCredentialRepository 创建内存中的 CredentialRepository。
func NewMemoryCredentialRepository() CredentialRepository {
	return &memoryCredentialRepository{byLogin: make(map[string]models.Credential)}
}

func (r *memoryCredentialRepository) Create(_ context.Context, cred *models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byLogin[cred.LoginKey]; ok {
		return ErrDuplicateLogin
	}
	r.byLogin[cred.LoginKey] = *cred
	return nil
}

func (r *memoryCredentialRepository) GetByLogin(_ context.Context, loginKey string) (*models.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cred, ok := r.byLogin[loginKey]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return &cred, nil
}

func (r *memoryCredentialRepository) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.byLogin {
		if c.UserID == userID {
			delete(r.byLogin, k)
		}
	}
	return nil
}
