package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fluxur-go/internal/auth"
	"fluxur-go/internal/codec"
	"fluxur-go/internal/common"
	"fluxur-go/internal/config"
	"fluxur-go/internal/logging"
	"fluxur-go/internal/models"
	"fluxur-go/internal/replica"
	"fluxur-go/internal/storage"
)

func TestRegister_DuplicateLoginIsCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.identity.Register(ctx, "Alice", "alice", "pw1")
	require.NoError(t, err)

	for _, login := range []string{"alice", "ALICE", "  Alice "} {
		_, err = env.identity.Register(ctx, "Other", login, "pw2")
		assert.ErrorIs(t, err, common.ErrLoginTaken, login)
	}
}

// 两个注册请求同时通过了登录名检查时，由数据库唯一索引兜底。
func TestRegister_UniqueViolationFromDatabase(t *testing.T) {
	env := newTestEnv(t)
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		TranslateError:         true,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	cfg := config.Config{
		Auth:     config.AuthConfig{JWTSecretKey: "test-secret", JWTExpiry: time.Hour},
		Identity: config.IdentityConfig{DeveloperLogin: developerLogin},
	}
	identity := NewIdentityService(storage.NewGormCredentialRepository(gdb), env.writer, cfg, logging.Nop())

	mock.ExpectQuery(`SELECT \* FROM "credentials" WHERE login_key = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "login_key", "password_hash"}))
	mock.ExpectExec(`INSERT INTO "credentials"`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err = identity.Register(context.Background(), "Alice", "alice", "pw")
	assert.ErrorIs(t, err, common.ErrLoginTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_MissingFields(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name, login, password string
	}{
		{"", "alice", "pw"},
		{"Alice", " ", "pw"},
		{"Alice", "alice", ""},
	}
	for _, tt := range tests {
		_, err := env.identity.Register(context.Background(), tt.name, tt.login, tt.password)
		assert.ErrorIs(t, err, common.ErrMissingField)
	}
}

func TestRegister_AIloginReserved(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.identity.Register(context.Background(), "Fake", models.AIUserLogin, "pw")
	assert.ErrorIs(t, err, common.ErrLoginTaken)
}

func TestRegister_PasswordNeverReplicated(t *testing.T) {
	env := newTestEnv(t)
	u := env.register(t, "Alice", "alice")

	rec, err := env.store.Get(context.Background(), replica.Path(replica.CollectionUsers, u.ID))
	require.NoError(t, err)
	for field, value := range rec {
		assert.NotContains(t, field, "password")
		assert.NotContains(t, value, "pw-alice")
	}
	decoded, err := codec.DecodeUser(rec)
	require.NoError(t, err)
	assert.Equal(t, u, decoded)
	assert.Equal(t, models.ThemeDark, decoded.Theme)
	assert.Equal(t, models.RoleUser, decoded.Role)
}

func TestRegister_DeveloperLoginGetsDeveloperRole(t *testing.T) {
	env := newTestEnv(t)
	dev := env.register(t, "Stephan", "Stephan_Rogovoy")
	assert.Equal(t, models.RoleDeveloper, dev.Role)
	assert.True(t, dev.IsPremium)
	assert.Equal(t, models.PremiumActive, dev.PremiumStatus)
}

func TestRegister_StoreFailureRollsBackCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store.setFailing(true)
	_, err := env.identity.Register(ctx, "Alice", "alice", "pw")
	require.ErrorIs(t, err, common.ErrExternalStore)

	env.store.setFailing(false)
	u, err := env.identity.Register(ctx, "Alice", "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Login)
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "Alice", "alice")

	got, err := env.identity.Authenticate(ctx, "ALICE", "pw-alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, got.ID)

	_, err = env.identity.Authenticate(ctx, "alice", "PW-ALICE")
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)

	_, err = env.identity.Authenticate(ctx, "nobody", "pw")
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)
}

func TestAuthenticate_BlockedUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "Alice", "alice")

	_, err := env.identity.SetBlocked(ctx, alice.ID, true)
	require.NoError(t, err)

	_, err = env.identity.Authenticate(ctx, "alice", "pw-alice")
	assert.ErrorIs(t, err, common.ErrAccountBlocked)
}

func TestAuthenticate_DeveloperIgnoresBlock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	dev := env.developer(t)

	_, err := env.identity.SetBlocked(ctx, dev.ID, true)
	require.NoError(t, err)

	got, err := env.identity.Authenticate(ctx, developerLogin, "pw-"+developerLogin)
	require.NoError(t, err)
	assert.True(t, got.IsBlocked)
}

func TestLogin_IssuesValidToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "Alice", "alice")

	token, user, err := env.identity.Login(ctx, "alice", "pw-alice")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, user.ID)

	claims, err := auth.ValidateToken(ctx, token, "test-secret", nil)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, claims.UserID)
	assert.Equal(t, "alice", claims.Login)
}

func TestSetBlocked_WritesOnlyTheFlag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "Alice", "alice")

	updated, err := env.identity.SetBlocked(ctx, alice.ID, true)
	require.NoError(t, err)
	assert.True(t, updated.IsBlocked)
	assert.Equal(t, replica.Record{codec.FieldIsBlocked: "true"}, env.store.lastPut())

	// 重复设置不会再写入
	puts := env.store.putCount()
	_, err = env.identity.SetBlocked(ctx, alice.ID, true)
	require.NoError(t, err)
	assert.Equal(t, puts, env.store.putCount())
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.register(t, "Alice", "alice")

	name := "Alice Liddell"
	theme := models.ThemeForest
	pending := models.PremiumPending
	got, err := env.identity.UpdateProfile(ctx, alice.ID, ProfileUpdate{Name: &name, Theme: &theme, PremiumStatus: &pending})
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)
	assert.Equal(t, models.ThemeForest, got.Theme)
	assert.Equal(t, models.PremiumPending, got.PremiumStatus)
	assert.False(t, got.IsPremium)

	stored, err := env.identity.GetUser(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, got, stored)

	bad := models.Theme("neon")
	_, err = env.identity.UpdateProfile(ctx, alice.ID, ProfileUpdate{Theme: &bad})
	assert.ErrorIs(t, err, common.ErrInvalidField)

	active := models.PremiumActive
	_, err = env.identity.UpdateProfile(ctx, alice.ID, ProfileUpdate{PremiumStatus: &active})
	assert.ErrorIs(t, err, common.ErrNotAuthorized)
}

func TestListUsersIncludesAI(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "Bob", "bob")
	env.register(t, "Alice", "alice")

	users := env.identity.ListUsers(context.Background())
	require.Len(t, users, 3)
	assert.Equal(t, "alice", users[0].Login)
	assert.Equal(t, "bob", users[1].Login)
	assert.Equal(t, models.AIUserLogin, users[2].Login)
}
