package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fluxur-go/internal/models"
)

func newGormRepoWithMock(t *testing.T) (CredentialRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		TranslateError:         true,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return NewGormCredentialRepository(gdb), mock
}

func TestGormCredentialRepository_Create(t *testing.T) {
	repo, mock := newGormRepoWithMock(t)

	mock.ExpectExec(`INSERT INTO "credentials"`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", "alice", "h").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), &models.Credential{UserID: "u1", LoginKey: "alice", PasswordHash: "h"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormCredentialRepository_CreateDuplicateKey(t *testing.T) {
	repo, mock := newGormRepoWithMock(t)

	// 23505: unique_violation
	mock.ExpectExec(`INSERT INTO "credentials"`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := repo.Create(context.Background(), &models.Credential{UserID: "u2", LoginKey: "alice", PasswordHash: "h"})
	assert.ErrorIs(t, err, ErrDuplicateLogin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormCredentialRepository_CreateDBError(t *testing.T) {
	repo, mock := newGormRepoWithMock(t)

	mock.ExpectExec(`INSERT INTO "credentials"`).WillReturnError(errors.New("db down"))

	err := repo.Create(context.Background(), &models.Credential{UserID: "u3", LoginKey: "bob", PasswordHash: "h"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateLogin)
	assert.ErrorContains(t, err, "db down")
}

func TestGormCredentialRepository_GetByLogin(t *testing.T) {
	repo, mock := newGormRepoWithMock(t)

	rows := sqlmock.NewRows([]string{"user_id", "login_key", "password_hash"}).AddRow("u1", "alice", "h")
	mock.ExpectQuery(`SELECT \* FROM "credentials" WHERE login_key = \$1`).WillReturnRows(rows)
	mock.ExpectQuery(`SELECT \* FROM "credentials" WHERE login_key = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "login_key", "password_hash"}))
	mock.ExpectQuery(`SELECT \* FROM "credentials" WHERE login_key = \$1`).WillReturnError(errors.New("connection reset"))

	cred, err := repo.GetByLogin(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", cred.UserID)
	assert.Equal(t, "h", cred.PasswordHash)

	_, err = repo.GetByLogin(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	_, err = repo.GetByLogin(context.Background(), "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCredentialNotFound)
	assert.ErrorContains(t, err, "查询凭据失败")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormCredentialRepository_Delete(t *testing.T) {
	repo, mock := newGormRepoWithMock(t)

	mock.ExpectExec(`DELETE FROM "credentials" WHERE user_id = \$1`).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delete(context.Background(), "u1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
