package storage

import (
	"context"
	"testing"

	"fluxur-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCredentialRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryCredentialRepository()

	require.NoError(t, repo.Create(ctx, &models.Credential{UserID: "u1", LoginKey: "alice", PasswordHash: "h"}))
	assert.ErrorIs(t, repo.Create(ctx, &models.Credential{UserID: "u2", LoginKey: "alice"}), ErrDuplicateLogin)

	cred, err := repo.GetByLogin(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", cred.UserID)

	require.NoError(t, repo.Delete(ctx, "u1"))
	_, err = repo.GetByLogin(ctx, "alice")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}
