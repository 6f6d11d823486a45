package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/royengg/yunami-bot/internal/models"
	"github.com/royengg/yunami-bot/internal/repository"
)

func TestMemoryInviteRepository(t *testing.T) {
	repo := repository.NewMemoryInviteRepository()
	ctx := context.Background()
	partyID := uuid.New()

	t.Run("Save and resolve", func(t *testing.T) {
		require.NoError(t, repo.SaveCode(ctx, "ABC234", partyID, time.Hour))
		resolved, err := repo.ResolveCode(ctx, "ABC234")
		require.NoError(t, err)
		assert.Equal(t, partyID, resolved)
	})

	t.Run("Unknown code", func(t *testing.T) {
		_, err := repo.ResolveCode(ctx, "ZZZZZZ")
		assert.ErrorIs(t, err, models.ErrInviteCodeNotFound)
	})

	t.Run("Expired code is rejected", func(t *testing.T) {
		require.NoError(t, repo.SaveCode(ctx, "EXPIRD", partyID, -time.Second))
		_, err := repo.ResolveCode(ctx, "EXPIRD")
		assert.ErrorIs(t, err, models.ErrInviteCodeNotFound)
	})

	t.Run("Delete removes the code", func(t *testing.T) {
		require.NoError(t, repo.SaveCode(ctx, "GONE42", partyID, time.Hour))
		require.NoError(t, repo.DeleteCode(ctx, "GONE42"))
		_, err := repo.ResolveCode(ctx, "GONE42")
		assert.ErrorIs(t, err, models.ErrInviteCodeNotFound)
	})
}
