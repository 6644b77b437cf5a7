// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uhcare/recoveryd/internal/repository"
	"github.com/uhcare/recoveryd/internal/testutil"
)

func TestGetUserByEmail_CaseInsensitive(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, repo, "Test@Example.com", "initial-password")

	for _, email := range []string{"test@example.com", "TEST@EXAMPLE.COM", "Test@Example.com", "  test@example.com "} {
		got, err := repo.GetUserByEmail(ctx, email)
		require.NoError(t, err, "lookup with %q", email)
		assert.Equal(t, user.ID, got.ID)
	}
}

func TestGetUserByEmail_NotFound(t *testing.T) {
	_, repo := testutil.NewTestDB(t)

	_, err := repo.GetUserByEmail(context.Background(), "ghost@example.com")

	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateUserPassword(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	ctx := context.Background()

	user := testutil.NewTestUser(t, repo, "test@example.com", "initial-password")

	err := repo.UpdateUserPassword(ctx, user.ID, "new-hash")
	require.NoError(t, err)

	got, err := repo.GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", got.PasswordHash)
}
