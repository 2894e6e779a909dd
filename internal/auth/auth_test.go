package auth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRoles map[string][]string

func (s staticRoles) Roles(_ context.Context, userID string) ([]string, error) {
	r, ok := s[userID]
	if !ok {
		return nil, errors.New("user not found")
	}
	return r, nil
}

func TestGenerateAndAuthenticate(t *testing.T) {
	m := NewManager(NewMemoryStore(), staticRoles{"usr_1": {RoleUser}})
	ctx := context.Background()

	raw, key, err := m.GenerateKey(ctx, "usr_1", "mobile")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "hf_"))
	assert.NotEqual(t, raw, key.Hash)

	actor, err := m.Authenticate(ctx, "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, "usr_1", actor.UserID)
	assert.False(t, actor.IsAdmin())
}

func TestAuthenticateRejects(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := m.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrNoAPIKey)
	_, err = m.Authenticate(ctx, "sk_wrongprefix")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = m.Authenticate(ctx, "hf_unknown")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestRevokedKeyRejected(t *testing.T) {
	m := NewManager(NewMemoryStore(), nil)
	ctx := context.Background()

	raw, key, err := m.GenerateKey(ctx, "usr_1", "")
	require.NoError(t, err)
	require.NoError(t, m.RevokeKey(ctx, key.ID, "usr_1"))

	_, err = m.Authenticate(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	assert.ErrorIs(t, m.RevokeKey(ctx, "ak_missing", "usr_1"), ErrKeyNotFound)
}

func TestImportKeyIsIdempotent(t *testing.T) {
	m := NewManager(NewMemoryStore(), staticRoles{"admin": {RoleUser, RoleAdmin}})
	ctx := context.Background()

	k1, err := m.ImportKey(ctx, "admin", "hf_bootstrap", "bootstrap")
	require.NoError(t, err)
	k2, err := m.ImportKey(ctx, "admin", "hf_bootstrap", "bootstrap")
	require.NoError(t, err)
	assert.Equal(t, k1.ID, k2.ID)

	actor, err := m.Authenticate(ctx, "hf_bootstrap")
	require.NoError(t, err)
	assert.True(t, actor.IsAdmin())

	_, err = m.ImportKey(ctx, "admin", "plain", "")
	assert.Error(t, err)
}

func TestActorRequireAdmin(t *testing.T) {
	assert.ErrorIs(t, Actor{UserID: "u", Roles: []string{RoleUser}}.RequireAdmin(), ErrAdminOnly)
	assert.NoError(t, System.RequireAdmin())
}
