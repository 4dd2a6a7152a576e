package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRoles(t *testing.T) {
	assert.Nil(t, NormalizeRoles(nil))
	assert.Nil(t, NormalizeRoles([]string{}))
	assert.Equal(t, []string{"member"}, NormalizeRoles([]string{"Member", " MEMBER "}))
	assert.Equal(t, []string{"admin", "board"}, NormalizeRoles([]string{"admin", "board", "superuser", ""}))
	assert.Nil(t, NormalizeRoles([]string{"superuser", "root"}))
}

func TestIdentityContextRoundTrip(t *testing.T) {
	identity := Identity{UserID: 7, Roles: []string{RoleMember, RoleBoard}}
	ctx := ContextWithIdentity(context.Background(), identity)

	got, ok := IdentityFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, identity, got)

	_, ok = IdentityFromContext(context.Background())
	assert.False(t, ok)

	assert.True(t, HasRole(ctx, RoleBoard))
	assert.False(t, HasRole(ctx, RoleAdmin))
	assert.False(t, HasRole(context.Background(), RoleMember))
}
