package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPGStore(db), mock
}

func TestUserStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectQuery(`insert into users`).
		WithArgs("member@example.org", "hash").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(7), now, now))

	u := &User{Email: "member@example.org", PasswordHash: "hash"}
	require.NoError(t, store.Users(ctx).Create(ctx, u))
	assert.Equal(t, int64(7), u.ID)
}

func TestUserStoreCreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`insert into users`).
		WithArgs("member@example.org", "hash").
		WillReturnError(errors.New(`ERROR: duplicate key value violates unique constraint "users_email_key" (SQLSTATE 23505)`))

	err := store.Users(ctx).Create(ctx, &User{Email: "member@example.org", PasswordHash: "hash"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestUserStoreFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`select id, email, password_hash, revoked_at, created_at, updated_at from users where id`).
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Users(ctx).Find(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserStoreFindWithRevokedAt(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	revoked := now.Add(-time.Hour)

	mock.ExpectQuery(`select id, email, password_hash, revoked_at, created_at, updated_at from users where id`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "email", "password_hash", "revoked_at", "created_at", "updated_at"},
		).AddRow(int64(7), "member@example.org", "hash", revoked, now, now))

	u, err := store.Users(ctx).Find(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, u.RevokedAt)
	assert.True(t, u.RevokedAt.Equal(revoked))
}

func TestUserStoreStampRevokedAtMissingUser(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`update users set revoked_at`).
		WithArgs(int64(404), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Users(ctx).StampRevokedAt(ctx, 404, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTokenStoreMarkRefreshTokenRevoked(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	raw := "raw-refresh-token"
	successor := HashToken("successor")

	// First rotation wins.
	mock.ExpectExec(`update refresh_tokens\s+set revoked=true`).
		WithArgs(HashToken(raw), successor).
		WillReturnResult(sqlmock.NewResult(0, 1))

	affected, err := store.Tokens(ctx).MarkRefreshTokenRevoked(ctx, raw, successor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	// Second attempt on the same token hits revoked=false no longer matching.
	mock.ExpectExec(`update refresh_tokens\s+set revoked=true`).
		WithArgs(HashToken(raw), successor).
		WillReturnResult(sqlmock.NewResult(0, 0))

	affected, err = store.Tokens(ctx).MarkRefreshTokenRevoked(ctx, raw, successor)
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)
}

func TestTokenStoreFindRefreshTokenStoresHashOnly(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	raw := "raw-refresh-token"
	mock.ExpectQuery(`select token_hash, user_id, expires_at, created_at, last_used_at, revoked, replaced_by`).
		WithArgs(HashToken(raw)).
		WillReturnRows(sqlmock.NewRows(
			[]string{"token_hash", "user_id", "expires_at", "created_at", "last_used_at", "revoked", "replaced_by"},
		).AddRow(HashToken(raw), int64(7), now.Add(time.Hour), now, nil, false, nil))

	rt, err := store.Tokens(ctx).FindRefreshToken(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, HashToken(raw), rt.TokenHash)
	assert.Equal(t, int64(7), rt.UserID)
	assert.False(t, rt.Revoked)
	assert.Nil(t, rt.ReplacedBy)
}

func TestTokenStoreRevokeJTIIdempotent(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	mock.ExpectExec(`insert into revoked_access_tokens`).
		WithArgs(HashToken("jti-1"), exp.UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into revoked_access_tokens`).
		WithArgs(HashToken("jti-1"), exp.UTC()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Tokens(ctx).RevokeJTI(ctx, "jti-1", exp))
	require.NoError(t, store.Tokens(ctx).RevokeJTI(ctx, "jti-1", exp))
}

func TestTokenStoreIsJTIRevoked(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`select exists`).
		WithArgs(HashToken("jti-1")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	revoked, err := store.Tokens(ctx).IsJTIRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestTokenStoreCleanupCounts(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`delete from revoked_access_tokens where expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`delete from refresh_tokens where expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`delete from password_reset_tokens where expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tokens := store.Tokens(ctx)
	n, err := tokens.CleanupExpiredRevocations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = tokens.CleanupExpiredRefreshTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = tokens.CleanupExpiredResetTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHashTokenStable(t *testing.T) {
	assert.Equal(t, HashToken("value"), HashToken("value"))
	assert.NotEqual(t, HashToken("value"), HashToken("other"))
	assert.Len(t, HashToken("value"), 64)
}
