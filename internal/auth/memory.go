package auth

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-process concurrency safety. It backs
// development mode and tests; semantics match the Postgres store, including
// the conditional revoke used as the rotation lock.
type MemoryStore struct {
	mu sync.Mutex

	nextUserID int64
	users      map[int64]*User
	roles      map[int64][]string

	refreshTokens map[string]*RefreshToken
	resetTokens   map[string]*PasswordResetToken
	revokedJTIs   map[string]time.Time

	now func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[int64]*User),
		roles:         make(map[int64][]string),
		refreshTokens: make(map[string]*RefreshToken),
		resetTokens:   make(map[string]*PasswordResetToken),
		revokedJTIs:   make(map[string]time.Time),
		now:           time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (m *MemoryStore) WithClock(fn func() time.Time) *MemoryStore {
	if fn != nil {
		m.now = fn
	}
	return m
}

func (m *MemoryStore) Users(context.Context) UserStore   { return (*memoryUserStore)(m) }
func (m *MemoryStore) Tokens(context.Context) TokenStore { return (*memoryTokenStore)(m) }

type memoryUserStore MemoryStore

func (m *memoryUserStore) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrAlreadyExists
		}
	}
	m.nextUserID++
	u.ID = m.nextUserID
	u.CreatedAt = m.now().UTC()
	u.UpdatedAt = u.CreatedAt
	clone := *u
	m.users[u.ID] = &clone
	return nil
}

func (m *memoryUserStore) Find(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (m *memoryUserStore) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryUserStore) Roles(_ context.Context, userID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.roles[userID]...), nil
}

func (m *memoryUserStore) AssignRole(_ context.Context, userID int64, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles[userID] {
		if r == role {
			return nil
		}
	}
	m.roles[userID] = append(m.roles[userID], role)
	return nil
}

func (m *memoryUserStore) UpdatePasswordHash(_ context.Context, userID int64, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = m.now().UTC()
	return nil
}

func (m *memoryUserStore) StampRevokedAt(_ context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	u.RevokedAt = &at
	return nil
}

type memoryTokenStore MemoryStore

func (m *memoryTokenStore) RevokeJTI(_ context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := HashToken(jti)
	if _, ok := m.revokedJTIs[hash]; !ok {
		m.revokedJTIs[hash] = expiresAt
	}
	return nil
}

func (m *memoryTokenStore) IsJTIRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revokedJTIs[HashToken(jti)]
	return ok, nil
}

func (m *memoryTokenStore) CreateRefreshToken(_ context.Context, rawToken string, userID int64, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := HashToken(rawToken)
	m.refreshTokens[hash] = &RefreshToken{
		TokenHash: hash,
		UserID:    userID,
		ExpiresAt: expiresAt,
		CreatedAt: m.now().UTC(),
	}
	return nil
}

func (m *memoryTokenStore) FindRefreshToken(_ context.Context, rawToken string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refreshTokens[HashToken(rawToken)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rt
	return &clone, nil
}

func (m *memoryTokenStore) MarkRefreshTokenRevoked(_ context.Context, rawToken string, replacedByHash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refreshTokens[HashToken(rawToken)]
	if !ok || rt.Revoked {
		return 0, nil
	}
	now := m.now().UTC()
	rt.Revoked = true
	rt.LastUsedAt = &now
	if replacedByHash != "" {
		rt.ReplacedBy = &replacedByHash
	}
	return 1, nil
}

func (m *memoryTokenStore) DeleteRefreshToken(_ context.Context, rawToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refreshTokens, HashToken(rawToken))
	return nil
}

func (m *memoryTokenStore) RevokeAllRefreshTokensForUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, rt := range m.refreshTokens {
		if rt.UserID == userID {
			delete(m.refreshTokens, hash)
		}
	}
	return nil
}

func (m *memoryTokenStore) CreateResetToken(_ context.Context, rawToken string, userID int64, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := HashToken(rawToken)
	m.resetTokens[hash] = &PasswordResetToken{
		TokenHash: hash,
		UserID:    userID,
		ExpiresAt: expiresAt,
		CreatedAt: m.now().UTC(),
	}
	return nil
}

func (m *memoryTokenStore) FindResetToken(_ context.Context, rawToken string) (*PasswordResetToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.resetTokens[HashToken(rawToken)]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rt
	return &clone, nil
}

func (m *memoryTokenStore) DeleteResetToken(_ context.Context, rawToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resetTokens, HashToken(rawToken))
	return nil
}

func (m *memoryTokenStore) CleanupExpiredRevocations(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for hash, exp := range m.revokedJTIs {
		if now.After(exp) {
			delete(m.revokedJTIs, hash)
			n++
		}
	}
	return n, nil
}

func (m *memoryTokenStore) CleanupExpiredRefreshTokens(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for hash, rt := range m.refreshTokens {
		if now.After(rt.ExpiresAt) {
			delete(m.refreshTokens, hash)
			n++
		}
	}
	return n, nil
}

func (m *memoryTokenStore) CleanupExpiredResetTokens(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	now := m.now()
	for hash, rt := range m.resetTokens {
		if now.After(rt.ExpiresAt) {
			delete(m.resetTokens, hash)
			n++
		}
	}
	return n, nil
}
