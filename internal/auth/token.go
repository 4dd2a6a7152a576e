package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the signed access-token payload. The uid claim must be numeric;
// a structurally wrong payload fails verification rather than degrading.
type Claims struct {
	UserID int64    `json:"uid"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// Codec signs and verifies short-lived stateless access tokens with HS256.
// Revocation is not its concern; storage is the source of truth for that.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewCodec constructs a Codec. The secret must be non-empty.
func NewCodec(secret, issuer string) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is not configured")
	}
	return &Codec{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		now:    time.Now,
	}, nil
}

// WithClock overrides the time source, for tests.
func (c *Codec) WithClock(fn func() time.Time) *Codec {
	if fn != nil {
		c.now = fn
	}
	return c
}

// NewJTI returns a fresh unique token identifier.
func NewJTI() string {
	return uuid.NewString()
}

// Sign issues a token for the user with the given roles and jti.
func (c *Codec) Sign(userID int64, roles []string, jti string, ttl time.Duration) (string, time.Time, error) {
	if userID <= 0 {
		return "", time.Time{}, errors.New("auth: user id is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("auth: ttl must be greater than zero")
	}
	if strings.TrimSpace(jti) == "" {
		return "", time.Time{}, errors.New("auth: jti is required")
	}

	now := c.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		UserID: userID,
		Roles:  NormalizeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify checks the signature and required claims. Every failure mode maps to
// ErrInvalidToken; the caller never learns whether a token was expired,
// tampered, or malformed.
func (c *Codec) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := c.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	claims.Roles = NormalizeRoles(claims.Roles)
	return claims, nil
}

// DecodeUnsafe parses the payload without verifying the signature. Only for
// logout, where the action is destructive cleanup: knowing jti and exp is
// enough and presenting a forged token gains nothing.
func (c *Codec) DecodeUnsafe(token string) *Claims {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.UserID <= 0 {
		return nil
	}
	return &claims
}

func (c *Codec) validateClaims(claims *Claims) error {
	if claims.UserID <= 0 {
		return errors.New("uid missing")
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return errors.New("unexpected issuer")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := c.now().UTC()
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
