// Package auth identifies actors from HS256 bearer tokens. A token carries the
// user ID as subject and a list of roles; the bill engine authorizes each
// action from that identity.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSecret     = errors.New("auth: signing secret not configured")
)

// Role grants access to privileged actions.
type Role string

const (
	RoleUser     Role = "user"
	RoleResolver Role = "resolver"
	RoleAdmin    Role = "admin"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	return r == RoleUser || r == RoleResolver || r == RoleAdmin
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string `json:"userId"`
	Roles  []Role `json:"roles"`
}

// HasRole reports whether the identity carries r.
func (i *Identity) HasRole(r Role) bool {
	return i != nil && slices.Contains(i.Roles, r)
}

// Claims is the token payload.
type Claims struct {
	Roles []Role `json:"roles"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies actor tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenManager creates a token manager. An empty secret yields a manager
// that rejects every token.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: "releasegate",
		now:    time.Now,
	}
}

// Issue signs a token for userID with the given roles.
func (m *TokenManager) Issue(userID string, roles ...Role) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, ErrNoSecret
	}
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("auth: empty subject")
	}
	for _, r := range roles {
		if !ValidRole(r) {
			return "", time.Time{}, fmt.Errorf("auth: unknown role %q", r)
		}
	}

	now := m.now()
	exp := now.Add(m.ttl)
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    m.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse verifies a token and returns the identity it carries.
func (m *TokenManager) Parse(raw string) (*Identity, error) {
	if len(m.secret) == 0 {
		return nil, ErrNoSecret
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	roles := make([]Role, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		if ValidRole(r) {
			roles = append(roles, r)
		}
	}
	return &Identity{UserID: claims.Subject, Roles: roles}, nil
}
