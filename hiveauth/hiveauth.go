// Package hiveauth issues and validates the bearer tokens every hive RPC
// except Bonjour/Login requires. User and workspace storage is an
// in-memory map; this is enough to authenticate against, not a real
// admin surface (see SPEC_FULL.md's external-interfaces boundary notes).
package hiveauth

import (
	"sync"
	"time"

	"github.com/crv-vcs/crv/crverr"
	"github.com/golang-jwt/jwt/v4"
)

// DefaultTTL is how long a freshly issued token is valid for.
const DefaultTTL = 2 * time.Hour

// DefaultRenewWithin is the remaining-lifetime threshold at or below which
// ShouldRenew reports true.
const DefaultRenewWithin = 45 * time.Minute

// Token is an issued bearer token and the metadata a caller needs to
// decide whether to renew it.
type Token struct {
	Raw       string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type claims struct {
	jwt.RegisteredClaims
}

// Issuer mints and validates JWT bearer tokens signed with a single
// shared secret.
type Issuer struct {
	secret      []byte
	ttl         time.Duration
	renewWithin time.Duration
}

// NewIssuer constructs an Issuer. ttl/renewWithin of zero fall back to
// DefaultTTL/DefaultRenewWithin.
func NewIssuer(secret []byte, ttl, renewWithin time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if renewWithin <= 0 {
		renewWithin = DefaultRenewWithin
	}
	return &Issuer{secret: secret, ttl: ttl, renewWithin: renewWithin}
}

// Issue mints a new bearer token for subject (typically a username).
func (iss *Issuer) Issue(subject string) (Token, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(iss.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	raw, err := tok.SignedString(iss.secret)
	if err != nil {
		return Token{}, crverr.Wrap(crverr.Internal, err, "sign token for %s", subject)
	}
	return Token{Raw: raw, Subject: subject, IssuedAt: now, ExpiresAt: expiresAt}, nil
}

// Validate parses and verifies raw, returning the token it represents.
// An expired, malformed, or mis-signed token is crverr.Unauthenticated.
func (iss *Issuer) Validate(raw string) (Token, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, crverr.New(crverr.Unauthenticated, "unexpected signing method %v", t.Header["alg"])
		}
		return iss.secret, nil
	})
	if err != nil {
		return Token{}, crverr.Wrap(crverr.Unauthenticated, err, "invalid bearer token")
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Token{}, crverr.New(crverr.Unauthenticated, "invalid bearer token")
	}
	return Token{
		Raw:       raw,
		Subject:   c.Subject,
		IssuedAt:  c.IssuedAt.Time,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}

// ShouldRenew reports whether tok's remaining lifetime has dropped to or
// below the issuer's renew-within threshold. hive.Server does not call it,
// so no response in this module carries a renewed token.
func (iss *Issuer) ShouldRenew(tok Token) bool {
	return time.Until(tok.ExpiresAt) <= iss.renewWithin
}

// Renew issues a fresh token for the same subject, preserving continuity
// of identity across the renewal.
func (iss *Issuer) Renew(tok Token) (Token, error) {
	return iss.Issue(tok.Subject)
}

// User is a minimal account record: just enough to authenticate a
// Login() call against.
type User struct {
	Username     string
	PasswordHash string
}

// UserStore is an in-memory username -> User table, guarded by a mutex.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewUserStore constructs an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]User)}
}

// Upsert adds or replaces a user record.
func (s *UserStore) Upsert(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
}

// Get looks up a user by name.
func (s *UserStore) Get(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}
