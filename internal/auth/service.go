package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const RoleAdmin = "admin"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrNotConfigured      = errors.New("admin login not configured")
)

// Claims identify an authenticated operator.
type Claims struct {
	Subject string
	Role    string
}

type Service interface {
	Login(ctx context.Context, username, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (Claims, error)
	TokenTTL() time.Duration
}

type service struct {
	username string
	hash     []byte
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

// NewService authenticates a single operator whose password is stored as a
// bcrypt hash. An empty hash disables Login but still validates tokens.
func NewService(username, passHash, secret string) *service {
	return &service{
		username: username,
		hash:     []byte(passHash),
		secret:   []byte(secret),
		ttl:      12 * time.Hour,
		now:      time.Now,
	}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

func (s *service) TokenTTL() time.Duration { return s.ttl }

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

func (s *service) Login(_ context.Context, username, password string) (string, error) {
	if len(s.hash) == 0 {
		return "", ErrNotConfigured
	}
	if username != s.username {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(s.hash, []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.issueToken(username, RoleAdmin)
}

func (s *service) issueToken(subject, role string) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(_ context.Context, token string) (Claims, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: c.Subject, Role: c.Role}, nil
}
