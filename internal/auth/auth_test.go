package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) *service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return NewService("admin", string(hash), "test-secret")
}

// ---- 1. TestLoginAndValidate

func TestLoginAndValidate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Login(ctx, "admin", "s3cret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	c, err := svc.ValidateToken(ctx, tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Subject != "admin" || c.Role != RoleAdmin {
		t.Fatalf("claims = %+v", c)
	}

	if _, err := svc.Login(ctx, "admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := svc.Login(ctx, "root", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong user: %v", err)
	}
}

// ---- 2. TestValidateRejectsForeignAndExpired

func TestValidateRejectsForeignAndExpired(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	other := NewService("admin", "", "other-secret")
	foreign, err := other.issueToken("admin", RoleAdmin)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, foreign); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign token: %v", err)
	}

	tok, err := svc.issueToken("admin", RoleAdmin)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	if _, err := svc.ValidateToken(ctx, tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: %v", err)
	}
}

// ---- 3. TestLoginDisabledWithoutHash

func TestLoginDisabledWithoutHash(t *testing.T) {
	svc := NewService("admin", "", "secret")
	if _, err := svc.Login(context.Background(), "admin", "x"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

// ---- 4. TestHandlerLogin

func TestHandlerLogin(t *testing.T) {
	h := NewHandler(newTestService(t), nil)

	rec := httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"username":"admin","password":"s3cret"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Token == "" {
		t.Fatalf("decode token: %v %+v", err, resp)
	}
	if resp.TokenType != "Bearer" || resp.ExpiresIn != 12*3600 {
		t.Errorf("unexpected token metadata: %+v", resp)
	}

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"username":"admin","password":"nope"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
