package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/duangjit/backend/internal/handlers"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries a bearer token for the admin API.
type LoginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"` // seconds
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// Login exchanges the operator's credentials for a token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		reject(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		reject(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Username == "" || req.Password == "" {
		reject(w, http.StatusBadRequest, "missing username or password")
		return
	}

	token, err := h.svc.Login(r.Context(), req.Username, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidCredentials):
		h.log.Warn("admin login rejected", "username", req.Username)
		reject(w, http.StatusUnauthorized, "invalid credentials")
		return
	case errors.Is(err, ErrNotConfigured):
		reject(w, http.StatusServiceUnavailable, "admin login disabled")
		return
	default:
		h.log.Error("login failed", "error", err)
		reject(w, http.StatusInternalServerError, "login failed")
		return
	}

	handlers.WriteJSON(w, http.StatusOK, LoginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(h.svc.TokenTTL().Seconds()),
	})
}

func reject(w http.ResponseWriter, status int, msg string) {
	handlers.WriteJSON(w, status, map[string]string{"error": msg})
}
