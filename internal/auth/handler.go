package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/taskhive/backend/internal/apierr"
	"github.com/taskhive/backend/internal/httpx"
)

type Handler struct {
	Service *Service
	Logger  *slog.Logger
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Register handles POST /api/auth/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.ReadJSON(w, r, 1<<16, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if !strings.Contains(req.Email, "@") {
		httpx.Error(w, r, apierr.Validation("email is not valid"))
		return
	}
	if len(req.Password) < 8 {
		httpx.Error(w, r, apierr.Validation("password must be at least 8 characters"))
		return
	}
	if req.Name == "" {
		httpx.Error(w, r, apierr.Validation("name is required"))
		return
	}

	acc, err := h.Service.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			httpx.Error(w, r, apierr.Validation("email already registered"))
			return
		}
		h.Logger.Error("register account", "error", err)
		httpx.Error(w, r, err)
		return
	}
	httpx.OK(w, r, http.StatusCreated, acc)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /api/auth/login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.ReadJSON(w, r, 1<<16, &req); err != nil {
		httpx.Error(w, r, err)
		return
	}

	token, err := h.Service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			httpx.Error(w, r, apierr.Unauthorized("invalid email or password"))
			return
		}
		h.Logger.Error("login", "error", err)
		httpx.Error(w, r, err)
		return
	}
	httpx.OK(w, r, http.StatusOK, map[string]string{"token": token})
}

// Me handles GET /api/auth/me using the session token.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
		httpx.Error(w, r, apierr.Unauthorized("missing or malformed Authorization header"))
		return
	}
	acc, err := h.Service.ValidateToken(r.Context(), strings.TrimSpace(header[7:]))
	if err != nil {
		httpx.Error(w, r, apierr.Unauthorized("invalid or expired session token"))
		return
	}
	httpx.OK(w, r, http.StatusOK, acc)
}
