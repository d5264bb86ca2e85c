package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"time"

	"github.com/reelcast/backend/internal/apperr"
)

// Request/response structs use snake_case JSON.

type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type Handler struct {
	svc          Service
	secureCookie bool
	log          *slog.Logger
}

func NewHandler(svc Service, secureCookie bool, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, secureCookie: secureCookie, log: log}
}

// POST /api/v1/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, h.log, apperr.Validation([]apperr.FieldError{{Field: "body", Message: "invalid JSON"}}))
		return
	}
	var fields []apperr.FieldError
	if _, err := mail.ParseAddress(req.Email); err != nil {
		fields = append(fields, apperr.FieldError{Field: "email", Message: "must be a valid email address"})
	}
	if len(req.Password) < 8 {
		fields = append(fields, apperr.FieldError{Field: "password", Message: "must be at least 8 characters"})
	}
	if req.DisplayName == "" {
		fields = append(fields, apperr.FieldError{Field: "display_name", Message: "is required"})
	}
	if len(fields) > 0 {
		apperr.Write(w, h.log, apperr.Validation(fields))
		return
	}
	acc, err := h.svc.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if errors.Is(err, ErrDuplicateEmail) {
		apperr.Write(w, h.log, apperr.Conflict("email already registered"))
		return
	}
	if err != nil {
		h.log.Error("register failed", "error", err)
		apperr.Write(w, h.log, err)
		return
	}
	apperr.WriteJSON(w, http.StatusCreated, acc)
}

// POST /api/v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Write(w, h.log, apperr.Validation([]apperr.FieldError{{Field: "body", Message: "invalid JSON"}}))
		return
	}
	if req.Email == "" || req.Password == "" {
		apperr.Write(w, h.log, apperr.Validation([]apperr.FieldError{{Field: "email", Message: "email and password are required"}}))
		return
	}
	token, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, ErrInvalidCredentials) {
		apperr.Write(w, h.log, apperr.Unauthenticated("invalid credentials"))
		return
	}
	if err != nil {
		h.log.Error("login failed", "error", err)
		apperr.Write(w, h.log, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(sessionTTL),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	apperr.WriteJSON(w, http.StatusOK, LoginResponse{Token: token})
}

// POST /api/v1/auth/logout
func (h *Handler) Logout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}
