package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"signupflow/internal/identity/models"
	"signupflow/internal/identity/service"
	id "signupflow/pkg/domain"
	dErrors "signupflow/pkg/domain-errors"
	"signupflow/pkg/platform/httputil"
	"signupflow/pkg/platform/middleware/auth"
	"signupflow/pkg/requestcontext"
)

// Numeric API codes carried next to the string error code.
const (
	CodeUserNotFound       = 1001
	CodeUserAlreadyExists  = 1002
	CodeInvalidCredentials = 1003
	CodeUserInactive       = 1004
	CodeInvalidInput       = 1005
	CodeDatabaseError      = 1006
	CodeValidationError    = 1007

	CodeUserRegistered     = 2001
	CodeUserLoggedIn       = 2002
	CodeUserRetrieved      = 2003
)

// Service is the account lifecycle as seen by the API.
type Service interface {
	Register(ctx context.Context, username, email, password string) (*service.RegisterResult, error)
	Login(ctx context.Context, identifier, password string) (*service.LoginResult, error)
	GetUser(ctx context.Context, userID id.UserID) (*models.User, error)
}

type Handler struct {
	service   Service
	validator auth.TokenValidator
	logger    *slog.Logger
	limit     func(class string) func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithRateLimit guards register and login with limit, keyed by route class.
func WithRateLimit(limit func(class string) func(http.Handler) http.Handler) Option {
	return func(h *Handler) { h.limit = limit }
}

func New(service Service, validator auth.TokenValidator, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{service: service, validator: validator, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(r chi.Router) {
	r.With(h.limited("register")...).Post("/auth/register", h.handleRegister)
	r.With(h.limited("login")...).Post("/auth/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(h.validator, h.logger))
		r.Get("/auth/me", h.handleMe)
		r.Get("/users/{userID}", h.handleGetUser)
	})
}

func (h *Handler) limited(class string) []func(http.Handler) http.Handler {
	if h.limit == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{h.limit(class)}
}

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SuccessResponse struct {
	SuccessCode int    `json:"success_code"`
	Message     string `json:"message,omitempty"`
	Data        any    `json:"data"`
}

type UserResponse struct {
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

type LoginResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        UserResponse `json:"user"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := httputil.DecodeJSON[RegisterRequest](r)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	res, err := h.service.Register(ctx, req.Username, req.Email, req.Password)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, SuccessResponse{
		SuccessCode: CodeUserRegistered,
		Message:     res.Warning,
		Data:        userResponse(res.User),
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := httputil.DecodeJSON[LoginRequest](r)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	res, err := h.service.Login(ctx, req.Username, req.Password)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SuccessResponse{
		SuccessCode: CodeUserLoggedIn,
		Data: LoginResponse{
			AccessToken: res.Token,
			TokenType:   "Bearer",
			ExpiresAt:   res.ExpiresAt,
			User:        userResponse(res.User),
		},
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	h.writeUser(w, r, requestcontext.UserID(r.Context()))
}

// handleGetUser only serves the caller's own account; other ids read as
// not found.
func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if userID != requestcontext.UserID(ctx) {
		h.writeError(ctx, w, dErrors.New(dErrors.CodeNotFound, "user not found"))
		return
	}
	h.writeUser(w, r, userID)
}

func (h *Handler) writeUser(w http.ResponseWriter, r *http.Request, userID id.UserID) {
	ctx := r.Context()
	user, err := h.service.GetUser(ctx, userID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SuccessResponse{
		SuccessCode: CodeUserRetrieved,
		Data:        userResponse(user),
	})
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"code", string(code),
		"error", err,
	}
	if httputil.StatusFor(code) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "identity request failed", attrs...)
	} else {
		h.logger.WarnContext(ctx, "identity request rejected", attrs...)
	}
	httputil.WriteErrorCode(w, err, numericCode(code))
}

func numericCode(code dErrors.Code) int {
	switch code {
	case dErrors.CodeNotFound:
		return CodeUserNotFound
	case dErrors.CodeConflict:
		return CodeUserAlreadyExists
	case dErrors.CodeUnauthorized:
		return CodeInvalidCredentials
	case dErrors.CodeForbidden:
		return CodeUserInactive
	case dErrors.CodeBadRequest, dErrors.CodeInvalidInput, dErrors.CodeInvalidParameter:
		return CodeInvalidInput
	case dErrors.CodeValidation:
		return CodeValidationError
	case dErrors.CodeStoreUnavailable, dErrors.CodeTimeout:
		return CodeDatabaseError
	default:
		return 0
	}
}

func userResponse(u *models.User) UserResponse {
	return UserResponse{
		UserID:      u.ID.String(),
		Username:    u.Username,
		Email:       u.Email,
		IsActive:    u.IsActive,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}
