package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"signupflow/internal/platform/kafka/consumer"
	"signupflow/internal/verification/models"
	id "signupflow/pkg/domain"
	dErrors "signupflow/pkg/domain-errors"
	"signupflow/pkg/email"
	"signupflow/pkg/platform/httputil"
	"signupflow/pkg/requestcontext"
)

// Numeric API codes carried next to the string error code.
const (
	CodeEmailNotFound            = 2001
	CodeVerificationExpired      = 2002
	CodeVerificationInvalid      = 2003
	CodeEmailAlreadyVerified     = 2004
	CodeMaxAttemptsExceeded      = 2005
	CodeEmailSendFailed          = 2006
	CodeInvalidInput             = 2007
	CodeDatabaseError            = 2008
	CodeVerificationEmailSent    = 3001
	CodeVerificationEmailResent  = 3002
	CodeEmailVerified            = 3003
	CodeVerificationEmailPending = 3004
)

const (
	defaultAttemptLimit = 50
	maxAttemptLimit     = 500
)

// Service is the verification lifecycle as seen by the API.
type Service interface {
	Send(ctx context.Context, userID id.UserID, email, username string) (*models.Verification, bool, error)
	Resend(ctx context.Context, userID id.UserID) (*models.Verification, error)
	Verify(ctx context.Context, code string) (*models.Verification, error)
	Status(ctx context.Context, userID id.UserID) (models.Status, error)
}

// AttemptLister reads the delivery-attempt journal.
type AttemptLister interface {
	List(ctx context.Context, limit int) ([]consumer.Attempt, error)
}

type Handler struct {
	service  Service
	attempts AttemptLister
	logger   *slog.Logger
	limit    func(class string) func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithRateLimit guards resend and verify with limit, keyed by route class.
func WithRateLimit(limit func(class string) func(http.Handler) http.Handler) Option {
	return func(h *Handler) { h.limit = limit }
}

// New builds the handler. attempts may be nil when no journal is configured.
func New(service Service, attempts AttemptLister, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{service: service, attempts: attempts, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(r chi.Router) {
	r.Route("/email/verification", func(r chi.Router) {
		r.Post("/send", h.handleSend)
		r.With(h.limited("resend")...).Post("/resend", h.handleResend)
		r.With(h.limited("verify")...).Post("/verify", h.handleVerify)
		r.Get("/{userID}", h.handleStatus)
	})
	if h.attempts != nil {
		r.Get("/internal/delivery-attempts", h.handleListAttempts)
	}
}

type SendRequest struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

type ResendRequest struct {
	UserID string `json:"user_id"`
}

type VerifyRequest struct {
	Code string `json:"code"`
}

type SuccessResponse struct {
	SuccessCode int    `json:"success_code"`
	Message     string `json:"message,omitempty"`
	Data        any    `json:"data"`
}

type VerificationData struct {
	VerificationID string    `json:"verification_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	Attempts       int       `json:"attempts"`
}

type VerifiedData struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	VerifiedAt time.Time `json:"verified_at"`
}

type StatusResponse struct {
	VerificationID string     `json:"verification_id"`
	UserID         string     `json:"user_id"`
	Email          string     `json:"email"`
	Verified       bool       `json:"verified"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	Attempts       int        `json:"attempts"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Notified       bool       `json:"notified"`
}

type AttemptResponse struct {
	Topic         string    `json:"topic"`
	Offset        int64     `json:"offset"`
	RoutingKey    string    `json:"routing_key"`
	EventID       string    `json:"event_id"`
	DeliveryCount int       `json:"delivery_count"`
	Outcome       string    `json:"outcome"`
	Error         string    `json:"error,omitempty"`
	HandledAt     time.Time `json:"handled_at"`
}

func (h *Handler) limited(class string) []func(http.Handler) http.Handler {
	if h.limit == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{h.limit(class)}
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := httputil.DecodeJSON[SendRequest](r)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	userID, err := id.ParseUserID(req.UserID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	addr := email.Normalize(req.Email)
	if !email.Valid(addr) {
		h.writeError(ctx, w, dErrors.New(dErrors.CodeInvalidParameter, "a valid email is required"))
		return
	}

	v, delivered, err := h.service.Send(ctx, userID, addr, req.Username)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if !delivered {
		httputil.WriteJSON(w, http.StatusOK, SuccessResponse{
			SuccessCode: CodeVerificationEmailPending,
			Message:     "verification email was already sent; use resend for a new code",
			Data:        verificationData(v),
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SuccessResponse{
		SuccessCode: CodeVerificationEmailSent,
		Data:        verificationData(v),
	})
}

func (h *Handler) handleResend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := httputil.DecodeJSON[ResendRequest](r)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	userID, err := id.ParseUserID(req.UserID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	v, err := h.service.Resend(ctx, userID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SuccessResponse{
		SuccessCode: CodeVerificationEmailResent,
		Data:        verificationData(v),
	})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := httputil.DecodeJSON[VerifyRequest](r)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	v, err := h.service.Verify(ctx, req.Code)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			h.writeErrorCode(ctx, w, err, CodeVerificationInvalid)
			return
		}
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, SuccessResponse{
		SuccessCode: CodeEmailVerified,
		Data: VerifiedData{
			UserID:     v.UserID.String(),
			Email:      v.Email,
			VerifiedAt: *v.VerifiedAt,
		},
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	st, err := h.service.Status(ctx, userID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		VerificationID: st.ID.String(),
		UserID:         st.UserID.String(),
		Email:          st.Email,
		Verified:       st.Verified,
		VerifiedAt:     st.VerifiedAt,
		Attempts:       st.Attempts,
		ExpiresAt:      st.ExpiresAt,
		Notified:       st.Notified,
	})
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := defaultAttemptLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxAttemptLimit {
			h.writeError(ctx, w, dErrors.New(dErrors.CodeInvalidParameter, "limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	attempts, err := h.attempts.List(ctx, limit)
	if err != nil {
		h.writeError(ctx, w, dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "list delivery attempts"))
		return
	}
	out := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, AttemptResponse{
			Topic:         a.Topic,
			Offset:        a.Offset,
			RoutingKey:    a.RoutingKey,
			EventID:       a.EventID,
			DeliveryCount: a.DeliveryCount,
			Outcome:       string(a.Outcome),
			Error:         a.Error,
			HandledAt:     a.HandledAt,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	h.writeErrorCode(ctx, w, err, numericCode(dErrors.CodeOf(err)))
}

func (h *Handler) writeErrorCode(ctx context.Context, w http.ResponseWriter, err error, numeric int) {
	code := dErrors.CodeOf(err)
	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"code", string(code),
		"error", err,
	}
	if httputil.StatusFor(code) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "verification request failed", attrs...)
	} else {
		h.logger.WarnContext(ctx, "verification request rejected", attrs...)
	}
	httputil.WriteErrorCode(w, err, numeric)
}

func numericCode(code dErrors.Code) int {
	switch code {
	case dErrors.CodeNotFound:
		return CodeEmailNotFound
	case dErrors.CodeExpired:
		return CodeVerificationExpired
	case dErrors.CodeAlreadyVerified:
		return CodeEmailAlreadyVerified
	case dErrors.CodeMaxAttempts:
		return CodeMaxAttemptsExceeded
	case dErrors.CodeNotifierFailure:
		return CodeEmailSendFailed
	case dErrors.CodeBadRequest, dErrors.CodeInvalidInput, dErrors.CodeInvalidParameter, dErrors.CodeValidation:
		return CodeInvalidInput
	case dErrors.CodeStoreUnavailable, dErrors.CodeTimeout:
		return CodeDatabaseError
	default:
		return 0
	}
}

func verificationData(v *models.Verification) VerificationData {
	return VerificationData{
		VerificationID: v.ID.String(),
		ExpiresAt:      v.ExpiresAt,
		Attempts:       v.Attempts,
	}
}
