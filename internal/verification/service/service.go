package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"signupflow/internal/verification/metrics"
	"signupflow/internal/verification/models"
	id "signupflow/pkg/domain"
	dErrors "signupflow/pkg/domain-errors"
	"signupflow/pkg/events"
	"signupflow/pkg/platform/sentinel"
	"signupflow/pkg/requestcontext"
)

// Store persists verification records keyed by user.
//
// Execute is the only read-modify-write path: fn receives a private copy of
// the latest committed record, and its changes are persisted only when fn
// returns nil. Concurrent Execute calls for one user are serialized by the
// implementation.
type Store interface {
	Create(ctx context.Context, v *models.Verification) error
	FindByUserID(ctx context.Context, userID id.UserID) (*models.Verification, error)
	FindByCode(ctx context.Context, code string) (*models.Verification, error)
	FindByID(ctx context.Context, verificationID id.VerificationID) (*models.Verification, error)
	Update(ctx context.Context, v *models.Verification) error
	Execute(ctx context.Context, userID id.UserID, fn func(v *models.Verification) error) (*models.Verification, error)
}

// CodeGenerator produces verification codes.
type CodeGenerator interface {
	Generate(length int) (string, error)
}

// Notifier delivers codes to users. A returned error means the user did not
// get the code.
type Notifier interface {
	SendVerification(ctx context.Context, to, username, code string) error
	SendResendVerification(ctx context.Context, to, username, code string) error
}

// EventPublisher emits domain events once the state behind them is stored.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

const (
	defaultNotifyTimeout = 10 * time.Second
	leasePollInterval    = 250 * time.Millisecond
	codeAllocationTries  = 8
)

var (
	errAlreadyDelivered = errors.New("current code already delivered")
	errNoChange         = errors.New("record already in target state")
	errCodeReplaced     = errors.New("code replaced by a newer resend")
	errLeaseHeld        = errors.New("notification lease held")
)

// Service is the verification lifecycle manager: CreateOrIgnore, Resend and
// Verify, each safe to call concurrently for the same user.
type Service struct {
	store         Store
	codes         CodeGenerator
	notifier      Notifier
	publisher     EventPublisher
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	codeLength    int
	notifyTimeout time.Duration
	leaseTTL      time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger; slog.Default is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics enables lifecycle counters. A nil Metrics records nothing.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPublisher emits EmailSent and EmailVerificationCompleted events.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithCodeLength sets the number of digits in generated codes.
func WithCodeLength(n int) Option {
	return func(s *Service) { s.codeLength = n }
}

// WithNotifyTimeout bounds each notifier call. The notification lease lasts
// twice as long, so a holder that died mid-send is taken over soon after.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d <= 0 {
			return
		}
		s.notifyTimeout = d
		s.leaseTTL = 2 * d
	}
}

func New(store Store, codes CodeGenerator, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		store:         store,
		codes:         codes,
		notifier:      notifier,
		logger:        slog.Default(),
		tracer:        otel.Tracer("signupflow/verification"),
		codeLength:    models.DefaultCodeLength,
		notifyTimeout: defaultNotifyTimeout,
		leaseTTL:      2 * defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrIgnore starts verification for a newly registered user. A second
// call for the same user returns the stored record untouched: no new code,
// and no second notification once the current code was delivered. If the
// earlier delivery failed, the same code is sent again.
func (s *Service) CreateOrIgnore(ctx context.Context, userID id.UserID, email, username string) (*models.Verification, error) {
	v, _, err := s.createOrIgnore(ctx, "verification.CreateOrIgnore", userID, email, username)
	return v, err
}

// Send is the API entry to CreateOrIgnore. It refuses users whose email is
// already verified and reports whether this call delivered the code; false
// means the current code had already been delivered and Resend is the way to
// get another email.
func (s *Service) Send(ctx context.Context, userID id.UserID, email, username string) (*models.Verification, bool, error) {
	v, delivered, err := s.createOrIgnore(ctx, "verification.Send", userID, email, username)
	if err != nil {
		return nil, false, err
	}
	if v.Verified {
		return nil, false, dErrors.New(dErrors.CodeAlreadyVerified, "email already verified")
	}
	return v, delivered, nil
}

func (s *Service) createOrIgnore(ctx context.Context, spanName string, userID id.UserID, email, username string) (_ *models.Verification, delivered bool, err error) {
	ctx, span := s.startSpan(ctx, spanName, userID)
	defer func() { s.endSpan(span, "create", err) }()

	if userID.IsNil() {
		return nil, false, dErrors.New(dErrors.CodeInvalidParameter, "user ID is required")
	}
	if email == "" {
		return nil, false, dErrors.New(dErrors.CodeInvalidParameter, "email is required")
	}

	existing, err := s.store.FindByUserID(ctx, userID)
	switch {
	case err == nil:
		return s.renotifyIfUndelivered(ctx, existing)
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, false, storeError(err, "load verification")
	}

	now := requestcontext.Now(ctx)
	var record *models.Verification
	err = s.withUniqueCode(ctx, func(code string) error {
		record = models.NewVerification(userID, email, username, code, now)
		record.ClaimNotification(now, s.leaseTTL)
		return s.store.Create(ctx, record)
	})
	if err != nil {
		if !errors.Is(err, sentinel.ErrConflict) {
			return nil, false, storeError(err, "create verification")
		}
		// Lost a creation race with a concurrent delivery of the same event.
		existing, err := s.store.FindByUserID(ctx, userID)
		if err != nil {
			return nil, false, storeError(err, "load verification")
		}
		return s.renotifyIfUndelivered(ctx, existing)
	}

	s.metrics.IncrementCreated()
	s.logger.InfoContext(ctx, "verification created",
		"user_id", userID.String(),
		"verification_id", record.ID.String(),
		"expires_at", record.ExpiresAt,
	)
	v, err := s.deliver(ctx, record, events.EmailTypeVerification)
	return v, err == nil, err
}

// renotifyIfUndelivered claims the notification lease for a record whose
// current code was never delivered, then sends it. A lease held by another
// caller is waited out: either the holder delivers, or its lease lapses and
// this call takes over.
func (s *Service) renotifyIfUndelivered(ctx context.Context, existing *models.Verification) (*models.Verification, bool, error) {
	if !existing.NeedsNotification() {
		s.logger.DebugContext(ctx, "verification exists, nothing to do",
			"user_id", existing.UserID.String(),
			"verification_id", existing.ID.String(),
		)
		return existing, false, nil
	}

	now := requestcontext.Now(ctx)
	for {
		var snapshot *models.Verification
		var heldUntil time.Time
		claimed, err := s.store.Execute(ctx, existing.UserID, func(v *models.Verification) error {
			if !v.NeedsNotification() {
				snapshot = v.Clone()
				return errAlreadyDelivered
			}
			if v.NotificationInFlight(now) {
				heldUntil = *v.NotifyLeaseUntil
				return errLeaseHeld
			}
			v.ClaimNotification(now, s.leaseTTL)
			return nil
		})
		switch {
		case errors.Is(err, errAlreadyDelivered):
			return snapshot, false, nil
		case errors.Is(err, errLeaseHeld):
			wait := min(heldUntil.Sub(now), leasePollInterval)
			s.logger.DebugContext(ctx, "notification in flight elsewhere, waiting",
				"user_id", existing.UserID.String(),
				"lease_until", heldUntil,
			)
			if err := sleep(ctx, wait); err != nil {
				return nil, false, dErrors.Wrap(err, dErrors.CodeTimeout, "gave up waiting for in-flight notification")
			}
			now = now.Add(wait)
			continue
		case err != nil:
			return nil, false, storeError(err, "claim notification")
		}

		s.logger.InfoContext(ctx, "re-sending undelivered verification code",
			"user_id", claimed.UserID.String(),
			"verification_id", claimed.ID.String(),
		)
		v, err := s.deliver(ctx, claimed, events.EmailTypeVerification)
		return v, err == nil, err
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Resend issues a new code, slides the expiry window and consumes one
// attempt. It is not idempotent: every successful call costs an attempt.
func (s *Service) Resend(ctx context.Context, userID id.UserID) (_ *models.Verification, err error) {
	ctx, span := s.startSpan(ctx, "verification.Resend", userID)
	defer func() { s.endSpan(span, "resend", err) }()

	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidParameter, "user ID is required")
	}

	now := requestcontext.Now(ctx)
	var updated *models.Verification
	err = s.withUniqueCode(ctx, func(code string) error {
		var execErr error
		updated, execErr = s.store.Execute(ctx, userID, func(v *models.Verification) error {
			if v.Verified {
				return dErrors.New(dErrors.CodeAlreadyVerified, "email already verified")
			}
			if !v.CanResend() {
				return dErrors.New(dErrors.CodeMaxAttempts, "maximum resend attempts exceeded")
			}
			v.Reissue(code, now)
			v.ClaimNotification(now, s.leaseTTL)
			return nil
		})
		return execErr
	})
	if err != nil {
		return nil, storeError(err, "resend verification")
	}

	s.metrics.IncrementResent()
	s.logger.InfoContext(ctx, "verification code reissued",
		"user_id", userID.String(),
		"verification_id", updated.ID.String(),
		"attempts", updated.Attempts,
	)
	return s.deliver(ctx, updated, events.EmailTypeResendVerification)
}

// Verify consumes a code. Verifying an already verified record succeeds and
// keeps the original VerifiedAt.
func (s *Service) Verify(ctx context.Context, code string) (_ *models.Verification, err error) {
	ctx, span := s.tracer.Start(ctx, "verification.Verify")
	defer func() { s.endSpan(span, "verify", err) }()

	if code == "" {
		return nil, dErrors.New(dErrors.CodeInvalidParameter, "verification code is required")
	}

	found, err := s.store.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "invalid verification code")
		}
		return nil, storeError(err, "find verification by code")
	}
	span.SetAttributes(attribute.String("user.id", found.UserID.String()))

	now := requestcontext.Now(ctx)
	var snapshot *models.Verification
	updated, err := s.store.Execute(ctx, found.UserID, func(v *models.Verification) error {
		if v.Code != code {
			return errCodeReplaced
		}
		if v.Verified {
			snapshot = v.Clone()
			return errNoChange
		}
		if v.IsExpired(now) {
			return dErrors.New(dErrors.CodeExpired, "verification code expired")
		}
		v.MarkVerified(now)
		return nil
	})
	switch {
	case errors.Is(err, errNoChange):
		s.logger.InfoContext(ctx, "verification already completed",
			"user_id", snapshot.UserID.String(),
		)
		return snapshot, nil
	case errors.Is(err, errCodeReplaced):
		return nil, dErrors.New(dErrors.CodeNotFound, "invalid verification code")
	case err != nil:
		return nil, storeError(err, "verify")
	}

	s.metrics.IncrementVerified()
	s.logger.InfoContext(ctx, "email verified",
		"user_id", updated.UserID.String(),
		"verification_id", updated.ID.String(),
	)
	s.publish(ctx, events.NewEmailVerificationCompleted(now, updated.UserID, updated.Email, *updated.VerifiedAt))
	return updated, nil
}

// Status returns the API view of a user's verification.
func (s *Service) Status(ctx context.Context, userID id.UserID) (models.Status, error) {
	v, err := s.store.FindByUserID(ctx, userID)
	if err != nil {
		return models.Status{}, storeError(err, "load verification")
	}
	return v.Status(), nil
}

// deliver sends the record's current code and records the result on the
// record. It runs with no store lock held.
func (s *Service) deliver(ctx context.Context, record *models.Verification, emailType string) (*models.Verification, error) {
	sendErr := s.send(ctx, record, emailType)
	s.metrics.ObserveNotification(emailType, sendErr == nil)

	now := requestcontext.Now(ctx)
	updated, err := s.store.Execute(ctx, record.UserID, func(v *models.Verification) error {
		if v.Code != record.Code {
			return errCodeReplaced
		}
		v.ReleaseNotification(sendErr == nil, now)
		return nil
	})
	switch {
	case errors.Is(err, errCodeReplaced):
		updated = record
	case err != nil:
		s.logger.WarnContext(ctx, "failed to record notification result",
			"user_id", record.UserID.String(),
			"delivered", sendErr == nil,
			"error", err,
		)
		if sendErr == nil {
			return nil, storeError(err, "record notification")
		}
		updated = record
	}

	s.publish(ctx, events.NewEmailSent(now, record.UserID, record.Email, emailType, sendErr))

	if sendErr != nil {
		s.logger.ErrorContext(ctx, "verification email not delivered",
			"user_id", record.UserID.String(),
			"email_type", emailType,
			"error", sendErr,
		)
		return nil, dErrors.Wrap(sendErr, dErrors.CodeNotifierFailure, "failed to send verification email")
	}
	return updated, nil
}

func (s *Service) send(ctx context.Context, record *models.Verification, emailType string) error {
	ctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()

	if emailType == events.EmailTypeResendVerification {
		return s.notifier.SendResendVerification(ctx, record.Email, record.Username, record.Code)
	}
	return s.notifier.SendVerification(ctx, record.Email, record.Username, record.Code)
}

// withUniqueCode hands write a code no stored record holds. Stores enforce
// code uniqueness at write time, so a code claimed concurrently between the
// lookup and the write comes back as models.ErrCodeTaken and another is drawn.
func (s *Service) withUniqueCode(ctx context.Context, write func(code string) error) error {
	for range codeAllocationTries {
		code, err := s.codes.Generate(s.codeLength)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "generate verification code")
		}
		_, err = s.store.FindByCode(ctx, code)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, sentinel.ErrNotFound):
			return storeError(err, "check code uniqueness")
		}

		err = write(code)
		if !errors.Is(err, models.ErrCodeTaken) {
			return err
		}
		s.logger.DebugContext(ctx, "verification code claimed concurrently, drawing another")
	}
	return dErrors.New(dErrors.CodeInternal, "could not allocate a unique verification code")
}

func (s *Service) publish(ctx context.Context, evt events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.WarnContext(ctx, "event publish failed",
			"event_name", evt.Name(),
			"event_id", evt.Meta().ID.String(),
			"error", err,
		)
	}
}

func (s *Service) startSpan(ctx context.Context, name string, userID id.UserID) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("user.id", userID.String()))
	return ctx, span
}

func (s *Service) endSpan(span trace.Span, op string, err error) {
	if err != nil {
		s.metrics.IncrementFailure(op, string(dErrors.CodeOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	span.End()
}

// storeError passes coded errors through and translates store sentinels.
func storeError(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "verification not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "verification already exists")
	default:
		return dErrors.Wrap(err, dErrors.CodeStoreUnavailable, msg)
	}
}
