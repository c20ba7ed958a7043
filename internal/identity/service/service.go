package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"signupflow/internal/identity/metrics"
	"signupflow/internal/identity/models"
	"signupflow/internal/outbox"
	id "signupflow/pkg/domain"
	dErrors "signupflow/pkg/domain-errors"
	"signupflow/pkg/email"
	"signupflow/pkg/events"
	"signupflow/pkg/platform/sentinel"
	"signupflow/pkg/requestcontext"
)

// UserStore persists accounts. Create fails with sentinel.ErrConflict when the
// username or email is taken.
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, userID id.UserID) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByEmail(ctx context.Context, address string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, userID id.UserID, at time.Time) error
}

// OutboxStore receives events inside the registration transaction.
type OutboxStore interface {
	Enqueue(ctx context.Context, entry outbox.Entry) error
}

// EventPublisher publishes directly when no outbox is configured.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type TokenIssuer interface {
	Issue(user *models.User, now time.Time) (string, time.Time, error)
}

// DelayedVerificationWarning is reported when the account exists but the
// UserCreated event could not be published.
const DelayedVerificationWarning = "account created, but the verification email may be delayed"

type RegisterResult struct {
	User    *models.User
	Warning string
}

type LoginResult struct {
	User      *models.User
	Token     string
	ExpiresAt time.Time
}

type Service struct {
	users      UserStore
	tokens     TokenIssuer
	tx         TxRunner
	outbox     OutboxStore
	publisher  EventPublisher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	bcryptCost int
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithOutbox writes UserCreated into store within the registration
// transaction run by tx. A nil tx keeps the in-process lock.
func WithOutbox(tx TxRunner, store OutboxStore) Option {
	return func(s *Service) {
		if tx != nil {
			s.tx = tx
		}
		s.outbox = store
	}
}

// WithPublisher publishes UserCreated after the user is stored. It is only
// used when no outbox is configured.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

func New(users UserStore, tokens TokenIssuer, opts ...Option) *Service {
	s := &Service{
		users:      users,
		tokens:     tokens,
		tx:         &lockTx{},
		logger:     slog.Default(),
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an account and emits UserCreated. With an outbox the
// event commits atomically with the user; otherwise it is published after
// the commit and a failure only produces a warning.
func (s *Service) Register(ctx context.Context, username, address, password string) (*RegisterResult, error) {
	reg, err := models.NewRegistration(username, address, password)
	if err != nil {
		s.metrics.Registration("invalid")
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), s.bcryptCost)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "hash password")
	}

	now := requestcontext.Now(ctx)
	user := models.NewUser(reg.Username, reg.Email, string(hash), now)
	evt := events.NewUserCreated(now, user.ID, user.Email, user.Username, user.CreatedAt)

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.users.Create(ctx, user); err != nil {
			return err
		}
		if s.outbox == nil {
			return nil
		}
		entry, err := outbox.NewEntry(evt, now)
		if err != nil {
			return err
		}
		return s.outbox.Enqueue(ctx, entry)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			s.metrics.Registration("conflict")
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "username or email already registered")
		}
		s.metrics.Registration("error")
		return nil, storeError(err, "register user")
	}
	s.metrics.Registration("created")

	s.logger.InfoContext(ctx, "user registered",
		"user_id", user.ID.String(),
		"event_id", evt.ID.String(),
		"outbox", s.outbox != nil,
	)

	result := &RegisterResult{User: user.Clone()}
	if s.outbox == nil && s.publisher != nil {
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.WarnContext(ctx, "user registered but UserCreated was not published",
				"user_id", user.ID.String(),
				"event_id", evt.ID.String(),
				"error", err,
			)
			result.Warning = DelayedVerificationWarning
		}
	}
	return result, nil
}

// Login accepts a username, or an email when the identifier contains '@'.
// Unknown accounts and wrong passwords produce the same error.
func (s *Service) Login(ctx context.Context, identifier, password string) (*LoginResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		s.metrics.Login("invalid")
		return nil, dErrors.New(dErrors.CodeInvalidInput, "username and password are required")
	}

	var (
		user *models.User
		err  error
	)
	if strings.Contains(identifier, "@") {
		user, err = s.users.FindByEmail(ctx, email.Normalize(identifier))
	} else {
		user, err = s.users.FindByUsername(ctx, identifier)
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		// Burn comparable time so unknown users are not distinguishable by latency.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		s.metrics.Login("rejected")
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
	case err != nil:
		s.metrics.Login("error")
		return nil, storeError(err, "load user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.metrics.Login("rejected")
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid credentials")
	}
	if !user.IsActive {
		s.metrics.Login("inactive")
		return nil, dErrors.New(dErrors.CodeForbidden, "user is inactive")
	}

	now := requestcontext.Now(ctx)
	token, expiresAt, err := s.tokens.Issue(user, now)
	if err != nil {
		return nil, err
	}
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		s.logger.WarnContext(ctx, "failed to record last login",
			"user_id", user.ID.String(),
			"error", err,
		)
	} else {
		user.LastLoginAt = &now
	}
	s.metrics.Login("ok")
	s.logger.InfoContext(ctx, "user logged in", "user_id", user.ID.String())

	return &LoginResult{User: user, Token: token, ExpiresAt: expiresAt}, nil
}

func (s *Service) GetUser(ctx context.Context, userID id.UserID) (*models.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, storeError(err, "load user")
	}
	return user, nil
}

// dummyHash is a bcrypt hash of a random string at the default cost.
var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z0SBSXZ2s6Ux1C4dBkcmn2/G")

func storeError(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "user not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "username or email already registered")
	default:
		return dErrors.Wrap(err, dErrors.CodeStoreUnavailable, msg)
	}
}
