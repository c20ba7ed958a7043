package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,CodeGenerator,Notifier,EventPublisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"signupflow/internal/notifier"
	"signupflow/internal/platform/logger"
	"signupflow/internal/verification/codegen"
	"signupflow/internal/verification/metrics"
	"signupflow/internal/verification/models"
	"signupflow/internal/verification/service/mocks"
	"signupflow/internal/verification/store/memory"
	id "signupflow/pkg/domain"
	dErrors "signupflow/pkg/domain-errors"
	"signupflow/pkg/events"
	"signupflow/pkg/platform/circuit"
	"signupflow/pkg/platform/sentinel"
	"signupflow/pkg/requestcontext"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type ServiceSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	store     *memory.Store
	codes     *mocks.MockCodeGenerator
	notifier  *mocks.MockNotifier
	publisher *mocks.MockEventPublisher
	metrics   *metrics.Metrics
	service   *Service

	mu        sync.Mutex
	published []events.Event
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = memory.New()
	s.codes = mocks.NewMockCodeGenerator(s.ctrl)
	s.notifier = mocks.NewMockNotifier(s.ctrl)
	s.publisher = mocks.NewMockEventPublisher(s.ctrl)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.published = nil

	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e events.Event) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.published = append(s.published, e)
			return nil
		}).AnyTimes()

	s.service = New(s.store, s.codes, s.notifier,
		WithLogger(logger.Discard()),
		WithMetrics(s.metrics),
		WithPublisher(s.publisher),
	)
}

func (s *ServiceSuite) at(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func (s *ServiceSuite) eventsNamed(name string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.published {
		if e.Name() == name {
			out = append(out, e)
		}
	}
	return out
}

func (s *ServiceSuite) expectCodes(codes ...string) {
	for _, c := range codes {
		s.codes.EXPECT().Generate(models.DefaultCodeLength).Return(c, nil).Times(1)
	}
}

// createDelivered seeds a delivered record for userID holding code.
func (s *ServiceSuite) createDelivered(userID id.UserID, code string) *models.Verification {
	s.expectCodes(code)
	s.notifier.EXPECT().SendVerification(gomock.Any(), "alice@x.com", "alice", code).Return(nil)
	v, err := s.service.CreateOrIgnore(s.at(t0), userID, "alice@x.com", "alice")
	s.Require().NoError(err)
	return v
}

func (s *ServiceSuite) TestCreateOrIgnore() {
	s.Run("new user gets a delivered code", func() {
		userID := id.NewUserID()
		s.expectCodes("123456")
		s.notifier.EXPECT().SendVerification(gomock.Any(), "alice@x.com", "alice", "123456").Return(nil)

		v, err := s.service.CreateOrIgnore(s.at(t0), userID, "alice@x.com", "alice")
		s.Require().NoError(err)
		s.Equal("123456", v.Code)
		s.Equal(0, v.Attempts)
		s.False(v.Verified)
		s.Equal(t0.Add(24*time.Hour), v.ExpiresAt)
		s.Require().NotNil(v.NotifiedAt)
		s.Nil(v.NotifyLeaseUntil)

		stored, err := s.store.FindByUserID(context.Background(), userID)
		s.Require().NoError(err)
		s.Equal(v.ID, stored.ID)
		s.NotNil(stored.NotifiedAt)

		sent := s.eventsNamed(events.NameEmailSent)
		s.Require().Len(sent, 1)
		s.True(sent[0].(events.EmailSent).Success)
		s.Equal(1.0, testutil.ToFloat64(s.metrics.Created))
	})

	s.Run("duplicate creation keeps code and does not notify", func() {
		userID := id.NewUserID()
		first := s.createDelivered(userID, "222222")

		again, err := s.service.CreateOrIgnore(s.at(t0.Add(time.Hour)), userID, "other@x.com", "bob")
		s.Require().NoError(err)
		s.Equal(first.ID, again.ID)
		s.Equal("222222", again.Code)
		s.Equal("alice@x.com", again.Email)
		s.Equal(first.ExpiresAt, again.ExpiresAt)
	})

	s.Run("failed first delivery is retried with the same code", func() {
		userID := id.NewUserID()
		s.expectCodes("333333")
		gomock.InOrder(
			s.notifier.EXPECT().SendVerification(gomock.Any(), "alice@x.com", "alice", "333333").Return(errors.New("smtp down")),
			s.notifier.EXPECT().SendVerification(gomock.Any(), "alice@x.com", "alice", "333333").Return(nil),
		)

		_, err := s.service.CreateOrIgnore(s.at(t0), userID, "alice@x.com", "alice")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeNotifierFailure))

		stored, err := s.store.FindByUserID(context.Background(), userID)
		s.Require().NoError(err)
		s.Nil(stored.NotifiedAt)
		s.Nil(stored.NotifyLeaseUntil)

		v, err := s.service.CreateOrIgnore(s.at(t0.Add(time.Minute)), userID, "alice@x.com", "alice")
		s.Require().NoError(err)
		s.Equal("333333", v.Code)
		s.NotNil(v.NotifiedAt)
	})


	s.Run("expired lease is taken over", func() {
		userID := id.NewUserID()
		rec := models.NewVerification(userID, "alice@x.com", "alice", "555555", t0)
		rec.ClaimNotification(t0, time.Minute)
		s.Require().NoError(s.store.Create(context.Background(), rec))
		s.notifier.EXPECT().SendVerification(gomock.Any(), "alice@x.com", "alice", "555555").Return(nil)

		v, err := s.service.CreateOrIgnore(s.at(t0.Add(5*time.Minute)), userID, "alice@x.com", "alice")
		s.Require().NoError(err)
		s.NotNil(v.NotifiedAt)
	})

	s.Run("invalid input", func() {
		_, err := s.service.CreateOrIgnore(s.at(t0), id.UserID{}, "alice@x.com", "alice")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidParameter))
		_, err = s.service.CreateOrIgnore(s.at(t0), id.NewUserID(), "", "alice")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidParameter))
	})
}

// TestCreateOrIgnore_HeldLease covers a redelivered creation event arriving
// while the notification lease for the record is still held, for example
// because the consumer that took it was killed mid-send.
func (s *ServiceSuite) TestCreateOrIgnore_HeldLease() {
	svc := New(s.store, s.codes, s.notifier,
		WithLogger(logger.Discard()),
		WithNotifyTimeout(20*time.Millisecond),
	)
	seed := func(code string, lease time.Duration) id.UserID {
		userID := id.NewUserID()
		rec := models.NewVerification(userID, "alice@x.com", "alice", code, t0)
		rec.ClaimNotification(t0, lease)
		s.Require().NoError(s.store.Create(context.Background(), rec))
		return userID
	}

	s.Run("abandoned lease is waited out and taken over", func() {
		userID := seed("440000", 40*time.Millisecond)
		s.notifier.EXPECT().SendVerification(gomock.Any(), "alice@x.com", "alice", "440000").Return(nil)

		v, err := svc.CreateOrIgnore(s.at(t0), userID, "alice@x.com", "alice")
		s.Require().NoError(err)
		s.Equal("440000", v.Code)
		s.NotNil(v.NotifiedAt)
		s.Nil(v.NotifyLeaseUntil)
	})

	s.Run("holder that delivers meanwhile is not duplicated", func() {
		userID := seed("450000", time.Minute)
		go func() {
			time.Sleep(30 * time.Millisecond)
			_, _ = s.store.Execute(context.Background(), userID, func(v *models.Verification) error {
				v.ReleaseNotification(true, t0)
				return nil
			})
		}()

		v, err := svc.CreateOrIgnore(s.at(t0), userID, "alice@x.com", "alice")
		s.Require().NoError(err)
		s.NotNil(v.NotifiedAt)
	})

	s.Run("waiting ends with the caller's deadline as a retryable timeout", func() {
		userID := seed("460000", time.Hour)
		ctx, cancel := context.WithTimeout(s.at(t0), 50*time.Millisecond)
		defer cancel()

		_, err := svc.CreateOrIgnore(ctx, userID, "alice@x.com", "alice")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeTimeout))

		stored, _ := s.store.FindByUserID(context.Background(), userID)
		s.Nil(stored.NotifiedAt)
	})
}

func (s *ServiceSuite) TestSend() {
	s.Run("first call delivers", func() {
		s.expectCodes("900000")
		s.notifier.EXPECT().SendVerification(gomock.Any(), "alice@x.com", "alice", "900000").Return(nil)

		v, delivered, err := s.service.Send(s.at(t0), id.NewUserID(), "alice@x.com", "alice")
		s.Require().NoError(err)
		s.True(delivered)
		s.Equal("900000", v.Code)
	})

	s.Run("already delivered code is not sent again", func() {
		userID := id.NewUserID()
		s.createDelivered(userID, "910000")

		v, delivered, err := s.service.Send(s.at(t0), userID, "alice@x.com", "alice")
		s.Require().NoError(err)
		s.False(delivered)
		s.Equal("910000", v.Code)
	})

	s.Run("verified user is refused", func() {
		userID := id.NewUserID()
		s.createDelivered(userID, "920000")
		_, err := s.service.Verify(s.at(t0), "920000")
		s.Require().NoError(err)

		_, delivered, err := s.service.Send(s.at(t0), userID, "alice@x.com", "alice")
		s.Require().Error(err)
		s.False(delivered)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyVerified))
	})
}

func (s *ServiceSuite) TestCreateOrIgnore_ConcurrentDuplicatesCreateOneRecord() {
	userID := id.NewUserID()
	s.codes.EXPECT().Generate(gomock.Any()).Return("777777", nil).AnyTimes()
	var sends atomic.Int32
	s.notifier.EXPECT().SendVerification(gomock.Any(), gomock.Any(), gomock.Any(), "777777").
		DoAndReturn(func(context.Context, string, string, string) error {
			sends.Add(1)
			return nil
		}).AnyTimes()

	var wg sync.WaitGroup
	ids := make(chan id.VerificationID, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.service.CreateOrIgnore(s.at(t0), userID, "alice@x.com", "alice")
			if err == nil {
				ids <- v.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	var distinct = map[id.VerificationID]struct{}{}
	for v := range ids {
		distinct[v] = struct{}{}
	}
	s.Len(distinct, 1)
	s.Equal(int32(1), sends.Load())
}

func (s *ServiceSuite) TestResend() {
	s.Run("reissues code and slides expiry", func() {
		userID := id.NewUserID()
		s.createDelivered(userID, "100000")

		later := t0.Add(3 * time.Hour)
		s.expectCodes("100001")
		s.notifier.EXPECT().SendResendVerification(gomock.Any(), "alice@x.com", "alice", "100001").Return(nil)

		v, err := s.service.Resend(s.at(later), userID)
		s.Require().NoError(err)
		s.Equal("100001", v.Code)
		s.Equal(1, v.Attempts)
		s.Equal(later.Add(24*time.Hour), v.ExpiresAt)
		s.NotNil(v.NotifiedAt)

		_, err = s.store.FindByCode(context.Background(), "100000")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("sixth resend is rejected without changes", func() {
		userID := id.NewUserID()
		s.createDelivered(userID, "200000")
		s.notifier.EXPECT().SendResendVerification(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(5)

		var last *models.Verification
		for i := 1; i <= models.MaxResendAttempts; i++ {
			s.expectCodes(fmt.Sprintf("20000%d", i))
			v, err := s.service.Resend(s.at(t0), userID)
			s.Require().NoError(err)
			s.Equal(i, v.Attempts)
			last = v
		}

		s.expectCodes("209999")
		_, err := s.service.Resend(s.at(t0), userID)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeMaxAttempts))

		stored, _ := s.store.FindByUserID(context.Background(), userID)
		s.Equal(last.Code, stored.Code)
		s.Equal(models.MaxResendAttempts, stored.Attempts)
	})

	s.Run("verified user", func() {
		userID := id.NewUserID()
		s.createDelivered(userID, "300000")
		_, err := s.service.Verify(s.at(t0), "300000")
		s.Require().NoError(err)

		s.expectCodes("300001")
		_, err = s.service.Resend(s.at(t0), userID)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyVerified))
	})

	s.Run("unknown user", func() {
		s.expectCodes("400000")
		_, err := s.service.Resend(s.at(t0), id.NewUserID())
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("failed delivery still consumes the attempt", func() {
		userID := id.NewUserID()
		s.createDelivered(userID, "500000")
		s.expectCodes("500001")
		s.notifier.EXPECT().SendResendVerification(gomock.Any(), gomock.Any(), gomock.Any(), "500001").Return(errors.New("timeout"))

		_, err := s.service.Resend(s.at(t0), userID)
		s.True(dErrors.HasCode(err, dErrors.CodeNotifierFailure))

		stored, _ := s.store.FindByUserID(context.Background(), userID)
		s.Equal(1, stored.Attempts)
		s.Equal("500001", stored.Code)
		s.Nil(stored.NotifiedAt)
	})
}

func (s *ServiceSuite) TestResend_ConcurrentCallsNeverExceedLimit() {
	svc := New(s.store, codegen.New(), s.notifier, WithLogger(logger.Discard()))
	userID := id.NewUserID()
	s.Require().NoError(s.store.Create(context.Background(),
		models.NewVerification(userID, "alice@x.com", "alice", "000001", t0)))
	s.notifier.EXPECT().SendResendVerification(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Resend(s.at(t0), userID)
			switch {
			case err == nil:
				ok.Add(1)
			case dErrors.HasCode(err, dErrors.CodeMaxAttempts):
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(models.MaxResendAttempts), ok.Load())
	s.Equal(int32(12-models.MaxResendAttempts), rejected.Load())
	stored, _ := s.store.FindByUserID(context.Background(), userID)
	s.Equal(models.MaxResendAttempts, stored.Attempts)
}

func (s *ServiceSuite) TestVerify() {
	s.Run("valid code verifies and publishes completion", func() {
		userID := id.NewUserID()
		s.createDelivered(userID, "600000")

		when := t0.Add(2 * time.Hour)
		v, err := s.service.Verify(s.at(when), "600000")
		s.Require().NoError(err)
		s.True(v.Verified)
		s.Require().NotNil(v.VerifiedAt)
		s.Equal(when, *v.VerifiedAt)

		completed := s.eventsNamed(events.NameEmailVerificationCompleted)
		s.Require().Len(completed, 1)
		evt := completed[0].(events.EmailVerificationCompleted)
		s.Equal(userID, evt.UserID)
		s.Equal("alice@x.com", evt.Email)
	})

	s.Run("second verify is a no-op success", func() {
		userID := id.NewUserID()
		s.createDelivered(userID, "610000")
		first, err := s.service.Verify(s.at(t0.Add(time.Hour)), "610000")
		s.Require().NoError(err)
		before := len(s.eventsNamed(events.NameEmailVerificationCompleted))

		second, err := s.service.Verify(s.at(t0.Add(30*time.Hour)), "610000")
		s.Require().NoError(err)
		s.Equal(*first.VerifiedAt, *second.VerifiedAt)
		s.Len(s.eventsNamed(events.NameEmailVerificationCompleted), before)
	})

	s.Run("expiry boundary", func() {
		userID := id.NewUserID()
		v := s.createDelivered(userID, "620000")

		_, err := s.service.Verify(s.at(v.ExpiresAt.Add(time.Nanosecond)), "620000")
		s.True(dErrors.HasCode(err, dErrors.CodeExpired))

		got, err := s.service.Verify(s.at(v.ExpiresAt), "620000")
		s.Require().NoError(err)
		s.True(got.Verified)
	})

	s.Run("replaced code is unknown", func() {
		userID := id.NewUserID()
		s.createDelivered(userID, "630000")
		s.expectCodes("630001")
		s.notifier.EXPECT().SendResendVerification(gomock.Any(), gomock.Any(), gomock.Any(), "630001").Return(nil)
		_, err := s.service.Resend(s.at(t0), userID)
		s.Require().NoError(err)

		_, err = s.service.Verify(s.at(t0), "630000")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		_, err = s.service.Verify(s.at(t0), "630001")
		s.NoError(err)
	})

	s.Run("unknown and empty codes", func() {
		_, err := s.service.Verify(s.at(t0), "999999")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
		_, err = s.service.Verify(s.at(t0), "")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidParameter))
	})
}

func (s *ServiceSuite) TestAllocateCodeSkipsCodesInUse() {
	s.createDelivered(id.NewUserID(), "700000")

	s.expectCodes("700000", "700001")
	s.notifier.EXPECT().SendVerification(gomock.Any(), gomock.Any(), gomock.Any(), "700001").Return(nil)
	v, err := s.service.CreateOrIgnore(s.at(t0), id.NewUserID(), "bob@x.com", "bob")
	s.Require().NoError(err)
	s.Equal("700001", v.Code)
}

// codeSnatcher hands code to another user's record on the first write that
// goes through it, after the service's uniqueness lookup saw it free.
type codeSnatcher struct {
	*memory.Store
	code string
	once sync.Once
}

func (c *codeSnatcher) snatch() {
	c.once.Do(func() {
		_ = c.Store.Create(context.Background(),
			models.NewVerification(id.NewUserID(), "mallory@x.com", "mallory", c.code, t0))
	})
}

func (c *codeSnatcher) Create(ctx context.Context, v *models.Verification) error {
	c.snatch()
	return c.Store.Create(ctx, v)
}

func (c *codeSnatcher) Execute(ctx context.Context, userID id.UserID, fn func(v *models.Verification) error) (*models.Verification, error) {
	c.snatch()
	return c.Store.Execute(ctx, userID, fn)
}

func (s *ServiceSuite) TestCodeClaimedConcurrentlyIsRedrawn() {
	s.Run("create", func() {
		store := &codeSnatcher{Store: memory.New(), code: "710000"}
		svc := New(store, s.codes, s.notifier, WithLogger(logger.Discard()))
		s.expectCodes("710000", "710001")
		s.notifier.EXPECT().SendVerification(gomock.Any(), "alice@x.com", "alice", "710001").Return(nil)

		userID := id.NewUserID()
		v, err := svc.CreateOrIgnore(s.at(t0), userID, "alice@x.com", "alice")
		s.Require().NoError(err)
		s.Equal("710001", v.Code)

		other, err := store.FindByCode(context.Background(), "710000")
		s.Require().NoError(err)
		s.NotEqual(userID, other.UserID)
		mine, err := store.FindByCode(context.Background(), "710001")
		s.Require().NoError(err)
		s.Equal(userID, mine.UserID)
	})

	s.Run("resend", func() {
		store := &codeSnatcher{Store: memory.New(), code: "720001"}
		userID := id.NewUserID()
		s.Require().NoError(store.Store.Create(context.Background(),
			models.NewVerification(userID, "alice@x.com", "alice", "720000", t0)))
		svc := New(store, s.codes, s.notifier, WithLogger(logger.Discard()))
		s.expectCodes("720001", "720002")
		s.notifier.EXPECT().SendResendVerification(gomock.Any(), gomock.Any(), gomock.Any(), "720002").Return(nil)

		v, err := svc.Resend(s.at(t0), userID)
		s.Require().NoError(err)
		s.Equal("720002", v.Code)
		s.Equal(1, v.Attempts, "the collided write consumed nothing")

		// Verifying the snatched code must not touch this user's record.
		_, err = svc.Verify(s.at(t0), "720001")
		s.Require().NoError(err)
		stored, _ := store.FindByUserID(context.Background(), userID)
		s.False(stored.Verified)
	})
}

func (s *ServiceSuite) TestStatus() {
	userID := id.NewUserID()
	created := s.createDelivered(userID, "800000")

	st, err := s.service.Status(context.Background(), userID)
	s.Require().NoError(err)
	s.Equal(created.ID, st.ID)
	s.True(st.Notified)
	s.False(st.Verified)

	_, err = s.service.Status(context.Background(), id.NewUserID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestService_StoreFailuresAreStoreUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	notifier := mocks.NewMockNotifier(ctrl)
	codes := mocks.NewMockCodeGenerator(ctrl)
	svc := New(store, codes, notifier, WithLogger(logger.Discard()))

	store.EXPECT().FindByUserID(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))
	_, err := svc.CreateOrIgnore(context.Background(), id.NewUserID(), "alice@x.com", "alice")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeStoreUnavailable))

	store.EXPECT().FindByCode(gomock.Any(), "123456").Return(nil, errors.New("connection refused"))
	_, err = svc.Verify(context.Background(), "123456")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeStoreUnavailable))
}

func TestService_PublishFailureDoesNotFailVerify(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := mocks.NewMockNotifier(ctrl)
	publisher := mocks.NewMockEventPublisher(ctrl)
	store := memory.New()
	userID := id.NewUserID()
	require.NoError(t, store.Create(context.Background(),
		models.NewVerification(userID, "alice@x.com", "alice", "123456", t0)))

	publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))
	svc := New(store, mocks.NewMockCodeGenerator(ctrl), notifier,
		WithLogger(logger.Discard()), WithPublisher(publisher))

	v, err := svc.Verify(requestcontext.WithTime(context.Background(), t0), "123456")
	require.NoError(t, err)
	assert.True(t, v.Verified)
}

type flakyMailer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *flakyMailer) Send(context.Context, notifier.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

// An open notifier circuit fails delivery without reaching the mailer; the
// record keeps its code undelivered so a later delivery sends that same code.
func TestService_OpenNotifierCircuitIsNotifierFailure(t *testing.T) {
	now := t0
	breaker := circuit.New("notifier-test",
		circuit.WithFailureThreshold(2),
		circuit.WithSuccessThreshold(1),
		circuit.WithCooldown(time.Minute),
		circuit.WithClock(func() time.Time { return now }),
	)
	mailer := &flakyMailer{err: errors.New("connection refused")}
	store := memory.New()
	ctrl := gomock.NewController(t)
	codes := mocks.NewMockCodeGenerator(ctrl)
	codes.EXPECT().Generate(gomock.Any()).Return("135790", nil).Times(1)
	svc := New(store, codes, notifier.New(notifier.NewBreakerMailer(mailer, breaker, logger.Discard())),
		WithLogger(logger.Discard()))

	userID := id.NewUserID()
	ctx := requestcontext.WithTime(context.Background(), t0)
	for range 2 {
		_, err := svc.CreateOrIgnore(ctx, userID, "alice@x.com", "alice")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotifierFailure))
	}
	require.True(t, breaker.IsOpen())

	_, err := svc.CreateOrIgnore(ctx, userID, "alice@x.com", "alice")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeNotifierFailure))
	assert.ErrorIs(t, err, notifier.ErrCircuitOpen)
	assert.Equal(t, 2, mailer.calls, "open circuit does not reach the mailer")

	stored, err := store.FindByUserID(context.Background(), userID)
	require.NoError(t, err)
	assert.Nil(t, stored.NotifiedAt)
	assert.Nil(t, stored.NotifyLeaseUntil)

	now = now.Add(time.Minute)
	mailer.err = nil
	v, err := svc.CreateOrIgnore(ctx, userID, "alice@x.com", "alice")
	require.NoError(t, err)
	assert.Equal(t, "135790", v.Code)
	assert.NotNil(t, v.NotifiedAt)
	assert.False(t, breaker.IsOpen())
}
