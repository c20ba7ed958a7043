package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service,AttemptLister

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"signupflow/internal/platform/kafka/consumer"
	"signupflow/internal/platform/logger"
	"signupflow/internal/verification/codegen"
	"signupflow/internal/verification/handler/mocks"
	"signupflow/internal/verification/models"
	"signupflow/internal/verification/service"
	"signupflow/internal/verification/store/memory"
	id "signupflow/pkg/domain"
	dErrors "signupflow/pkg/domain-errors"
	"signupflow/pkg/platform/middleware/requesttime"
	"signupflow/pkg/testutil"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type HandlerSuite struct {
	suite.Suite
	service  *mocks.MockService
	attempts *mocks.MockAttemptLister
	router   chi.Router
	userID   id.UserID
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	ctrl := gomock.NewController(s.T())
	s.service = mocks.NewMockService(ctrl)
	s.attempts = mocks.NewMockAttemptLister(ctrl)
	s.userID = id.NewUserID()

	s.router = chi.NewRouter()
	New(s.service, s.attempts, logger.Discard()).Register(s.router)
}

func (s *HandlerSuite) pending() *models.Verification {
	return models.NewVerification(s.userID, "jane@example.com", "jane", "123456", t0)
}

func (s *HandlerSuite) TestSend() {
	s.Run("creates and reports the record", func() {
		v := s.pending()
		s.service.EXPECT().Send(gomock.Any(), s.userID, "jane@example.com", "jane").Return(v, true, nil)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/send",
			SendRequest{UserID: s.userID.String(), Email: "  Jane@Example.com ", Username: "jane"}))

		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[map[string]any](s.T(), rr)
		s.EqualValues(CodeVerificationEmailSent, (*resp)["success_code"])
		data := (*resp)["data"].(map[string]any)
		s.Equal(v.ID.String(), data["verification_id"])
		s.NotContains(data, "code")
	})

	s.Run("already delivered code is reported as pending", func() {
		v := s.pending()
		s.service.EXPECT().Send(gomock.Any(), s.userID, "jane@example.com", "jane").Return(v, false, nil)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/send",
			SendRequest{UserID: s.userID.String(), Email: "jane@example.com", Username: "jane"}))

		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "success_code", float64(CodeVerificationEmailPending))
		resp := testutil.UnmarshalResponse[map[string]any](s.T(), rr)
		s.Contains((*resp)["message"], "resend")
	})

	s.Run("verified user is refused", func() {
		s.service.EXPECT().Send(gomock.Any(), s.userID, "jane@example.com", "jane").
			Return(nil, false, dErrors.New(dErrors.CodeAlreadyVerified, "email already verified"))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/send",
			SendRequest{UserID: s.userID.String(), Email: "jane@example.com", Username: "jane"}))

		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, string(dErrors.CodeAlreadyVerified))
		testutil.AssertNumericCode(s.T(), rr, CodeEmailAlreadyVerified)
	})

	s.Run("invalid email never reaches the service", func() {
		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/send",
			SendRequest{UserID: s.userID.String(), Email: "not-an-email"}))

		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeInvalidParameter))
		testutil.AssertNumericCode(s.T(), rr, CodeInvalidInput)
	})

	s.Run("malformed user ID", func() {
		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/send",
			SendRequest{UserID: "nope", Email: "jane@example.com"}))

		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
		testutil.AssertNumericCode(s.T(), rr, CodeInvalidInput)
	})

	s.Run("unknown fields are rejected", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/email/verification/send",
			`{"user_id":"x","email":"a@b.c","admin":true}`))

		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeBadRequest))
	})

	s.Run("notifier failure maps to send failed", func() {
		s.service.EXPECT().Send(gomock.Any(), s.userID, "jane@example.com", "").
			Return(nil, false, dErrors.New(dErrors.CodeNotifierFailure, "send verification email"))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/send",
			SendRequest{UserID: s.userID.String(), Email: "jane@example.com"}))

		testutil.AssertStatus(s.T(), rr, http.StatusBadGateway)
		testutil.AssertNumericCode(s.T(), rr, CodeEmailSendFailed)
	})
}

func (s *HandlerSuite) TestResend() {
	cases := []struct {
		name    string
		err     error
		status  int
		numeric int
	}{
		{"unknown user", dErrors.New(dErrors.CodeNotFound, "verification not found"), http.StatusNotFound, CodeEmailNotFound},
		{"already verified", dErrors.New(dErrors.CodeAlreadyVerified, "email already verified"), http.StatusConflict, CodeEmailAlreadyVerified},
		{"attempts exhausted", dErrors.New(dErrors.CodeMaxAttempts, "maximum resend attempts exceeded"), http.StatusTooManyRequests, CodeMaxAttemptsExceeded},
		{"store down", dErrors.Wrap(errors.New("dial tcp"), dErrors.CodeStoreUnavailable, "resend verification"), http.StatusServiceUnavailable, CodeDatabaseError},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.service.EXPECT().Resend(gomock.Any(), s.userID).Return(nil, tc.err)

			rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/resend",
				ResendRequest{UserID: s.userID.String()}))

			testutil.AssertStatus(s.T(), rr, tc.status)
			testutil.AssertNumericCode(s.T(), rr, tc.numeric)
		})
	}

	s.Run("store errors do not leak details", func() {
		s.service.EXPECT().Resend(gomock.Any(), s.userID).
			Return(nil, dErrors.Wrap(errors.New("dial tcp 10.0.0.3:5432"), dErrors.CodeStoreUnavailable, "resend verification"))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/resend",
			ResendRequest{UserID: s.userID.String()}))

		s.NotContains(rr.Body.String(), "10.0.0.3")
	})

	s.Run("success reports attempts", func() {
		v := s.pending()
		v.Attempts = 2
		s.service.EXPECT().Resend(gomock.Any(), s.userID).Return(v, nil)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/resend",
			ResendRequest{UserID: s.userID.String()}))

		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "success_code", float64(CodeVerificationEmailResent))
		resp := testutil.UnmarshalResponse[SuccessResponse](s.T(), rr)
		s.EqualValues(2, resp.Data.(map[string]any)["attempts"])
	})
}

func (s *HandlerSuite) TestVerify() {
	s.Run("success", func() {
		v := s.pending()
		v.MarkVerified(t0.Add(time.Hour))
		s.service.EXPECT().Verify(gomock.Any(), "123456").Return(v, nil)

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/verify",
			VerifyRequest{Code: "123456"}))

		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "success_code", float64(CodeEmailVerified))
		resp := testutil.UnmarshalResponse[map[string]any](s.T(), rr)
		data := (*resp)["data"].(map[string]any)
		s.Equal(s.userID.String(), data["user_id"])
		s.Equal("2026-03-01T10:00:00Z", data["verified_at"])
	})

	s.Run("unknown code is reported as invalid", func() {
		s.service.EXPECT().Verify(gomock.Any(), "000000").Return(nil, dErrors.New(dErrors.CodeNotFound, "invalid verification code"))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/verify",
			VerifyRequest{Code: "000000"}))

		testutil.AssertStatus(s.T(), rr, http.StatusNotFound)
		testutil.AssertNumericCode(s.T(), rr, CodeVerificationInvalid)
	})

	s.Run("expired", func() {
		s.service.EXPECT().Verify(gomock.Any(), "123456").Return(nil, dErrors.New(dErrors.CodeExpired, "verification code expired"))

		rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/email/verification/verify",
			VerifyRequest{Code: "123456"}))

		testutil.AssertStatus(s.T(), rr, http.StatusGone)
		testutil.AssertNumericCode(s.T(), rr, CodeVerificationExpired)
	})
}

func (s *HandlerSuite) TestStatus() {
	s.Run("found", func() {
		v := s.pending()
		s.service.EXPECT().Status(gomock.Any(), s.userID).Return(v.Status(), nil)

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/email/verification/"+s.userID.String()))

		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "verified", false)
		testutil.AssertJSONContains(s.T(), rr, "email", "jane@example.com")
		s.NotContains(rr.Body.String(), "123456")
	})

	s.Run("missing", func() {
		s.service.EXPECT().Status(gomock.Any(), s.userID).Return(models.Status{}, dErrors.New(dErrors.CodeNotFound, "verification not found"))

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/email/verification/"+s.userID.String()))

		testutil.AssertStatus(s.T(), rr, http.StatusNotFound)
		testutil.AssertNumericCode(s.T(), rr, CodeEmailNotFound)
	})
}

func (s *HandlerSuite) TestListAttempts() {
	s.Run("default limit", func() {
		s.attempts.EXPECT().List(gomock.Any(), defaultAttemptLimit).Return([]consumer.Attempt{{
			Topic:         "user_events",
			Offset:        7,
			RoutingKey:    "user.created",
			DeliveryCount: 2,
			Outcome:       consumer.OutcomeRequeued,
			Error:         "notifier down",
			HandledAt:     t0,
		}}, nil)

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/internal/delivery-attempts"))

		testutil.AssertStatusOK(s.T(), rr)
		resp := testutil.UnmarshalResponse[[]AttemptResponse](s.T(), rr)
		s.Require().Len(*resp, 1)
		s.Equal("requeued", (*resp)[0].Outcome)
		s.Equal(2, (*resp)[0].DeliveryCount)
	})

	s.Run("bad limit", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/internal/delivery-attempts?limit=0"))
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})
}

func TestListAttemptsNotMountedWithoutJournal(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := chi.NewRouter()
	New(mocks.NewMockService(ctrl), nil, logger.Discard()).Register(r)

	rr := testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/internal/delivery-attempts"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

type capturingNotifier struct {
	mu    sync.Mutex
	codes []string
}

func (n *capturingNotifier) SendVerification(_ context.Context, _, _, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.codes = append(n.codes, code)
	return nil
}

func (n *capturingNotifier) SendResendVerification(ctx context.Context, to, username, code string) error {
	return n.SendVerification(ctx, to, username, code)
}

func (n *capturingNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[len(n.codes)-1]
}

// The full flow through the real service: send, resend, old code rejected,
// new code accepted.
func TestVerificationFlow(t *testing.T) {
	notifier := &capturingNotifier{}
	svc := service.New(memory.New(), codegen.New(), notifier, service.WithLogger(logger.Discard()))

	r := chi.NewRouter()
	r.Use(requesttime.Middleware)
	New(svc, nil, logger.Discard()).Register(r)

	userID := id.NewUserID()
	do := func(path string, body any) *httptest.ResponseRecorder {
		return testutil.DoRequest(r, testutil.NewJSONRequest(t, http.MethodPost, path, body))
	}

	rr := do("/email/verification/send", SendRequest{UserID: userID.String(), Email: "sam@example.com", Username: "sam"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	testutil.AssertJSONContains(t, rr, "success_code", float64(CodeVerificationEmailSent))
	first := notifier.last()

	rr = do("/email/verification/send", SendRequest{UserID: userID.String(), Email: "sam@example.com", Username: "sam"})
	require.Equal(t, http.StatusOK, rr.Code)
	testutil.AssertJSONContains(t, rr, "success_code", float64(CodeVerificationEmailPending))
	assert.Len(t, notifier.codes, 1, "duplicate send must not notify again")

	rr = do("/email/verification/resend", ResendRequest{UserID: userID.String()})
	require.Equal(t, http.StatusOK, rr.Code)
	second := notifier.last()
	require.NotEqual(t, first, second)

	rr = do("/email/verification/verify", VerifyRequest{Code: first})
	testutil.AssertNumericCode(t, rr, CodeVerificationInvalid)

	rr = do("/email/verification/verify", VerifyRequest{Code: second})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = testutil.DoRequest(r, testutil.NewRequest(t, http.MethodGet, "/email/verification/"+userID.String()))
	testutil.AssertJSONContains(t, rr, "verified", true)
	testutil.AssertJSONContains(t, rr, "attempts", float64(1))

	rr = do("/email/verification/send", SendRequest{UserID: userID.String(), Email: "sam@example.com", Username: "sam"})
	require.Equal(t, http.StatusConflict, rr.Code)
	testutil.AssertNumericCode(t, rr, CodeEmailAlreadyVerified)
	assert.Len(t, notifier.codes, 2)
}
