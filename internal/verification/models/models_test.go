package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "signupflow/pkg/domain"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestNewVerification(t *testing.T) {
	v := NewVerification(id.NewUserID(), "alice@x.com", "alice", "123456", t0)

	assert.False(t, v.ID.IsNil())
	assert.Equal(t, t0.Add(24*time.Hour), v.ExpiresAt)
	assert.Zero(t, v.Attempts)
	assert.False(t, v.Verified)
	assert.True(t, v.NeedsNotification())
}

func TestExpiry(t *testing.T) {
	v := NewVerification(id.NewUserID(), "alice@x.com", "alice", "123456", t0)

	assert.False(t, v.IsExpired(t0.Add(CodeTTL)), "expiry instant itself is still valid")
	assert.True(t, v.IsExpired(t0.Add(CodeTTL+time.Nanosecond)))
}

func TestReissue(t *testing.T) {
	v := NewVerification(id.NewUserID(), "alice@x.com", "alice", "111111", t0)
	v.ReleaseNotification(true, t0)
	require.False(t, v.NeedsNotification())

	later := t0.Add(3 * time.Hour)
	v.Reissue("222222", later)

	assert.Equal(t, "222222", v.Code)
	assert.Equal(t, later.Add(CodeTTL), v.ExpiresAt)
	assert.Equal(t, 1, v.Attempts)
	assert.True(t, v.NeedsNotification(), "a new code must be delivered again")
}

func TestCanResend(t *testing.T) {
	v := &Verification{Attempts: MaxResendAttempts - 1}
	assert.True(t, v.CanResend())
	v.Attempts = MaxResendAttempts
	assert.False(t, v.CanResend())
}

func TestMarkVerified_IsOneWay(t *testing.T) {
	v := NewVerification(id.NewUserID(), "alice@x.com", "alice", "123456", t0)

	v.MarkVerified(t0.Add(time.Minute))
	first := *v.VerifiedAt

	v.MarkVerified(t0.Add(time.Hour))
	assert.True(t, v.Verified)
	assert.Equal(t, first, *v.VerifiedAt)
	assert.False(t, v.NeedsNotification())
}

func TestNotificationLease(t *testing.T) {
	v := NewVerification(id.NewUserID(), "alice@x.com", "alice", "123456", t0)

	assert.False(t, v.NotificationInFlight(t0))
	v.ClaimNotification(t0, time.Minute)
	assert.True(t, v.NotificationInFlight(t0.Add(30*time.Second)))
	assert.False(t, v.NotificationInFlight(t0.Add(time.Minute)), "lease lapses")

	v.ReleaseNotification(false, t0)
	assert.Nil(t, v.NotifyLeaseUntil)
	assert.True(t, v.NeedsNotification())
}

func TestClone_IsDeep(t *testing.T) {
	v := NewVerification(id.NewUserID(), "alice@x.com", "alice", "123456", t0)
	v.MarkVerified(t0)

	c := v.Clone()
	*c.VerifiedAt = t0.Add(time.Hour)
	assert.Equal(t, t0, *v.VerifiedAt)
}

func TestStatus(t *testing.T) {
	v := NewVerification(id.NewUserID(), "alice@x.com", "alice", "123456", t0)
	st := v.Status()
	assert.Equal(t, v.ID, st.ID)
	assert.Equal(t, v.Email, st.Email)
	assert.Equal(t, v.ExpiresAt, st.ExpiresAt)
	assert.False(t, st.Notified)
}
