package models

import (
	"errors"
	"time"

	id "signupflow/pkg/domain"
)

const (
	// CodeTTL is the lifetime of a code from creation or from the latest resend.
	CodeTTL = 24 * time.Hour
	// MaxResendAttempts caps Attempts; the resend that would exceed it is rejected.
	MaxResendAttempts = 5
	// DefaultCodeLength is the number of digits in a verification code.
	DefaultCodeLength = 6
)

// ErrCodeTaken is returned by stores when a write would give a record a code
// that another user's record already holds. It also matches
// sentinel.ErrConflict.
var ErrCodeTaken = errors.New("verification code held by another record")

// Verification is the single outstanding (or completed) email-ownership
// proof for one user.
type Verification struct {
	ID         id.VerificationID
	UserID     id.UserID
	Email      string
	Username   string
	Code       string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Verified   bool
	VerifiedAt *time.Time
	Attempts   int

	// NotifiedAt is set once the current code was handed to the notifier
	// successfully; it is cleared whenever the code changes.
	NotifiedAt *time.Time
	// NotifyLeaseUntil marks a notification in flight for the current code.
	NotifyLeaseUntil *time.Time
}

// NewVerification builds a pending record whose window starts at now.
func NewVerification(userID id.UserID, email, username, code string, now time.Time) *Verification {
	return &Verification{
		ID:        id.NewVerificationID(),
		UserID:    userID,
		Email:     email,
		Username:  username,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(CodeTTL),
	}
}

// IsExpired is evaluated lazily; nothing sweeps expired records.
func (v *Verification) IsExpired(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// CanResend reports whether another resend attempt is available.
func (v *Verification) CanResend() bool {
	return v.Attempts < MaxResendAttempts
}

// Reissue replaces the code, slides the window to now+CodeTTL and consumes
// one resend attempt. The caller checks CanResend and Verified first.
func (v *Verification) Reissue(code string, now time.Time) {
	v.Code = code
	v.ExpiresAt = now.Add(CodeTTL)
	v.Attempts++
	v.NotifiedAt = nil
	v.NotifyLeaseUntil = nil
}

// MarkVerified is one-way; calling it on a verified record keeps the first
// VerifiedAt.
func (v *Verification) MarkVerified(now time.Time) {
	if v.Verified {
		return
	}
	t := now
	v.Verified = true
	v.VerifiedAt = &t
}

// NeedsNotification is true while the current code has not been delivered.
func (v *Verification) NeedsNotification() bool {
	return !v.Verified && v.NotifiedAt == nil
}

// NotificationInFlight reports whether another caller holds the
// notification lease at now.
func (v *Verification) NotificationInFlight(now time.Time) bool {
	return v.NotifyLeaseUntil != nil && now.Before(*v.NotifyLeaseUntil)
}

// ClaimNotification takes the notification lease until now+ttl.
func (v *Verification) ClaimNotification(now time.Time, ttl time.Duration) {
	until := now.Add(ttl)
	v.NotifyLeaseUntil = &until
}

// ReleaseNotification drops the lease; delivered records also get NotifiedAt.
func (v *Verification) ReleaseNotification(delivered bool, now time.Time) {
	v.NotifyLeaseUntil = nil
	if delivered {
		t := now
		v.NotifiedAt = &t
	}
}

// Clone returns a deep copy so stores never share pointers with callers.
func (v *Verification) Clone() *Verification {
	if v == nil {
		return nil
	}
	c := *v
	c.VerifiedAt = cloneTime(v.VerifiedAt)
	c.NotifiedAt = cloneTime(v.NotifiedAt)
	c.NotifyLeaseUntil = cloneTime(v.NotifyLeaseUntil)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Status is the read-only view exposed over the API; it never carries the code.
type Status struct {
	ID         id.VerificationID
	UserID     id.UserID
	Email      string
	Verified   bool
	VerifiedAt *time.Time
	Attempts   int
	ExpiresAt  time.Time
	Notified   bool
}

func (v *Verification) Status() Status {
	return Status{
		ID:         v.ID,
		UserID:     v.UserID,
		Email:      v.Email,
		Verified:   v.Verified,
		VerifiedAt: cloneTime(v.VerifiedAt),
		Attempts:   v.Attempts,
		ExpiresAt:  v.ExpiresAt,
		Notified:   v.NotifiedAt != nil,
	}
}
