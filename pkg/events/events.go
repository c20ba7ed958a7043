// Package events is the wire contract shared by the identity and
// notification services: topology names, the versioned envelope, and the
// event payloads.
package events

import (
	"time"

	id "signupflow/pkg/domain"
)

// Topology. Exchanges map onto topics; routing keys travel as a record header.
const (
	ExchangeUserEvents  = "user_events"
	ExchangeEmailEvents = "email_events"

	RoutingKeyUserCreated               = "user.created"
	RoutingKeyUserUpdated               = "user.updated"
	RoutingKeyUserDeleted               = "user.deleted"
	RoutingKeyEmailSent                 = "email.sent"
	RoutingKeyEmailVerificationComplete = "email.verification.completed"

	QueueEmailVerification = "email_verification_queue"
	DeadLetterSuffix       = ".dead_letter"
)

// DeadLetterTopic names the dead-letter destination for an exchange.
func DeadLetterTopic(exchange string) string {
	return exchange + DeadLetterSuffix
}

const (
	MessageTypeEvent = "Event"
	VersionV1        = "1.0"

	NameUserCreated                = "UserCreated"
	NameUserUpdated                = "UserUpdated"
	NameUserDeleted                = "UserDeleted"
	NameEmailSent                  = "EmailSent"
	NameEmailVerificationCompleted = "EmailVerificationCompleted"
)

// Envelope carries the fields every event shares. It is embedded so the
// fields sit at the top level of the JSON document.
type Envelope struct {
	ID           id.EventID `json:"id"`
	Timestamp    time.Time  `json:"timestamp"`
	MessageType  string     `json:"messageType"`
	EventName    string     `json:"eventName"`
	EventVersion string     `json:"eventVersion"`
}

func newEnvelope(name string, now time.Time) Envelope {
	return Envelope{
		ID:           id.NewEventID(),
		Timestamp:    now.UTC(),
		MessageType:  MessageTypeEvent,
		EventName:    name,
		EventVersion: VersionV1,
	}
}

func (e Envelope) Meta() Envelope { return e }

// Event is implemented by every payload. Exchange and RoutingKey place it in
// the topology; Key orders events of one aggregate onto one partition.
type Event interface {
	Meta() Envelope
	Name() string
	Exchange() string
	RoutingKey() string
	Key() string
	validate() error
}

type UserCreated struct {
	Envelope
	UserID    id.UserID `json:"userId"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewUserCreated(now time.Time, userID id.UserID, email, username string, createdAt time.Time) UserCreated {
	return UserCreated{
		Envelope:  newEnvelope(NameUserCreated, now),
		UserID:    userID,
		Email:     email,
		Username:  username,
		CreatedAt: createdAt.UTC(),
	}
}

func (UserCreated) Name() string { return NameUserCreated }
func (UserCreated) Exchange() string { return ExchangeUserEvents }
func (UserCreated) RoutingKey() string { return RoutingKeyUserCreated }
func (e UserCreated) Key() string { return e.UserID.String() }
func (e UserCreated) validate() error {
	return requireFields(
		field{"userId", !e.UserID.IsNil()},
		field{"email", e.Email != ""},
	)
}

type UserUpdated struct {
	Envelope
	UserID    id.UserID `json:"userId"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func NewUserUpdated(now time.Time, userID id.UserID, email, username string) UserUpdated {
	return UserUpdated{
		Envelope:  newEnvelope(NameUserUpdated, now),
		UserID:    userID,
		Email:     email,
		Username:  username,
		UpdatedAt: now.UTC(),
	}
}

func (UserUpdated) Name() string { return NameUserUpdated }
func (UserUpdated) Exchange() string { return ExchangeUserEvents }
func (UserUpdated) RoutingKey() string { return RoutingKeyUserUpdated }
func (e UserUpdated) Key() string { return e.UserID.String() }
func (e UserUpdated) validate() error {
	return requireFields(field{"userId", !e.UserID.IsNil()})
}

type UserDeleted struct {
	Envelope
	UserID    id.UserID `json:"userId"`
	DeletedAt time.Time `json:"deletedAt"`
}

func NewUserDeleted(now time.Time, userID id.UserID) UserDeleted {
	return UserDeleted{
		Envelope:  newEnvelope(NameUserDeleted, now),
		UserID:    userID,
		DeletedAt: now.UTC(),
	}
}

func (UserDeleted) Name() string { return NameUserDeleted }
func (UserDeleted) Exchange() string { return ExchangeUserEvents }
func (UserDeleted) RoutingKey() string { return RoutingKeyUserDeleted }
func (e UserDeleted) Key() string { return e.UserID.String() }
func (e UserDeleted) validate() error {
	return requireFields(field{"userId", !e.UserID.IsNil()})
}

type EmailVerificationCompleted struct {
	Envelope
	UserID     id.UserID `json:"userId"`
	Email      string    `json:"email"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

func NewEmailVerificationCompleted(now time.Time, userID id.UserID, email string, verifiedAt time.Time) EmailVerificationCompleted {
	return EmailVerificationCompleted{
		Envelope:   newEnvelope(NameEmailVerificationCompleted, now),
		UserID:     userID,
		Email:      email,
		VerifiedAt: verifiedAt.UTC(),
	}
}

func (EmailVerificationCompleted) Name() string { return NameEmailVerificationCompleted }
func (EmailVerificationCompleted) Exchange() string { return ExchangeEmailEvents }
func (EmailVerificationCompleted) RoutingKey() string { return RoutingKeyEmailVerificationComplete }
func (e EmailVerificationCompleted) Key() string { return e.UserID.String() }
func (e EmailVerificationCompleted) validate() error {
	return requireFields(
		field{"userId", !e.UserID.IsNil()},
		field{"verifiedAt", !e.VerifiedAt.IsZero()},
	)
}

// Email types reported by EmailSent.
const (
	EmailTypeVerification       = "verification"
	EmailTypeResendVerification = "resend_verification"
)

type EmailSent struct {
	Envelope
	UserID       id.UserID `json:"userId"`
	Email        string    `json:"email"`
	EmailType    string    `json:"emailType"`
	SentAt       time.Time `json:"sentAt"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

func NewEmailSent(now time.Time, userID id.UserID, email, emailType string, sendErr error) EmailSent {
	e := EmailSent{
		Envelope:  newEnvelope(NameEmailSent, now),
		UserID:    userID,
		Email:     email,
		EmailType: emailType,
		SentAt:    now.UTC(),
		Success:   sendErr == nil,
	}
	if sendErr != nil {
		e.ErrorMessage = sendErr.Error()
	}
	return e
}

func (EmailSent) Name() string { return NameEmailSent }
func (EmailSent) Exchange() string { return ExchangeEmailEvents }
func (EmailSent) RoutingKey() string { return RoutingKeyEmailSent }
func (e EmailSent) Key() string { return e.UserID.String() }
func (e EmailSent) validate() error {
	return requireFields(field{"userId", !e.UserID.IsNil()})
}
