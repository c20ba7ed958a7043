package models

import (
	"strings"
	"time"
	"unicode/utf8"

	id "signupflow/pkg/domain"
	dErrors "signupflow/pkg/domain-errors"
	"signupflow/pkg/email"
)

const (
	maxUsernameLength = 100
	minUsernameLength = 3
	maxEmailLength    = 100
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
)

// User is a registered account. PasswordHash never leaves the service.
type User struct {
	ID           id.UserID
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	LastLoginAt  *time.Time
	IsActive     bool
}

// Registration is the validated input of a sign-up.
type Registration struct {
	Username string
	Email    string
	Password string
}

// NewRegistration trims and normalizes raw input and validates it.
func NewRegistration(username, address, password string) (Registration, error) {
	r := Registration{
		Username: strings.TrimSpace(username),
		Email:    email.Normalize(address),
		Password: password,
	}
	return r, r.validate()
}

func (r Registration) validate() error {
	n := utf8.RuneCountInString(r.Username)
	switch {
	case n == 0:
		return dErrors.New(dErrors.CodeInvalidInput, "username is required")
	case n < minUsernameLength || n > maxUsernameLength:
		return dErrors.New(dErrors.CodeValidation, "username must be between 3 and 100 characters")
	case strings.ContainsAny(r.Username, "@ \t\r\n"):
		return dErrors.New(dErrors.CodeValidation, "username must not contain '@' or whitespace")
	case r.Email == "":
		return dErrors.New(dErrors.CodeInvalidInput, "email is required")
	case len(r.Email) > maxEmailLength || !email.Valid(r.Email):
		return dErrors.New(dErrors.CodeValidation, "email is not a valid address")
	case r.Password == "":
		return dErrors.New(dErrors.CodeInvalidInput, "password is required")
	case len(r.Password) < minPasswordLength:
		return dErrors.New(dErrors.CodeValidation, "password must be at least 8 characters")
	case len(r.Password) > maxPasswordBytes:
		return dErrors.New(dErrors.CodeValidation, "password must be at most 72 bytes")
	}
	return nil
}

func NewUser(username, address, passwordHash string, now time.Time) *User {
	return &User{
		ID:           id.NewUserID(),
		Username:     username,
		Email:        address,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		IsActive:     true,
	}
}

func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}
