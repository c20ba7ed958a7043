package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		username string
		want     string
	}{
		{"username wins", "jane.doe@example.com", "jdoe", "jdoe"},
		{"derived from dotted local part", "jane.doe@example.com", "", "Jane"},
		{"derived from plus tag", "bob+news@example.com", " ", "Bob"},
		{"no usable local part", "@example.com", "", "there"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.address, tt.username))
		})
	}
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("alice@x.com"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("Alice <alice@x.com>"))
	assert.False(t, Valid("not-an-address"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "alice@x.com", Normalize("  Alice@X.com "))
}
