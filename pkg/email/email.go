package email

import (
	"net/mail"
	"strings"
	"unicode"
)

// Normalize lowercases and trims an address so uniqueness checks are
// case-insensitive.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Valid reports whether address is a bare RFC 5322 addr-spec.
func Valid(address string) bool {
	if address == "" || len(address) > 254 {
		return false
	}
	parsed, err := mail.ParseAddress(address)
	if err != nil {
		return false
	}
	return parsed.Address == address && parsed.Name == ""
}

// DisplayName returns username when set, otherwise a greeting name derived
// from the local part of the address ("jane.doe@x.com" -> "Jane").
func DisplayName(address, username string) string {
	if name := strings.TrimSpace(username); name != "" {
		return name
	}

	localPart := address
	if at := strings.IndexByte(address, '@'); at >= 0 {
		localPart = address[:at]
	}

	parts := strings.FieldsFunc(localPart, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	if len(parts) == 0 {
		return "there"
	}
	return capitalize(parts[0])
}

func capitalize(s string) string {
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
