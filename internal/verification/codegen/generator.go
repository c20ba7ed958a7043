// Package codegen produces numeric verification codes from crypto/rand.
package codegen

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	dErrors "signupflow/pkg/domain-errors"
)

const (
	MinLength = 1
	MaxLength = 10
)

var ten = big.NewInt(10)

// Generator draws each digit uniformly with rand.Int, which rejects biased
// samples instead of reducing modulo 10. It is safe for concurrent use.
type Generator struct {
	source io.Reader
}

// New returns a generator backed by crypto/rand.Reader.
func New() *Generator {
	return &Generator{source: rand.Reader}
}

// NewWithSource is for tests that need a failing or deterministic source.
func NewWithSource(source io.Reader) *Generator {
	return &Generator{source: source}
}

// Generate returns exactly length ASCII digits.
func (g *Generator) Generate(length int) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", dErrors.New(dErrors.CodeInvalidParameter,
			fmt.Sprintf("code length must be within [%d,%d], got %d", MinLength, MaxLength, length))
	}

	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(g.source, ten)
		if err != nil {
			return "", dErrors.Wrap(err, dErrors.CodeInternal, "read random source")
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}
