package appointments

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
)

const (
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength      = 8
	maxCodeAttempts = 10
	// Bytes at or above this value are rejected so every symbol is equally likely.
	codeByteLimit = 256 - 256%len(codeAlphabet)
)

// CodeChecker reports whether an access code is already assigned.
type CodeChecker interface {
	AccessCodeExists(ctx context.Context, code string) (bool, error)
}

// CodeGenerator issues 8-character access codes from crypto/rand.
type CodeGenerator struct {
	checker     CodeChecker
	random      io.Reader
	maxAttempts int
}

func NewCodeGenerator(checker CodeChecker) *CodeGenerator {
	if checker == nil {
		panic("appointments: code checker required")
	}
	return &CodeGenerator{checker: checker, random: rand.Reader, maxAttempts: maxCodeAttempts}
}

// WithRandom replaces the entropy source.
func (g *CodeGenerator) WithRandom(r io.Reader) *CodeGenerator {
	if r != nil {
		g.random = r
	}
	return g
}

// Generate returns a code no existing appointment uses, giving up with
// ErrCodeExhausted after ten collisions.
func (g *CodeGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code, err := g.candidate()
		if err != nil {
			return "", err
		}
		exists, err := g.checker.AccessCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("appointments: check access code: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}

func (g *CodeGenerator) candidate() (string, error) {
	out := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength*2)
	for len(out) < codeLength {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return "", fmt.Errorf("appointments: read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= codeByteLimit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == codeLength {
				break
			}
		}
	}
	return string(out), nil
}
