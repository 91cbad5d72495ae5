// Package licensekey mints human-shareable license keys of the form
// PREFIX-TIME-RANDOM, where TIME is the issue time in milliseconds and both
// TIME and RANDOM are upper-case base 36.
package licensekey

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPrefix = "TPL"
	randomLength  = 6
	alphabet      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// maxUnbiased is the largest multiple of len(alphabet) that fits in a byte.
// Bytes at or above it are discarded so every symbol is equally likely.
const maxUnbiased = 256 - 256%len(alphabet)

type Generator struct {
	prefix string
	now    func() time.Time
	random io.Reader
}

type Option func(*Generator)

func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

func New(prefix string, opts ...Option) *Generator {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultPrefix
	}

	g := &Generator{prefix: prefix, now: time.Now, random: rand.Reader}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Prefix() string {
	return g.prefix
}

// Generate returns a new key. Uniqueness is enforced by the store; a
// collision there is reported as a duplicate license key.
func (g *Generator) Generate() (string, error) {
	suffix, err := g.randomSuffix()
	if err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}
	stamp := strings.ToUpper(strconv.FormatInt(g.now().UnixMilli(), 36))
	return g.prefix + "-" + stamp + "-" + suffix, nil
}

func (g *Generator) randomSuffix() (string, error) {
	out := make([]byte, 0, randomLength)
	buf := make([]byte, randomLength*2)

	for len(out) < randomLength {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == randomLength {
				break
			}
		}
	}
	return string(out), nil
}

// Valid reports whether key has the shape this package generates for prefix.
func Valid(key, prefix string) bool {
	parts := strings.Split(key, "-")
	if len(parts) != 3 || parts[0] != prefix {
		return false
	}
	if parts[1] == "" || len(parts[2]) != randomLength {
		return false
	}
	for _, part := range parts[1:] {
		for _, r := range part {
			if !strings.ContainsRune(alphabet, r) {
				return false
			}
		}
	}
	return true
}
