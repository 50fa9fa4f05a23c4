package services

import (
	"context"
	"strings"
	"time"
)

// KVStore is the expiring key/value store shared by the rate limiter, the circuit
// breaker flag and the response cache. Values are serialized records.
type KVStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// TTL returns false when the key is missing or has no expiry
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	// Keys lists keys matching a glob pattern (*, ? and backslash escapes)
	Keys(ctx context.Context, pattern string) ([]string, error)
	// IncrWindow atomically increments key, setting its expiry on the first increment
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
	Ping(ctx context.Context) error
}

// escapeGlob escapes glob metacharacters so a user id can be embedded in a key pattern
func escapeGlob(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// matchGlob matches s against a Redis-style glob supporting *, ? and backslash escapes.
// Unlike path.Match, '/' is an ordinary character.
func matchGlob(pattern, s string) bool {
	p := []rune(pattern)
	str := []rune(s)
	pi, si := 0, 0
	starP, starS := -1, 0

	for si < len(str) {
		if pi < len(p) {
			switch p[pi] {
			case '*':
				starP, starS = pi, si
				pi++
				continue
			case '?':
				pi++
				si++
				continue
			case '\\':
				if pi+1 < len(p) && p[pi+1] == str[si] {
					pi += 2
					si++
					continue
				}
			default:
				if p[pi] == str[si] {
					pi++
					si++
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		starS++
		si = starS
		pi = starP + 1
	}

	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
