// Package keys holds API key records, their persistence and per-key rate
// limiting.
package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"slices"
	"time"
)

var (
	ErrNotFound      = errors.New("api key not found")
	ErrInvalidKey    = errors.New("invalid api key")
	ErrKeyExpired    = errors.New("api key expired")
	ErrIPNotAllowed  = errors.New("ip address not allowed for this api key")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrInvalidLength = errors.New("invalid api key length")
)

// DailyReset refills the balance to Tokens on the first use of each UTC day.
type DailyReset struct {
	Reset     bool    `json:"reset"`
	Tokens    float64 `json:"tokens"`
	LastReset string  `json:"last_reset,omitempty"`
}

// APIKey is the caller identity and prepaid balance.
type APIKey struct {
	Key               string     `json:"key"`
	Tokens            float64    `json:"tokens"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	DailyReset        DailyReset `json:"daily_reset"`
	AllowedIPs        []string   `json:"allowed_ips,omitempty"`
	PrioritizedModels []string   `json:"prioritized_models,omitempty"`
	Groups            []string   `json:"groups,omitempty"`
	// RateLimitPerMinute overrides the server default when positive.
	RateLimitPerMinute int `json:"rate_limit_per_minute,omitempty"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// IPAllowed reports whether ip may use the key. An empty list allows every
// address; entries may be single addresses or CIDR ranges.
func (k *APIKey) IPAllowed(ip string) bool {
	if len(k.AllowedIPs) == 0 {
		return true
	}
	return MatchIP(k.AllowedIPs, ip)
}

// Prioritizes reports whether requests for model get the priority class.
func (k *APIKey) Prioritizes(model string) bool {
	return slices.Contains(k.PrioritizedModels, model)
}

// IsAdmin reports whether any of the key's groups is an admin group.
func (k *APIKey) IsAdmin(adminGroups []string) bool {
	for _, g := range k.Groups {
		if slices.Contains(adminGroups, g) {
			return true
		}
	}
	return false
}

// ApplyDailyReset refills the balance when a new UTC day started since the
// last refill. It reports whether the record changed.
func (k *APIKey) ApplyDailyReset(now time.Time) bool {
	if !k.DailyReset.Reset {
		return false
	}
	day := now.UTC().Format(time.DateOnly)
	if k.DailyReset.LastReset == day {
		return false
	}
	k.Tokens = k.DailyReset.Tokens
	k.DailyReset.LastReset = day
	return true
}

// MatchIP reports whether ip matches any address or CIDR in list.
func MatchIP(list []string, ip string) bool {
	addr := net.ParseIP(ip)
	for _, entry := range list {
		if entry == ip {
			return true
		}
		if addr == nil {
			continue
		}
		if _, n, err := net.ParseCIDR(entry); err == nil && n.Contains(addr) {
			return true
		}
		if e := net.ParseIP(entry); e != nil && e.Equal(addr) {
			return true
		}
	}
	return false
}

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%&()=[]?-_.:,;<>*+"

// GenerateOptions controls new key creation.
type GenerateOptions struct {
	MinLength     int
	MaxLength     int
	ResetDaily    bool
	ExpiresAt     *time.Time
	AllowedIPs    []string
	Prioritized   []string
	Groups        []string
	DefaultGroups []string
}

// Key length bounds.
const (
	MinKeyLength = 16
	MaxKeyLength = 128
)

// ClampLengths applies the key length bounds: both ends within
// [MinKeyLength, MaxKeyLength], max defaults to min and min never exceeds max.
func ClampLengths(minLen, maxLen int) (int, int) {
	if maxLen <= 0 {
		maxLen = minLen
	}
	minLen = min(max(minLen, MinKeyLength), MaxKeyLength)
	maxLen = min(max(maxLen, MinKeyLength), MaxKeyLength)
	if minLen > maxLen {
		minLen = maxLen
	}
	return minLen, maxLen
}

// Generate creates a new key record with the given balance.
func Generate(tokens float64, opts GenerateOptions, now time.Time) (*APIKey, error) {
	minLen, maxLen := ClampLengths(opts.MinLength, opts.MaxLength)
	length := minLen
	if maxLen > minLen {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(maxLen-minLen+1)))
		if err != nil {
			return nil, fmt.Errorf("generate key length: %w", err)
		}
		length += int(n.Int64())
	}
	key, err := randomString(length)
	if err != nil {
		return nil, err
	}
	groups := opts.Groups
	if groups == nil {
		groups = append([]string(nil), opts.DefaultGroups...)
	}
	return &APIKey{
		Key:               key,
		Tokens:            tokens,
		CreatedAt:         now.UTC(),
		ExpiresAt:         opts.ExpiresAt,
		DailyReset:        DailyReset{Reset: opts.ResetDaily, Tokens: tokens},
		AllowedIPs:        opts.AllowedIPs,
		PrioritizedModels: opts.Prioritized,
		Groups:            groups,
	}, nil
}

func randomString(n int) (string, error) {
	if n <= 0 {
		return "", ErrInvalidLength
	}
	out := make([]byte, n)
	size := big.NewInt(int64(len(keyAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		out[i] = keyAlphabet[idx.Int64()]
	}
	return string(out), nil
}
