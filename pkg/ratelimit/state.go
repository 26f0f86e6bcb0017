// Package ratelimit paces outgoing platform requests and honours the
// platform's requests to back off.
//
// Pacing is a token bucket (requests per second). Back-off comes from
// 429 Too Many Requests and 503 Service Unavailable answers: their
// Retry-After header starts a cooldown during which requests are refused
// instead of being sent.
package ratelimit

import (
	"time"
)

// Cooldown bounds.
const (
	// DefaultCooldown applies when a throttling answer carries no usable Retry-After.
	DefaultCooldown = 5 * time.Second

	// MaxCooldown caps whatever Retry-After asks for.
	MaxCooldown = 5 * time.Minute
)

// State is the current back-off state of the platform as seen by this process.
type State struct {
	// CooldownUntil is when requests may be sent again. Zero when no cooldown was ever requested.
	CooldownUntil time.Time `json:"cooldown_until"`

	// LastStatus is the status code of the last response recorded.
	LastStatus int `json:"last_status"`

	// LastUpdate is when the state last changed.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is false while a cooldown is active.
	IsHealthy bool `json:"is_healthy"`
}

// InCooldown reports whether requests must be held back at now.
func (s *State) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// TimeUntilReset returns the remaining cooldown, or 0 if none is active.
func (s *State) TimeUntilReset() time.Duration {
	d := time.Until(s.CooldownUntil)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale reports whether the state has not been updated within maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}

// UpdateHealth recomputes IsHealthy for now.
func (s *State) UpdateHealth(now time.Time) {
	s.IsHealthy = !s.InCooldown(now)
}
