package resilience

import (
	"sync"
	"time"

	"nftgate/internal/domain"
)

// CircuitState represents a provider's cooldown state
type CircuitState string

const (
	StateClosed   CircuitState = "closed"    // Normal operation
	StateOpen     CircuitState = "open"      // In cooldown, skipped by failover
	StateHalfOpen CircuitState = "half_open" // Cooldown elapsed, awaiting validation
)

// CooldownStatus is the cooldown record of one provider
type CooldownStatus struct {
	State         CircuitState `json:"state"`
	DisabledUntil time.Time    `json:"disabled_until"`
	Trips         int          `json:"trips"`
}

// Cooldown tracks timed exclusion windows per provider
type Cooldown struct {
	mu      sync.Mutex
	entries map[domain.ProviderName]*CooldownStatus
}

// NewCooldown creates an empty cooldown tracker
func NewCooldown() *Cooldown {
	return &Cooldown{entries: make(map[domain.ProviderName]*CooldownStatus)}
}

// Trip places a provider in cooldown until the given time
func (c *Cooldown) Trip(name domain.ProviderName, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.entries[name]
	if !ok {
		st = &CooldownStatus{}
		c.entries[name] = st
	}
	st.State = StateOpen
	st.DisabledUntil = until
	st.Trips++
}

// InCooldown reports whether the provider is still inside its exclusion window
func (c *Cooldown) InCooldown(name domain.ProviderName, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.entries[name]
	if !ok || st.State == StateClosed {
		return false
	}
	return now.Before(st.DisabledUntil)
}

// HalfOpen reports whether the cooldown has elapsed and the provider awaits
// a validation probe. The transition from open is recorded.
func (c *Cooldown) HalfOpen(name domain.ProviderName, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.entries[name]
	if !ok {
		return false
	}
	switch st.State {
	case StateHalfOpen:
		return true
	case StateOpen:
		if !now.Before(st.DisabledUntil) {
			st.State = StateHalfOpen
			return true
		}
	}
	return false
}

// State returns the provider's current state as of now
func (c *Cooldown) State(name domain.ProviderName, now time.Time) CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.entries[name]
	if !ok {
		return StateClosed
	}
	if st.State == StateOpen && !now.Before(st.DisabledUntil) {
		return StateHalfOpen
	}
	return st.State
}

// Until returns when the provider's cooldown ends; zero when closed
func (c *Cooldown) Until(name domain.ProviderName) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.entries[name]; ok && st.State != StateClosed {
		return st.DisabledUntil
	}
	return time.Time{}
}

// Reset closes the provider's circuit, keeping the trip count
func (c *Cooldown) Reset(name domain.ProviderName) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.entries[name]; ok {
		st.State = StateClosed
		st.DisabledUntil = time.Time{}
	}
}

// Snapshot returns a copy of every tracked provider's status
func (c *Cooldown) Snapshot() map[domain.ProviderName]CooldownStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[domain.ProviderName]CooldownStatus, len(c.entries))
	for name, st := range c.entries {
		out[name] = *st
	}
	return out
}
