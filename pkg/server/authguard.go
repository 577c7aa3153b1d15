package server

import "sync"

// AuthGuard tracks wrong-password attempts per source address and the
// lockout cooldown that follows too many of them. It guards login attempts
// only; it is not a general rate limiter.
//
// Per-address state machine: CLEAN (count 0) → FAILING (count 1..threshold-1)
// → LOCKED (cooldown ticks). A background tick decays cooldowns by one and
// resets any nonzero count, so failure counts only accumulate within a
// single decay window.
type AuthGuard struct {
	mu           sync.Mutex
	threshold    int
	lockoutTicks int
	failures     map[string]int
	cooldown     map[string]int
}

// NewAuthGuard creates a guard that locks an address out for lockoutTicks
// decay intervals after threshold consecutive failures.
func NewAuthGuard(threshold, lockoutTicks int) *AuthGuard {
	return &AuthGuard{
		threshold:    threshold,
		lockoutTicks: lockoutTicks,
		failures:     make(map[string]int),
		cooldown:     make(map[string]int),
	}
}

// Locked reports whether the address is in lockout cooldown. A locked
// address is rejected before the handshake consumes a further failure count.
func (g *AuthGuard) Locked(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.cooldown[addr] > 0
}

// Fail records a wrong-password attempt. When the failure count reaches the
// threshold the count resets and the address enters lockout; the return
// value reports whether this attempt crossed that line.
func (g *AuthGuard) Fail(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures[addr]++
	if g.failures[addr] >= g.threshold {
		g.failures[addr] = 0
		g.cooldown[addr] = g.lockoutTicks
		return true
	}
	return false
}

// Tick runs one decay interval: every nonzero cooldown decrements by one
// and every nonzero failure count resets to zero.
func (g *AuthGuard) Tick() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for addr, count := range g.failures {
		if count > 0 {
			g.failures[addr] = 0
		}
	}
	for addr, ticks := range g.cooldown {
		if ticks > 0 {
			g.cooldown[addr] = ticks - 1
		}
	}
}
