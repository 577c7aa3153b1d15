package server

import (
	"sort"
	"sync"
)

// PresenceRegistry tracks which known usernames currently hold an online
// session. All access goes through its own lock; at most one session can
// hold online status for a username at a time.
type PresenceRegistry struct {
	mu     sync.Mutex
	online map[string]bool
}

// NewPresenceRegistry creates an empty presence registry
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{
		online: make(map[string]bool),
	}
}

// Track ensures the username has a presence entry, offline by default.
// Tracking an already-known username leaves its state untouched.
func (p *PresenceRegistry) Track(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.online[username]; !ok {
		p.online[username] = false
	}
}

// Claim atomically marks the username online. It returns false if another
// session already holds the name; the check and the flip share the lock so
// two concurrent logins cannot both succeed.
func (p *PresenceRegistry) Claim(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.online[username] {
		return false
	}
	p.online[username] = true
	return true
}

// Release marks the username offline.
func (p *PresenceRegistry) Release(username string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.online[username] = false
}

// IsOnline reports whether the username currently holds a session.
func (p *PresenceRegistry) IsOnline(username string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.online[username]
}

// Online returns a sorted snapshot of the usernames that are online.
func (p *PresenceRegistry) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	users := make([]string, 0, len(p.online))
	for username, on := range p.online {
		if on {
			users = append(users, username)
		}
	}
	sort.Strings(users)
	return users
}

// KnownCount returns the number of tracked usernames.
func (p *PresenceRegistry) KnownCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.online)
}
