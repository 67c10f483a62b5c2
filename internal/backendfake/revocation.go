package backendfake

import (
	"sync"
	"time"
)

// revokedTokens models the backend's SimpleJWT blacklist: a revoked jti is
// rejected until the token would have expired anyway.
type revokedTokens struct {
	revoked map[string]time.Time
	mu      sync.RWMutex
}

func newRevokedTokens() *revokedTokens {
	return &revokedTokens{
		revoked: make(map[string]time.Time),
	}
}

func (c *revokedTokens) Add(jti string, exp time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[jti] = exp
}

func (c *revokedTokens) IsRevoked(jti string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.revoked[jti]
	return exists
}

// Cleanup drops entries whose tokens have expired anyway.
func (c *revokedTokens) Cleanup(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for jti, exp := range c.revoked {
		if now.After(exp) {
			delete(c.revoked, jti)
		}
	}
}
