package identity

import (
	"errors"
	"sync"
	"time"

	"github.com/mvellosa/courier/internal/bus"
)

// Provider tracks the acting user and whether pushes may run. The outbox
// dispatcher consults Authenticated before every cycle; the remote
// gateway pulls the bearer token through Token.
type Provider struct {
	mu     sync.RWMutex
	userID string
	token  string
	authed bool
	bus    *bus.Bus
}

// New creates an unauthenticated provider.
func New(b *bus.Bus) *Provider {
	return &Provider{bus: b}
}

// SetSession records the authenticated user and credential, resuming any
// suppressed pushes.
func (p *Provider) SetSession(userID, token string) {
	p.mu.Lock()
	p.userID = userID
	p.token = token
	p.authed = true
	p.mu.Unlock()
	p.publish("identity.authenticated", userID)
}

// Clear drops the identity and credential and suppresses pushes until
// the next SetSession.
func (p *Provider) Clear() {
	p.mu.Lock()
	userID := p.userID
	p.userID = ""
	p.token = ""
	p.authed = false
	p.mu.Unlock()
	p.publish("identity.logged_out", userID)
}

// UserID returns the acting user id ("" when unauthenticated).
func (p *Provider) UserID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.userID
}

// Authenticated reports whether pushes may run.
func (p *Provider) Authenticated() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.authed
}

// Token implements the remote gateway's TokenSource.
func (p *Provider) Token() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.authed {
		return "", errors.New("not authenticated")
	}
	return p.token, nil
}

func (p *Provider) publish(kind, userID string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: userID})
}
