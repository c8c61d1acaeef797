// Package biometric abstracts the user-presence challenge that guards the
// biometric form of the wallet key.
package biometric

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultSessionWindow is how long a successful challenge stays valid.
const DefaultSessionWindow = 30 * time.Second

// Authenticator runs a biometric (or equivalent) challenge.
type Authenticator interface {
	// EnsureAuthenticated prompts the user with reason. A declined or
	// failed challenge is (false, nil); errors are reserved for faults.
	EnsureAuthenticated(ctx context.Context, reason string) (bool, error)

	// Available reports whether the challenge can be run at all.
	Available(ctx context.Context) bool
}

// StaticAuthenticator returns a fixed answer. Used in tests and headless
// runs.
type StaticAuthenticator struct {
	Allow       bool
	Unavailable bool

	mu    sync.Mutex
	calls int
}

// Allow returns an authenticator that always succeeds.
func Allow() *StaticAuthenticator { return &StaticAuthenticator{Allow: true} }

// Deny returns an authenticator that always declines.
func Deny() *StaticAuthenticator { return &StaticAuthenticator{} }

func (a *StaticAuthenticator) EnsureAuthenticated(ctx context.Context, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	if a.Unavailable {
		return false, nil
	}
	return a.Allow, nil
}

func (a *StaticAuthenticator) Available(context.Context) bool {
	return !a.Unavailable
}

// Calls returns how many challenges were run.
func (a *StaticAuthenticator) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// SessionAuthenticator caches a successful challenge for a window so
// repeated calls do not re-prompt.
type SessionAuthenticator struct {
	inner  Authenticator
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	validTill time.Time
}

// NewSessionAuthenticator wraps inner. A non-positive window means
// DefaultSessionWindow.
func NewSessionAuthenticator(inner Authenticator, window time.Duration) *SessionAuthenticator {
	if window <= 0 {
		window = DefaultSessionWindow
	}
	return &SessionAuthenticator{
		inner:  inner,
		window: window,
		now:    time.Now,
	}
}

func (s *SessionAuthenticator) EnsureAuthenticated(ctx context.Context, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.now().Before(s.validTill) {
		return true, nil
	}

	ok, err := s.inner.EnsureAuthenticated(ctx, reason)
	if err != nil {
		return false, fmt.Errorf("biometric challenge: %w", err)
	}
	if ok {
		s.validTill = s.now().Add(s.window)
	}
	return ok, nil
}

func (s *SessionAuthenticator) Available(ctx context.Context) bool {
	return s.inner.Available(ctx)
}

// Invalidate ends the current session.
func (s *SessionAuthenticator) Invalidate() {
	s.mu.Lock()
	s.validTill = time.Time{}
	s.mu.Unlock()
}

// SetClock replaces the time source.
func (s *SessionAuthenticator) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
