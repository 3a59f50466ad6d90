package testutil

import (
	"context"
	"sync"

	"vimarconnector/internal/plugins/vimar"
)

// MockAuthenticator is a vimar.Authenticator returning canned results and
// recording every connection it was asked to check.
type MockAuthenticator struct {
	mu    sync.Mutex
	ok    bool
	err   error
	calls []vimar.Connection
}

// NewMockAuthenticator creates an authenticator accepting every connection.
func NewMockAuthenticator() *MockAuthenticator {
	return &MockAuthenticator{ok: true}
}

// SetResult sets what Authenticate returns from now on.
func (m *MockAuthenticator) SetResult(ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ok = ok
	m.err = err
}

// Authenticate implements vimar.Authenticator.
func (m *MockAuthenticator) Authenticate(_ context.Context, conn vimar.Connection) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, conn)
	return m.ok, m.err
}

// Calls returns the connections checked so far.
func (m *MockAuthenticator) Calls() []vimar.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]vimar.Connection, len(m.calls))
	copy(out, m.calls)
	return out
}
