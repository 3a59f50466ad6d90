package vimar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"vimarconnector/pkg/flow"
)

var (
	// ErrCannotConnect indicates the device could not be reached.
	ErrCannotConnect = fmt.Errorf("%w: cannot connect", flow.ErrIntegration)

	// ErrInvalidAuth indicates the device rejected the access code.
	ErrInvalidAuth = fmt.Errorf("%w: invalid auth", flow.ErrIntegration)
)

// Connection is what an authenticator needs to reach a device.
type Connection struct {
	Host string
	Port int
	Code string
}

// Authenticator checks whether a device accepts a connection.
// Implementations return ErrCannotConnect (wrapped) when the device is unreachable
// and false when it is reachable but rejects the credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, conn Connection) (bool, error)
}

// ValidateInput checks that the input allows a connection to the device.
func ValidateInput(ctx context.Context, auth Authenticator, input flow.Input) error {
	if auth == nil {
		return errors.New("no authenticator configured")
	}

	conn := Connection{
		Host: input.String(flow.ConfHost),
		Port: input.Int(flow.ConfPort),
		Code: input.String(flow.ConfCode),
	}
	if conn.Host == "" {
		conn.Host = input.String(flow.ConfIPAddress)
	}

	ok, err := auth.Authenticate(ctx, conn)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidAuth
	}
	return nil
}

// ReachabilityAuthenticator only checks that the device accepts TCP connections.
// The device protocol is not implemented, so the access code is never verified.
type ReachabilityAuthenticator struct {
	timeout     time.Duration
	defaultPort int
	dialer      net.Dialer
}

// NewReachabilityAuthenticator creates an authenticator dialing with timeout.
// defaultPort is used when the connection carries no port.
func NewReachabilityAuthenticator(timeout time.Duration, defaultPort int) *ReachabilityAuthenticator {
	return &ReachabilityAuthenticator{timeout: timeout, defaultPort: defaultPort}
}

// Authenticate dials the device and reports success when the connection opens.
func (a *ReachabilityAuthenticator) Authenticate(ctx context.Context, conn Connection) (bool, error) {
	if conn.Host == "" {
		return false, fmt.Errorf("%w: no host", ErrCannotConnect)
	}

	port := conn.Port
	if port == 0 {
		port = a.defaultPort
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	c, err := a.dialer.DialContext(ctx, "tcp", net.JoinHostPort(conn.Host, strconv.Itoa(port)))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrCannotConnect, err)
	}
	_ = c.Close()
	return true, nil
}
