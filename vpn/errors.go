package vpn

import (
	"errors"
	"fmt"
)

// Session errors. Callers match them with errors.Is.
var (
	ErrSessionBusy            = errors.New("session busy")
	ErrTunnelSetupFailed      = errors.New("tunnel setup failed")
	ErrTunnelTeardownFailed   = errors.New("tunnel teardown failed")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAuthenticationExpired  = errors.New("authentication expired")
	ErrNotConnected           = errors.New("not connected")
	ErrSamplingFailed         = errors.New("statistics sampling failed")
	ErrConnectCancelled       = errors.New("connect cancelled")
	ErrTwoFactorConsumed      = errors.New("two-factor token already used")
	ErrInvalidTwoFactor       = errors.New("invalid two-factor token")
	ErrTunnelLost             = errors.New("tunnel lost")

	// ErrNetworkUnreachable is reported by transports and surfaces wrapped
	// in ErrTunnelSetupFailed.
	ErrNetworkUnreachable = errors.New("network unreachable")

	errInvalidTransition = errors.New("invalid state transition")
	errNoTransport       = errors.New("tunnel transport is required")
)

// SessionError describes a failed session operation.
// It unwraps to both Kind and the underlying cause.
type SessionError struct {
	Op        string
	ProfileID string
	From      SessionState
	To        SessionState
	Kind      error
	Err       error
}

func (e *SessionError) Error() string {
	msg := e.Op
	if e.ProfileID != "" {
		msg += fmt.Sprintf(" %q", e.ProfileID)
	}
	if e.From != e.To {
		msg += fmt.Sprintf(" (%s -> %s)", e.From, e.To)
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil && e.Err != e.Kind {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
