package vpn

import "time"

// SessionState represents the lifecycle state of the VPN session.
type SessionState int

const (
	// StateDisconnected indicates no tunnel exists. It is the initial state.
	StateDisconnected SessionState = iota
	// StateConnecting indicates tunnel setup is in progress.
	StateConnecting
	// StateConnected indicates an established tunnel.
	StateConnected
	// StateDisconnecting indicates the tunnel is being torn down.
	StateDisconnecting
)

// String returns the state name used in logs and the control API.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Label returns a human-readable representation of the state.
func (s SessionState) Label() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting..."
	default:
		return "Unknown"
	}
}

// Busy reports whether a session is active in some form.
func (s SessionState) Busy() bool {
	return s == StateConnecting || s == StateConnected || s == StateDisconnecting
}

// MarshalText encodes the state by name.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *SessionState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "disconnected":
		*s = StateDisconnected
	case "connecting":
		*s = StateConnecting
	case "connected":
		*s = StateConnected
	case "disconnecting":
		*s = StateDisconnecting
	default:
		return &unknownStateError{name: string(text)}
	}
	return nil
}

type unknownStateError struct{ name string }

func (e *unknownStateError) Error() string { return "unknown session state " + e.name }

// Session is a point-in-time copy of the session record.
// ActiveProfile is non-nil exactly when State is busy.
type Session struct {
	State         SessionState
	ActiveProfile *Profile
	AttemptID     string
	StartedAt     time.Time
	LastError     error
}

// Duration returns how long the session has been connected.
func (s Session) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.State != StateConnected {
		return 0
	}
	return time.Since(s.StartedAt)
}

// Event describes a committed state transition.
type Event struct {
	Old SessionState
	New SessionState
	// Profile is the session's profile at the transition. For transitions
	// into StateDisconnected it is the profile of the session that ended.
	Profile   *Profile
	AttemptID string
	At        time.Time
	// Err is set when the transition was caused by a failure.
	Err error
	// Statistics holds the last counters sampled while connected. It is
	// only set on transitions out of StateConnected.
	Statistics *Statistics
}
