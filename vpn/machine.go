package vpn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// allowedTransitions defines valid state transitions.
var allowedTransitions = map[SessionState][]SessionState{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateDisconnecting, StateDisconnected},
	StateConnected:     {StateDisconnecting, StateDisconnected},
	StateDisconnecting: {StateDisconnected},
}

// CanTransition reports whether the machine accepts from -> to.
func CanTransition(from, to SessionState) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// attempt is the internal record of one connect attempt. Fields without a
// note are guarded by machine.mu.
type attempt struct {
	id                  string
	profile             *Profile
	cancel              context.CancelFunc
	disconnectRequested bool
	handle              TunnelHandle
	pollRun             uint64

	// leaving is closed when the attempt leaves StateConnected.
	leaving chan struct{}
	// done is closed once the attempt is back in StateDisconnected.
	// teardownErr is written before done is closed.
	done        chan struct{}
	teardownErr error
}

func newAttempt(profile *Profile, cancel context.CancelFunc) *attempt {
	return &attempt{
		id:      uuid.NewString(),
		profile: profile,
		cancel:  cancel,
		leaving: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// transition is what a decide function asks the machine to commit.
type transition struct {
	to    SessionState
	move  bool
	cause error
	stats *Statistics
	// apply runs under the session lock after the transition is validated.
	apply func()
}

func moveTo(to SessionState) transition {
	return transition{to: to, move: true}
}

// machine owns the session record. It is the only writer of session state.
//
// Lock order is emitMu then mu. A transition is decided and committed under
// both and published under emitMu alone, so events reach observers in commit
// order while reads that only take mu never wait on publication.
type machine struct {
	mu        sync.Mutex
	state     SessionState
	current   *attempt
	startedAt time.Time
	lastError error

	emitMu    sync.Mutex
	observers observerList
	now       func() time.Time
}

func newMachine() *machine {
	return &machine{now: time.Now}
}

// advance runs decide under the session lock and commits the transition it
// returns. Observers are notified before advance returns.
func (m *machine) advance(decide func() (transition, error)) (Event, bool, error) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	t, err := decide()
	if err != nil || !t.move {
		m.mu.Unlock()
		return Event{}, false, err
	}

	from := m.state
	if !CanTransition(from, t.to) {
		m.mu.Unlock()
		return Event{}, false, fmt.Errorf("%w: %s -> %s", errInvalidTransition, from, t.to)
	}
	if t.apply != nil {
		t.apply()
	}

	ev := Event{
		Old:        from,
		New:        t.to,
		At:         m.now(),
		Err:        t.cause,
		Statistics: t.stats,
	}
	if m.current != nil {
		ev.Profile = m.current.profile
		ev.AttemptID = m.current.id
	}

	m.state = t.to
	if t.to == StateDisconnected {
		m.current = nil
		m.startedAt = time.Time{}
		m.lastError = t.cause
	}

	m.mu.Unlock()
	m.observers.notify(ev)

	return ev, true, nil
}

// begin binds att to the session and moves to StateConnecting.
func (m *machine) begin(att *attempt) (SessionState, error) {
	var current SessionState
	_, _, err := m.advance(func() (transition, error) {
		current = m.state
		if m.state != StateDisconnected {
			return transition{}, ErrSessionBusy
		}
		t := moveTo(StateConnecting)
		t.apply = func() {
			m.current = att
			m.lastError = nil
		}
		return t, nil
	})
	return current, err
}

// snapshot returns a consistent copy of the session record.
func (m *machine) snapshot() Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Session{
		State:     m.state,
		StartedAt: m.startedAt,
		LastError: m.lastError,
	}
	if m.current != nil {
		p := *m.current.profile
		s.ActiveProfile = &p
		s.AttemptID = m.current.id
	}
	return s
}

func (m *machine) currentState() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// connectedHandle returns the tunnel handle while connected.
func (m *machine) connectedHandle() (TunnelHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.current == nil {
		return nil, false
	}
	return m.current.handle, true
}
