// Package vpn provides VPN session management functionality.
// This file contains the Manager type, the single entry point front ends
// use to drive the session.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yllada/vpn-session-manager/common"
)

// Dependencies are the collaborators a Manager drives.
// Only Transport is required.
type Dependencies struct {
	Transport TunnelTransport
	Auth      AuthenticationProvider
	Messages  MessageSource
}

// ManagerConfig holds tunables for a Manager.
type ManagerConfig struct {
	// PollInterval is how often statistics are sampled while connected.
	PollInterval time.Duration
	// SamplingTimeout bounds a single statistics sample.
	SamplingTimeout time.Duration
	// EstablishTimeout bounds tunnel setup.
	EstablishTimeout time.Duration
	// TeardownTimeout bounds tunnel teardown.
	TeardownTimeout time.Duration
	// HealthFailureThreshold is the number of consecutive failed samples
	// after which the session is reported unhealthy.
	HealthFailureThreshold int
	// LogLocation is reported by LogLocation for diagnostics.
	LogLocation string
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PollInterval:           common.PollInterval,
		SamplingTimeout:        common.SamplingTimeout,
		EstablishTimeout:       common.EstablishTimeout,
		TeardownTimeout:        common.TeardownTimeout,
		HealthFailureThreshold: common.HealthFailureThreshold,
		LogLocation:            common.LogFilePath(),
	}
}

func (c *ManagerConfig) applyDefaults() {
	def := DefaultManagerConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.SamplingTimeout <= 0 {
		c.SamplingTimeout = def.SamplingTimeout
	}
	if c.EstablishTimeout <= 0 {
		c.EstablishTimeout = def.EstablishTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = def.TeardownTimeout
	}
	if c.HealthFailureThreshold <= 0 {
		c.HealthFailureThreshold = def.HealthFailureThreshold
	}
}

// Manager orchestrates a single VPN session.
// All methods are safe for concurrent use.
type Manager struct {
	transport TunnelTransport
	auth      AuthenticationProvider
	messages  MessageSource
	config    ManagerConfig

	machine *machine
	poller  *Poller
	health  *healthTracker
}

// NewManager creates a new session manager in StateDisconnected.
func NewManager(deps Dependencies, config ManagerConfig) (*Manager, error) {
	if deps.Transport == nil {
		return nil, errNoTransport
	}
	config.applyDefaults()

	m := &Manager{
		transport: deps.Transport,
		auth:      deps.Auth,
		messages:  deps.Messages,
		config:    config,
		machine:   newMachine(),
		poller:    NewPoller(deps.Transport, config.PollInterval, config.SamplingTimeout),
		health:    newHealthTracker(config.HealthFailureThreshold),
	}
	m.poller.SetOnResult(m.health.record)
	return m, nil
}

// Connect brings up a tunnel for profile and blocks until setup resolves.
//
// If the profile needs a second factor and token is nil, Connect returns
// TwoFactorRequired without touching the session. Failures are returned as
// *SessionError and leave the session disconnected.
func (m *Manager) Connect(ctx context.Context, profile *Profile, auth AuthState, token *TwoFactor) (ConnectResult, error) {
	const op = "connect"

	if profile == nil {
		return ConnectFailed, fmt.Errorf("%s: %w", op, common.ErrInvalidProfile)
	}
	if DecideTwoFactor(profile, token) == DecisionNeedToken {
		common.LogDebug("Profile %s requires a two-factor token", profile.DisplayName)
		return TwoFactorRequired, nil
	}

	fail := func(kind, cause error) (ConnectResult, error) {
		state := m.machine.currentState()
		return ConnectFailed, &SessionError{Op: op, ProfileID: profile.ID, From: state, To: state, Kind: kind, Err: cause}
	}
	if auth == nil {
		return fail(ErrAuthenticationRequired, nil)
	}
	if !auth.IsAuthorized() {
		return fail(ErrAuthenticationExpired, nil)
	}

	var cred *TwoFactorCredential
	if token != nil {
		var err error
		if cred, err = token.consume(); err != nil {
			return fail(ErrTwoFactorConsumed, nil)
		}
	}

	setupCtx, cancel := context.WithTimeout(ctx, m.config.EstablishTimeout)
	defer cancel()

	att := newAttempt(profile, cancel)
	if _, err := m.machine.begin(att); err != nil {
		if token != nil {
			token.release()
		}
		return fail(ErrSessionBusy, nil)
	}

	common.LogInfo("Connecting to %s (attempt %s)", profile.DisplayName, common.ShortID(att.id))

	handle, err := m.transport.Establish(setupCtx, EstablishRequest{
		Profile:   profile,
		AuthState: auth,
		TwoFactor: cred,
	})
	return m.settle(att, handle, err)
}

// settle resolves the connecting state once tunnel setup has returned.
func (m *Manager) settle(att *attempt, handle TunnelHandle, setupErr error) (ConnectResult, error) {
	var cause error
	ev, _, err := m.machine.advance(func() (transition, error) {
		if setupErr != nil {
			kind := ErrTunnelSetupFailed
			switch {
			case att.disconnectRequested:
				kind = ErrConnectCancelled
			case errors.Is(setupErr, ErrAuthenticationExpired):
				kind = ErrAuthenticationExpired
			}
			cause = &SessionError{Op: "connect", ProfileID: att.profile.ID, From: StateConnecting, To: StateDisconnected, Kind: kind, Err: setupErr}
			t := moveTo(StateDisconnected)
			t.cause = cause
			return t, nil
		}

		att.handle = handle
		if att.disconnectRequested {
			return moveTo(StateDisconnecting), nil
		}

		t := moveTo(StateConnected)
		t.apply = func() {
			m.machine.startedAt = m.machine.now()
			m.health.reset(att.profile.ID)
			att.pollRun = m.poller.Start(handle)
		}
		return t, nil
	})
	if err != nil {
		// Only reachable if the record was changed behind the machine's back.
		return ConnectFailed, err
	}

	switch ev.New {
	case StateDisconnected:
		close(att.done)
		common.LogError("Connection to %s failed: %v", att.profile.DisplayName, cause)
		return ConnectFailed, cause

	case StateDisconnecting:
		common.LogInfo("Disconnect requested during setup of %s, tearing down", att.profile.DisplayName)
		if err := m.teardown(att); err != nil {
			return ConnectFailed, &SessionError{Op: "connect", ProfileID: att.profile.ID, From: StateConnecting, To: StateDisconnected, Kind: ErrConnectCancelled, Err: err}
		}
		return ConnectFailed, &SessionError{Op: "connect", ProfileID: att.profile.ID, From: StateConnecting, To: StateDisconnected, Kind: ErrConnectCancelled}
	}

	if mon, ok := handle.(TunnelMonitor); ok {
		go m.watchTunnel(att, mon)
	}
	common.LogInfo("Connected to %s", att.profile.DisplayName)
	return Connected, nil
}

// teardown releases the tunnel of an attempt in StateDisconnecting and
// returns the session to StateDisconnected whatever the outcome.
func (m *Manager) teardown(att *attempt) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.TeardownTimeout)
	defer cancel()

	var cause error
	if err := m.transport.Teardown(ctx, att.handle); err != nil {
		cause = &SessionError{Op: "disconnect", ProfileID: att.profile.ID, From: StateDisconnecting, To: StateDisconnected, Kind: ErrTunnelTeardownFailed, Err: err}
		common.LogError("Teardown of %s failed: %v", att.profile.DisplayName, err)
	}

	_, _, err := m.machine.advance(func() (transition, error) {
		if m.machine.current != att {
			return transition{}, nil
		}
		t := moveTo(StateDisconnected)
		t.cause = cause
		return t, nil
	})
	if err != nil {
		common.LogError("Failed to finish teardown: %v", err)
	}

	att.teardownErr = cause
	close(att.done)
	if cause == nil {
		common.LogInfo("Disconnected from %s", att.profile.DisplayName)
	}
	return cause
}

// watchTunnel moves the session to StateDisconnected if the tunnel goes
// away while connected.
func (m *Manager) watchTunnel(att *attempt, mon TunnelMonitor) {
	select {
	case <-att.leaving:
		return
	case <-mon.Done():
	}

	ev, moved, _ := m.machine.advance(func() (transition, error) {
		if m.machine.current != att || m.machine.state != StateConnected {
			return transition{}, nil
		}
		t := moveTo(StateDisconnected)
		t.cause = &SessionError{Op: "monitor", ProfileID: att.profile.ID, From: StateConnected, To: StateDisconnected, Kind: ErrTunnelLost}
		t.stats = m.latestStatistics()
		t.apply = func() { close(att.leaving) }
		return t, nil
	})
	if !moved {
		return
	}

	common.LogWarn("Tunnel for %s lost: %v", att.profile.DisplayName, ev.Err)
	m.poller.StopRun(att.pollRun)

	ctx, cancel := context.WithTimeout(context.Background(), m.config.TeardownTimeout)
	defer cancel()
	if err := m.transport.Teardown(ctx, att.handle); err != nil {
		common.LogDebug("Cleanup after tunnel loss: %v", err)
	}
	close(att.done)
}

// Disconnect ends the session and waits until it is disconnected.
//
// It succeeds immediately when already disconnected. During setup it
// cancels the attempt; during teardown it waits for it to complete. A
// failed teardown returns ErrTunnelTeardownFailed, but the session still
// ends disconnected.
func (m *Manager) Disconnect(ctx context.Context) error {
	var (
		att   *attempt
		owner bool
	)
	_, _, err := m.machine.advance(func() (transition, error) {
		att = m.machine.current
		switch m.machine.state {
		case StateConnecting:
			att.disconnectRequested = true
			att.cancel()
		case StateConnected:
			owner = true
			t := moveTo(StateDisconnecting)
			t.stats = m.latestStatistics()
			t.apply = func() { close(att.leaving) }
			return t, nil
		}
		return transition{}, nil
	})
	if err != nil {
		return err
	}
	if att == nil {
		return nil
	}

	if owner {
		common.LogInfo("Disconnecting from %s", att.profile.DisplayName)
		m.poller.StopRun(att.pollRun)
		return m.teardown(att)
	}

	select {
	case <-att.done:
		return att.teardownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadStatistics returns the latest tunnel counters. Without a polled
// snapshot it takes one bounded sample.
func (m *Manager) ReadStatistics(ctx context.Context) (Statistics, error) {
	handle, ok := m.machine.connectedHandle()
	if !ok {
		return Statistics{}, ErrNotConnected
	}
	if stats, ok := m.poller.Latest(); ok {
		return stats, nil
	}

	stats, err := m.poller.Sample(ctx, handle)
	if err != nil {
		return Statistics{}, &SessionError{Op: "read statistics", From: StateConnected, To: StateConnected, Kind: ErrSamplingFailed, Err: err}
	}
	if stats.SampledAt.IsZero() {
		stats.SampledAt = time.Now()
	}
	return stats, nil
}

func (m *Manager) latestStatistics() *Statistics {
	if stats, ok := m.poller.Latest(); ok {
		return &stats
	}
	return nil
}

// Subscribe registers o for state-change events. Observers are notified
// in subscription order.
func (m *Manager) Subscribe(o Observer) *Subscription {
	return m.machine.observers.add(o)
}

// Unsubscribe removes a subscription. It is equivalent to sub.Close().
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub != nil {
		sub.Close()
	}
}

// CurrentState returns the current session state.
func (m *Manager) CurrentState() SessionState {
	return m.machine.currentState()
}

// Session returns a consistent snapshot of the session record.
func (m *Manager) Session() Session {
	return m.machine.snapshot()
}

// Health returns the health of the connected session.
func (m *Manager) Health() Health {
	return m.health.snapshot()
}

// SetOnHealthChange sets a callback for health state changes. Calls are
// made one at a time, in the order the changes happened, off the sampling
// goroutine, so the callback may use the Manager freely.
func (m *Manager) SetOnHealthChange(callback func(profileID string, oldState, newState HealthState)) {
	m.health.setOnHealthChange(callback)
}

// LogLocation returns where diagnostic logs are written.
func (m *Manager) LogLocation() string {
	return m.config.LogLocation
}

// AuthStateFor looks up stored credentials for provider.
func (m *Manager) AuthStateFor(provider *Provider) (AuthState, error) {
	if m.auth == nil || provider == nil {
		return nil, ErrAuthenticationRequired
	}
	state, ok := m.auth.AuthState(provider)
	if !ok || state == nil {
		return nil, ErrAuthenticationRequired
	}
	return state, nil
}

// FetchMessages relays provider messages. It does not depend on or affect
// session state.
func (m *Manager) FetchMessages(ctx context.Context, provider *Provider, audience Audience, auth AuthState) ([]Message, error) {
	if m.messages == nil {
		return nil, errors.New("no message source configured")
	}
	return m.messages.FetchMessages(ctx, provider, audience, auth)
}

// Close disconnects any active session and stops background work.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Disconnect(ctx)
	m.poller.Stop()
	return err
}
