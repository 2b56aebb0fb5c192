// Package vpn provides the VPN connection session core.
//
// This package implements:
//
//   - Session lifecycle: a single session moving between disconnected,
//     connecting, connected and disconnecting
//   - Credential binding: a profile and its provider's AuthState are bound
//     to each connect attempt
//   - Statistics polling: tunnel counters are sampled while connected
//   - Two-factor gating: one-time tokens are required and consumed per attempt
//   - Event fan-out: every committed transition is delivered to observers
//
// # Architecture
//
// The package is organized around three main types:
//
//   - Manager: the only entry point for front ends
//   - machine: owns the session record and commits transitions
//   - Poller: samples statistics on a fixed interval
//
// Tunnels, credentials and provider messages are reached through the
// TunnelTransport, AuthenticationProvider and MessageSource interfaces.
//
// # Connection Flow
//
//  1. The front end calls Manager.Connect with a profile and its AuthState
//  2. If the profile needs a second factor and none was given, Connect
//     returns TwoFactorRequired and nothing changes
//  3. The session moves to connecting and the transport establishes a tunnel
//  4. On success the session is connected and polling starts
//  5. Manager.Disconnect stops polling and tears the tunnel down
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Observers are called
// synchronously and in subscription order, and must not call Connect or
// Disconnect themselves.
package vpn
