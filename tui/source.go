// Package tui implements a live terminal monitor for the session.
package tui

import (
	"context"
	"time"

	"github.com/yllada/vpn-session-manager/api"
	"github.com/yllada/vpn-session-manager/vpn"
)

// Snapshot is what the monitor renders.
type Snapshot struct {
	State     vpn.SessionState
	Profile   string
	StartedAt time.Time
	LastError string
	Health    string
	// Stats is nil when no counters are available.
	Stats *vpn.Statistics
}

// Source supplies snapshots and ends the session on request.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Disconnect(ctx context.Context) error
}

// ManagerSource reads a Manager in the same process.
type ManagerSource struct {
	Manager *vpn.Manager
}

// Snapshot implements Source.
func (s ManagerSource) Snapshot(ctx context.Context) (Snapshot, error) {
	sess := s.Manager.Session()
	snap := Snapshot{
		State:     sess.State,
		StartedAt: sess.StartedAt,
		Health:    s.Manager.Health().State.String(),
	}
	if sess.ActiveProfile != nil {
		snap.Profile = sess.ActiveProfile.DisplayName
	}
	if sess.LastError != nil {
		snap.LastError = sess.LastError.Error()
	}
	if sess.State == vpn.StateConnected {
		if stats, err := s.Manager.ReadStatistics(ctx); err == nil {
			snap.Stats = &stats
		}
	}
	return snap, nil
}

// Disconnect implements Source.
func (s ManagerSource) Disconnect(ctx context.Context) error {
	return s.Manager.Disconnect(ctx)
}

// ClientSource reads a daemon through the control API.
type ClientSource struct {
	Client *api.Client
}

// Snapshot implements Source.
func (s ClientSource) Snapshot(ctx context.Context) (Snapshot, error) {
	status, err := s.Client.Status(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		State:     status.State,
		LastError: status.LastError,
		Health:    status.Health,
	}
	if status.Profile != nil {
		snap.Profile = status.Profile.DisplayName
	}
	if status.StartedAt != nil {
		snap.StartedAt = *status.StartedAt
	}
	if status.State == vpn.StateConnected {
		if stats, err := s.Client.Stats(ctx); err == nil {
			snap.Stats = &vpn.Statistics{
				BytesSent:     stats.BytesSent,
				BytesReceived: stats.BytesReceived,
				SampledAt:     stats.SampledAt,
			}
		}
	}
	return snap, nil
}

// Disconnect implements Source.
func (s ClientSource) Disconnect(ctx context.Context) error {
	_, err := s.Client.Disconnect(ctx)
	return err
}
