// Package api serves the session manager over a local HTTP API with a
// WebSocket event stream, and provides a client for it.
package api

import (
	"time"

	"github.com/yllada/vpn-session-manager/vpn"
)

// ProfileDTO is the wire form of a profile.
type ProfileDTO struct {
	ID                string `json:"id"`
	ProviderID        string `json:"provider_id"`
	DisplayName       string `json:"display_name"`
	ConnectionType    string `json:"connection_type"`
	RequiresTwoFactor bool   `json:"requires_two_factor"`
}

func toProfileDTO(p *vpn.Profile) *ProfileDTO {
	if p == nil {
		return nil
	}
	return &ProfileDTO{
		ID:                p.ID,
		ProviderID:        p.ProviderID,
		DisplayName:       p.DisplayName,
		ConnectionType:    string(p.ConnectionType),
		RequiresTwoFactor: p.RequiresTwoFactor,
	}
}

// StatisticsDTO is the wire form of traffic counters.
type StatisticsDTO struct {
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
	SampledAt     time.Time `json:"sampled_at"`
}

func toStatisticsDTO(s *vpn.Statistics) *StatisticsDTO {
	if s == nil {
		return nil
	}
	return &StatisticsDTO{BytesSent: s.BytesSent, BytesReceived: s.BytesReceived, SampledAt: s.SampledAt}
}

// StatusResponse describes the session.
type StatusResponse struct {
	State           vpn.SessionState `json:"state"`
	Label           string           `json:"label"`
	Profile         *ProfileDTO      `json:"profile,omitempty"`
	AttemptID       string           `json:"attempt_id,omitempty"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	DurationSeconds int64            `json:"duration_seconds"`
	LastError       string           `json:"last_error,omitempty"`
	Health          string           `json:"health"`
	LogLocation     string           `json:"log_location,omitempty"`
}

func statusFrom(s vpn.Session, h vpn.Health, logLocation string) StatusResponse {
	resp := StatusResponse{
		State:           s.State,
		Label:           s.State.Label(),
		Profile:         toProfileDTO(s.ActiveProfile),
		AttemptID:       s.AttemptID,
		DurationSeconds: int64(s.Duration().Seconds()),
		Health:          h.State.String(),
		LogLocation:     logLocation,
	}
	if !s.StartedAt.IsZero() {
		started := s.StartedAt
		resp.StartedAt = &started
	}
	if s.LastError != nil {
		resp.LastError = s.LastError.Error()
	}
	return resp
}

// ConnectRequest asks the daemon to connect a profile.
type ConnectRequest struct {
	// Profile is a profile name or ID prefix.
	Profile       string `json:"profile"`
	TwoFactorKind string `json:"two_factor_kind,omitempty"`
	TwoFactor     string `json:"two_factor,omitempty"`
}

// ConnectResponse reports the outcome of a connect request.
type ConnectResponse struct {
	Result string         `json:"result"`
	Status StatusResponse `json:"status"`
}

// MessageDTO is the wire form of a provider message.
type MessageDTO struct {
	Date     time.Time `json:"date"`
	Text     string    `json:"text"`
	Audience string    `json:"audience"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Event types sent on the event stream.
const (
	EventSnapshot    = "snapshot"
	EventStateChange = "state_change"
	EventHealth      = "health"
)

// EventMessage is one frame of the event stream.
type EventMessage struct {
	Type       string           `json:"type"`
	Old        vpn.SessionState `json:"old"`
	New        vpn.SessionState `json:"new"`
	Profile    *ProfileDTO      `json:"profile,omitempty"`
	AttemptID  string           `json:"attempt_id,omitempty"`
	Error      string           `json:"error,omitempty"`
	Statistics *StatisticsDTO   `json:"statistics,omitempty"`
	Health     string           `json:"health,omitempty"`
	Status     *StatusResponse  `json:"status,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

func eventFrom(ev vpn.Event) EventMessage {
	msg := EventMessage{
		Type:       EventStateChange,
		Old:        ev.Old,
		New:        ev.New,
		Profile:    toProfileDTO(ev.Profile),
		AttemptID:  ev.AttemptID,
		Statistics: toStatisticsDTO(ev.Statistics),
		Timestamp:  ev.At,
	}
	if ev.Err != nil {
		msg.Error = ev.Err.Error()
	}
	return msg
}
