package vpn

import (
	"context"
	"time"
)

// Statistics is an immutable snapshot of tunnel counters.
type Statistics struct {
	BytesSent     uint64    `json:"bytes_sent"`
	BytesReceived uint64    `json:"bytes_received"`
	SampledAt     time.Time `json:"sampled_at"`
}

// TunnelHandle identifies an established tunnel. It is opaque to the core.
type TunnelHandle interface{}

// TunnelMonitor is implemented by handles that can report the tunnel going
// away on its own, e.g. because the tunnel process exited.
type TunnelMonitor interface {
	// Done is closed when the tunnel is gone.
	Done() <-chan struct{}
}

// TwoFactorCredential is the consumed form of a TwoFactor token handed to
// the transport for exactly one establish call.
type TwoFactorCredential struct {
	Kind  TwoFactorKind
	Value string
}

// EstablishRequest carries everything a transport needs to bring a
// tunnel up. The AuthState is borrowed for the duration of the call.
type EstablishRequest struct {
	Profile   *Profile
	AuthState AuthState
	TwoFactor *TwoFactorCredential
}

// TunnelTransport brings tunnels up and down and samples their counters.
// Implementations must honor context cancellation and deadlines.
type TunnelTransport interface {
	Establish(ctx context.Context, req EstablishRequest) (TunnelHandle, error)
	Teardown(ctx context.Context, handle TunnelHandle) error
	Sample(ctx context.Context, handle TunnelHandle) (Statistics, error)
}

// AuthState is an opaque credential handle bound to a provider.
type AuthState interface {
	// ProviderID returns the provider the credentials belong to.
	ProviderID() string
	// IsAuthorized reports whether the credentials can currently be used.
	IsAuthorized() bool
}

// AuthenticationProvider looks up credentials for providers.
type AuthenticationProvider interface {
	// AuthState returns the stored credentials for provider, if any.
	AuthState(provider *Provider) (AuthState, bool)
}

// Audience selects which messages a provider returns.
type Audience string

const (
	AudienceSystem Audience = "system"
	AudienceUser   Audience = "user"
)

// Message is a notification published by a provider. The core relays
// messages unchanged.
type Message struct {
	Date     time.Time `json:"date"`
	Text     string    `json:"text"`
	Audience Audience  `json:"audience"`
}

// MessageSource fetches provider messages. It is unrelated to session state.
type MessageSource interface {
	FetchMessages(ctx context.Context, provider *Provider, audience Audience, auth AuthState) ([]Message, error)
}
