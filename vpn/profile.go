// Package vpn provides VPN session management functionality.
// This file contains the Provider and Profile types the session core
// consumes from the registry.
package vpn

import (
	"errors"
	"fmt"
)

// ConnectionType groups providers and profiles by the kind of access they
// grant.
type ConnectionType string

const (
	ConnectionSecureInternet  ConnectionType = "secure_internet"
	ConnectionInstituteAccess ConnectionType = "institute_access"
	ConnectionCustom          ConnectionType = "custom"
)

// ConnectionTypes lists connection types in display order.
var ConnectionTypes = []ConnectionType{
	ConnectionSecureInternet,
	ConnectionInstituteAccess,
	ConnectionCustom,
}

// Valid reports whether c is a known connection type.
func (c ConnectionType) Valid() bool {
	switch c {
	case ConnectionSecureInternet, ConnectionInstituteAccess, ConnectionCustom:
		return true
	}
	return false
}

// Description returns a human-readable name for the connection type.
func (c ConnectionType) Description() string {
	switch c {
	case ConnectionSecureInternet:
		return "Secure Internet"
	case ConnectionInstituteAccess:
		return "Institute Access"
	case ConnectionCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// AuthorizationType describes how a provider's tokens are issued.
type AuthorizationType string

const (
	// AuthorizationLocal tokens are valid for one provider only.
	AuthorizationLocal AuthorizationType = "local"
	// AuthorizationDistributed tokens are shared by all distributed providers.
	AuthorizationDistributed AuthorizationType = "distributed"
	// AuthorizationFederated tokens come from a federation-wide server.
	AuthorizationFederated AuthorizationType = "federated"
)

// Provider is an organisation offering VPN profiles.
type Provider struct {
	// ID is a unique identifier for the provider.
	ID string `json:"id" yaml:"id"`
	// DisplayName is a human-readable name for the provider.
	DisplayName string `json:"display_name" yaml:"display_name"`
	// BaseURL is the root of the provider's API.
	BaseURL string `json:"base_url" yaml:"base_url"`
	// ConnectionType is the kind of access the provider grants.
	ConnectionType ConnectionType `json:"connection_type" yaml:"connection_type"`
	// AuthorizationType is how tokens for this provider are issued.
	AuthorizationType AuthorizationType `json:"authorization_type" yaml:"authorization_type"`
	// AuthorizationEndpoint and TokenEndpoint are the provider's OAuth endpoints.
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty" yaml:"authorization_endpoint,omitempty"`
	TokenEndpoint         string `json:"token_endpoint,omitempty" yaml:"token_endpoint,omitempty"`
}

// Validate checks that the provider has the fields the core relies on.
func (p *Provider) Validate() error {
	if p.ID == "" {
		return errors.New("provider ID is required")
	}
	if p.DisplayName == "" {
		return errors.New("provider display name is required")
	}
	if !p.ConnectionType.Valid() {
		return fmt.Errorf("unknown connection type %q", p.ConnectionType)
	}
	switch p.AuthorizationType {
	case AuthorizationLocal, AuthorizationDistributed, AuthorizationFederated:
	default:
		return fmt.Errorf("unknown authorization type %q", p.AuthorizationType)
	}
	return nil
}

// Profile identifies a selectable VPN configuration offered by a provider.
// Profiles are immutable once fetched; the session core only borrows them.
type Profile struct {
	// ID is a unique identifier for the profile.
	ID string `json:"id" yaml:"id"`
	// ProviderID references the provider offering the profile.
	ProviderID string `json:"provider_id" yaml:"provider_id"`
	// DisplayName is a human-readable name for the profile.
	DisplayName string `json:"display_name" yaml:"display_name"`
	// RequiresTwoFactor is set when every connect needs a one-time token.
	RequiresTwoFactor bool `json:"requires_two_factor" yaml:"requires_two_factor"`
	// ConnectionType is inherited from the provider.
	ConnectionType ConnectionType `json:"connection_type" yaml:"connection_type"`
	// ConfigPath is the path to the OpenVPN configuration file.
	ConfigPath string `json:"config_path,omitempty" yaml:"config_path,omitempty"`
}

// Validate checks if the profile has all required fields.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return errors.New("profile ID is required")
	}
	if p.ProviderID == "" {
		return errors.New("profile provider is required")
	}
	if p.DisplayName == "" {
		return errors.New("profile display name is required")
	}
	if !p.ConnectionType.Valid() {
		return fmt.Errorf("unknown connection type %q", p.ConnectionType)
	}
	return nil
}
