// Package common provides shared constants, types, and utilities
// used across the VPN session manager.
package common

import "time"

// Application metadata.
const (
	// AppName is the display name of the application.
	AppName = "VPN Session Manager"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "vpn-session-manager"
)

// File names used by the application.
const (
	RegistryFileName    = "registry.yaml"
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	LogFileName         = "vpn-session.log"
	HistoryFileName     = "history.db"
)

// Default timeouts and intervals.
const (
	// EstablishTimeout is the maximum time to wait for a tunnel to come up.
	EstablishTimeout = 30 * time.Second
	// TeardownTimeout bounds a single tunnel teardown.
	TeardownTimeout = 10 * time.Second
	// PollInterval is how often tunnel statistics are sampled while connected.
	PollInterval = 1 * time.Second
	// SamplingTimeout bounds a single statistics sample.
	SamplingTimeout = 2 * time.Second
	// ManagementTimeout is the timeout for management interface commands.
	ManagementTimeout = 5 * time.Second
	// HealthFailureThreshold is the number of consecutive failed samples
	// after which a session is reported unhealthy.
	HealthFailureThreshold = 5
)

// Control API defaults.
const (
	DefaultAPIListen    = "127.0.0.1:4765"
	DefaultAPIRateLimit = 10
	DefaultAPIRateBurst = 20
)
