// Package common provides shared constants, types, utilities, and interfaces
// used throughout the VPN session manager.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: Application-wide constants like timeouts, intervals, and file names
//   - Errors: Sentinel errors for the storage and configuration layers
//   - Interfaces: Abstractions for secret storage and notifications
//   - Logger: Leveled logging with file output and size-based rotation
//   - Utils: Directory helpers and small string utilities
//
// # Usage
//
//	import "github.com/yllada/vpn-session-manager/common"
//
//	common.LogInfo("Connecting to %s", profile.DisplayName)
//
//	if errors.Is(err, common.ErrProfileNotFound) {
//	    // Handle missing profile
//	}
package common
