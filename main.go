// Package main provides the entry point of the VPN session manager.
// It manages one OpenVPN session at a time: connecting profiles with
// stored provider credentials, gating on two-factor tokens, polling
// traffic counters and fanning state changes out to the control API,
// desktop notifications and the session history.
//
// Usage:
//
//	vpn-session serve               run the session daemon
//	vpn-session connect PROFILE     connect a profile
//	vpn-session status              show the session state
//
// Environment:
//
//	OpenVPN must be installed on the system.
package main

import (
	"os"

	"github.com/yllada/vpn-session-manager/cli"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	if err := cli.Execute(cli.VersionInfo{
		Version: appVersion,
		Build:   buildTime,
		Commit:  commitSHA,
	}); err != nil {
		os.Exit(1)
	}
}
