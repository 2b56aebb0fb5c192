package openvpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/vpn"
)

// ErrManagement is returned when the management interface rejects a command.
var ErrManagement = errors.New("management command failed")

// managementCommand sends one command and returns the text after SUCCESS:.
// The interface accepts a single client, so each call uses its own
// connection.
func managementCommand(ctx context.Context, addr, command string) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, common.ManagementTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("connect to management interface: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", fmt.Errorf("send %q: %w", command, err)
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("read reply to %q: %w", command, err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(line, ">"):
			// Real-time notification, including the greeting.
			continue
		case strings.HasPrefix(line, "SUCCESS:"):
			fmt.Fprint(conn, "quit\n")
			return strings.TrimSpace(strings.TrimPrefix(line, "SUCCESS:")), nil
		case strings.HasPrefix(line, "ERROR:"):
			return "", fmt.Errorf("%w: %s", ErrManagement, strings.TrimSpace(strings.TrimPrefix(line, "ERROR:")))
		}
	}
}

// parseLoadStats parses "nclients=0,bytesin=123,bytesout=456".
func parseLoadStats(reply string) (vpn.Statistics, error) {
	var stats vpn.Statistics
	var haveIn, haveOut bool

	for _, field := range strings.Split(reply, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		switch key {
		case "bytesin":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return vpn.Statistics{}, fmt.Errorf("parse bytesin %q: %w", value, err)
			}
			stats.BytesReceived, haveIn = n, true
		case "bytesout":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return vpn.Statistics{}, fmt.Errorf("parse bytesout %q: %w", value, err)
			}
			stats.BytesSent, haveOut = n, true
		}
	}

	if !haveIn || !haveOut {
		return vpn.Statistics{}, fmt.Errorf("unexpected load-stats reply %q", reply)
	}
	return stats, nil
}
