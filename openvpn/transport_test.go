package openvpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/yllada/vpn-session-manager/vpn"
)

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line string
		want lineKind
	}{
		{"2026-10-15 10:00:00 Initialization Sequence Completed", lineReady},
		{"AUTH: Received control message: AUTH_FAILED", lineAuthFailed},
		{"AUTH: Received control message: AUTH_FAILED,AUTH:CRV1:R,E:abc", lineAuthFailed},
		{"write UDPv4: Network is unreachable (code=101)", lineUnreachable},
		{"TUN/TAP device tun0 opened", lineOther},
		{"", lineOther},
	}

	for _, tt := range tests {
		if got := classifyLine(tt.line); got != tt.want {
			t.Errorf("classifyLine(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestParseLoadStats(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		sent     uint64
		received uint64
		wantErr  bool
	}{
		{"typical", "nclients=0,bytesin=1024,bytesout=2048", 2048, 1024, false},
		{"spaces", "nclients=0, bytesin=5, bytesout=7", 7, 5, false},
		{"missing bytesout", "nclients=0,bytesin=5", 0, 0, true},
		{"garbage", "bytesin=x,bytesout=1", 0, 0, true},
		{"empty", "", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLoadStats(tt.reply)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseLoadStats() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.BytesSent != tt.sent || got.BytesReceived != tt.received {
				t.Errorf("parseLoadStats() = %+v, want sent %d received %d", got, tt.sent, tt.received)
			}
		})
	}
}

func TestTransport_Command(t *testing.T) {
	tr := New(Config{Binary: "/usr/sbin/openvpn", UsePkexec: true, Verbosity: 4})

	name, args := tr.command("/etc/vpn/work.ovpn", "/run/cred", 7505)
	if name != "pkexec" {
		t.Errorf("command() name = %v, want pkexec", name)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"/usr/sbin/openvpn --config /etc/vpn/work.ovpn",
		"--management 127.0.0.1 7505",
		"--verb 4",
		"--auth-user-pass /run/cred",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("command() args = %q, missing %q", joined, want)
		}
	}

	tr = New(Config{Binary: "openvpn"})
	name, args = tr.command("/etc/vpn/work.ovpn", "", 7505)
	if name != "openvpn" {
		t.Errorf("command() name = %v, want openvpn", name)
	}
	if strings.Contains(strings.Join(args, " "), "--auth-user-pass") {
		t.Error("command() should not pass --auth-user-pass without credentials")
	}
}

func TestTransport_CreateCredentialsFile(t *testing.T) {
	tr := New(Config{RuntimeDir: t.TempDir()})

	path, err := tr.createCredentialsFile("totp", "123456")
	if err != nil {
		t.Fatalf("createCredentialsFile() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "totp\n123456\n" {
		t.Errorf("credentials file = %q, want %q", data, "totp\n123456\n")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("credentials file mode = %v, want 0600", info.Mode().Perm())
	}
}

// serveManagement answers one management connection with reply.
func serveManagement(t *testing.T, reply string) (addr string, commands chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	commands = make(chan string, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(">INFO:OpenVPN Management Interface Version 3 -- type 'help' for more info\r\n"))

		r := bufio.NewReader(conn)
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		commands <- strings.TrimSpace(line)
		conn.Write([]byte(">BYTECOUNT:1,2\r\n" + reply + "\r\n"))
		r.ReadString('\n')
	}()
	return ln.Addr().String(), commands
}

func TestTransport_Sample(t *testing.T) {
	addr, commands := serveManagement(t, "SUCCESS: nclients=0,bytesin=300,bytesout=400")
	h := &Handle{ManagementAddr: addr, done: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stats, err := New(Config{}).Sample(ctx, h)
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if stats.BytesReceived != 300 || stats.BytesSent != 400 {
		t.Errorf("Sample() = %+v, want received 300 sent 400", stats)
	}
	if stats.SampledAt.IsZero() {
		t.Error("Sample() should set SampledAt")
	}
	if got := <-commands; got != "load-stats" {
		t.Errorf("management command = %q, want load-stats", got)
	}
}

func TestTransport_SampleManagementError(t *testing.T) {
	addr, _ := serveManagement(t, "ERROR: unknown command")
	h := &Handle{ManagementAddr: addr, done: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := New(Config{}).Sample(ctx, h); !errors.Is(err, ErrManagement) {
		t.Errorf("Sample() error = %v, want ErrManagement", err)
	}
}

func TestTransport_SampleExited(t *testing.T) {
	h := &Handle{done: make(chan struct{})}
	close(h.done)

	if _, err := New(Config{}).Sample(context.Background(), h); !errors.Is(err, ErrProcessExited) {
		t.Errorf("Sample() error = %v, want ErrProcessExited", err)
	}
	if err := New(Config{}).Teardown(context.Background(), h); err != nil {
		t.Errorf("Teardown() of exited process error = %v, want nil", err)
	}
}

// fakeOpenVPN writes a shell script standing in for the openvpn binary.
func fakeOpenVPN(t *testing.T, body string) *Transport {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unsupported")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "openvpn")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+body+"\n"), 0700); err != nil {
		t.Fatal(err)
	}
	return New(Config{Binary: bin, RuntimeDir: dir})
}

func testRequest(t *testing.T) vpn.EstablishRequest {
	return vpn.EstablishRequest{
		Profile: &vpn.Profile{ID: "p-1", DisplayName: "Employees", ConfigPath: filepath.Join(t.TempDir(), "p.ovpn")},
	}
}

func TestTransport_EstablishAndTeardown(t *testing.T) {
	tr := fakeOpenVPN(t, "echo 'Initialization Sequence Completed'\nexec sleep 30")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := tr.Establish(ctx, testRequest(t))
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	h := handle.(*Handle)
	if h.ManagementAddr == "" {
		t.Error("Establish() should assign a management address")
	}

	if err := tr.Teardown(ctx, handle); err != nil {
		t.Fatalf("Teardown() error = %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done() should be closed after Teardown")
	}
}

func TestTransport_EstablishFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"auth failed", "echo 'AUTH: Received control message: AUTH_FAILED'\nexec sleep 30", vpn.ErrAuthenticationExpired},
		{"unreachable", "echo 'write UDPv4: Network is unreachable (code=101)'\nexec sleep 30", vpn.ErrNetworkUnreachable},
		{"early exit", "echo 'Options error'\nexit 1", ErrProcessExited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := fakeOpenVPN(t, tt.body)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, err := tr.Establish(ctx, testRequest(t))
			if !errors.Is(err, tt.want) {
				t.Errorf("Establish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestTransport_EstablishCancelled(t *testing.T) {
	tr := fakeOpenVPN(t, "exec sleep 30")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := tr.Establish(ctx, testRequest(t)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Establish() error = %v, want context.DeadlineExceeded", err)
	}
}

// unsignalable makes tr behave as if openvpn ran as root under pkexec.
func unsignalable(tr *Transport) *Transport {
	tr.cfg.StopTimeout = 100 * time.Millisecond
	tr.signal = func(*os.Process, os.Signal) error { return syscall.EPERM }
	return tr
}

func TestTransport_EstablishBoundedWhenProcessIgnoresSignals(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		timeout time.Duration
		wantErr error
	}{
		{"cancelled", "sleep 3", 100 * time.Millisecond, context.DeadlineExceeded},
		{"unreachable", "echo 'write UDP: Network is unreachable'\nsleep 3", 5 * time.Second, vpn.ErrNetworkUnreachable},
		{"auth failed", "echo 'AUTH: Received control message: AUTH_FAILED'\nsleep 3", 5 * time.Second, vpn.ErrAuthenticationExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := unsignalable(fakeOpenVPN(t, tt.body))
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()

			start := time.Now()
			_, err := tr.Establish(ctx, testRequest(t))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Establish() error = %v, want %v", err, tt.wantErr)
			}
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Errorf("Establish() took %v with an unkillable process", elapsed)
			}
		})
	}
}

func TestTransport_TeardownBoundedWhenProcessIgnoresSignals(t *testing.T) {
	tr := unsignalable(fakeOpenVPN(t, "echo 'Initialization Sequence Completed'\nsleep 3"))

	handle, err := tr.Establish(context.Background(), testRequest(t))
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := tr.Teardown(ctx, handle); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Teardown() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Teardown() took %v with an unkillable process", elapsed)
	}

	select {
	case <-handle.(*Handle).Done():
	case <-time.After(5 * time.Second):
		t.Error("Done() should close once the process exits on its own")
	}
}

func TestTransport_EstablishRemovesCredentials(t *testing.T) {
	tr := fakeOpenVPN(t, "exit 1")
	req := testRequest(t)
	req.TwoFactor = &vpn.TwoFactorCredential{Kind: vpn.TwoFactorTOTP, Value: "123456"}

	tr.Establish(context.Background(), req)

	matches, _ := filepath.Glob(filepath.Join(tr.cfg.RuntimeDir, "cred-*"))
	if len(matches) != 0 {
		t.Errorf("credentials files left behind: %v", matches)
	}
}

func TestPkexecDenied(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{1, false},
		{126, true},
		{127, true},
	}

	for _, tt := range tests {
		err := exec.Command("sh", "-c", fmt.Sprintf("exit %d", tt.code)).Run()
		if got := pkexecDenied(err); got != tt.want {
			t.Errorf("pkexecDenied(exit %d) = %v, want %v", tt.code, got, tt.want)
		}
	}
	if pkexecDenied(nil) {
		t.Error("pkexecDenied(nil) should be false")
	}
}
