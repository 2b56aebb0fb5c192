// Package openvpn implements vpn.TunnelTransport by running the openvpn
// binary and talking to its management interface.
package openvpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/vpn"
)

// Config controls how openvpn is started.
type Config struct {
	// Binary is the openvpn executable.
	Binary string
	// UsePkexec runs openvpn through pkexec for privilege escalation.
	UsePkexec bool
	// Verbosity is passed as --verb.
	Verbosity int
	// RuntimeDir holds temporary credential files.
	RuntimeDir string
	// StopTimeout bounds each wait for openvpn to exit after SIGTERM and
	// after SIGKILL.
	StopTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Binary:     "openvpn",
		UsePkexec:  true,
		Verbosity:   3,
		RuntimeDir:  filepath.Join(os.TempDir(), common.ConfigDirName),
		StopTimeout: 5 * time.Second,
	}
}

// ErrProcessExited is returned when openvpn exits before the tunnel is up.
var ErrProcessExited = errors.New("openvpn exited")

// Transport runs one openvpn process per tunnel.
type Transport struct {
	cfg    Config
	signal func(p *os.Process, sig os.Signal) error
}

var _ vpn.TunnelTransport = (*Transport)(nil)

// New creates a Transport.
func New(cfg Config) *Transport {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Verbosity <= 0 {
		cfg.Verbosity = def.Verbosity
	}
	if cfg.RuntimeDir == "" {
		cfg.RuntimeDir = def.RuntimeDir
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	return &Transport{cfg: cfg, signal: (*os.Process).Signal}
}

// Handle is a running openvpn process. It implements vpn.TunnelMonitor.
type Handle struct {
	ProfileID      string
	ManagementAddr string

	cmd      *exec.Cmd
	credFile string
	done     chan struct{}
	// exitErr is written before done is closed.
	exitErr error
}

// Done is closed when the openvpn process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Establish starts openvpn for req.Profile and waits until the tunnel is
// up, authentication fails, the process exits or ctx ends.
func (t *Transport) Establish(ctx context.Context, req vpn.EstablishRequest) (vpn.TunnelHandle, error) {
	profile := req.Profile
	if profile == nil || profile.ConfigPath == "" {
		return nil, fmt.Errorf("%w: profile has no OpenVPN configuration", common.ErrInvalidProfile)
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve management port: %w", err)
	}
	h := &Handle{
		ProfileID:      profile.ID,
		ManagementAddr: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		done:           make(chan struct{}),
	}

	if req.TwoFactor != nil {
		h.credFile, err = t.createCredentialsFile(string(req.TwoFactor.Kind), req.TwoFactor.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to create credentials: %w", err)
		}
	}

	name, args := t.command(profile.ConfigPath, h.credFile, port)
	h.cmd = exec.Command(name, args...)

	pr, pw := io.Pipe()
	h.cmd.Stdout = pw
	h.cmd.Stderr = pw

	common.LogInfo("Starting OpenVPN for %s", profile.DisplayName)
	common.LogDebug("Command: %s %s", name, strings.Join(args, " "))
	if err := h.cmd.Start(); err != nil {
		pw.Close()
		t.removeCredentials(h)
		return nil, fmt.Errorf("failed to start openvpn: %w", err)
	}
	common.LogDebug("OpenVPN process started with PID %d", h.cmd.Process.Pid)

	events := make(chan lineKind, 1)
	go monitorOutput(pr, events)
	go func() {
		h.exitErr = h.cmd.Wait()
		pw.Close()
		t.removeCredentials(h)
		close(h.done)
	}()

	for {
		select {
		case kind := <-events:
			switch kind {
			case lineReady:
				common.LogInfo("OpenVPN tunnel for %s established", profile.DisplayName)
				return h, nil
			case lineAuthFailed:
				t.stop(h)
				return nil, fmt.Errorf("openvpn: %w", vpn.ErrAuthenticationExpired)
			case lineUnreachable:
				t.stop(h)
				return nil, fmt.Errorf("openvpn: %w", vpn.ErrNetworkUnreachable)
			}
		case <-h.done:
			if t.cfg.UsePkexec && pkexecDenied(h.exitErr) {
				return nil, fmt.Errorf("pkexec: %w", common.ErrPermissionDenied)
			}
			return nil, fmt.Errorf("%w before the tunnel came up: %v", ErrProcessExited, h.exitErr)
		case <-ctx.Done():
			t.stop(h)
			return nil, ctx.Err()
		}
	}
}

// pkexecDenied reports whether pkexec exited because authorization was
// refused or the dialog was dismissed.
func pkexecDenied(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	code := exitErr.ExitCode()
	return code == 126 || code == 127
}

// command builds the openvpn invocation.
func (t *Transport) command(configPath, credFile string, port int) (string, []string) {
	args := []string{
		"--config", configPath,
		"--management", "127.0.0.1", strconv.Itoa(port),
		"--verb", strconv.Itoa(t.cfg.Verbosity),
	}
	if credFile != "" {
		args = append(args, "--auth-user-pass", credFile)
	}
	if t.cfg.UsePkexec {
		return "pkexec", append([]string{t.cfg.Binary}, args...)
	}
	return t.cfg.Binary, args
}

// createCredentialsFile writes the two-factor kind and value in the
// --auth-user-pass format.
func (t *Transport) createCredentialsFile(username, password string) (string, error) {
	if err := os.MkdirAll(t.cfg.RuntimeDir, 0700); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(t.cfg.RuntimeDir, "cred-")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := f.Chmod(0600); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if _, err := fmt.Fprintf(f, "%s\n%s\n", username, password); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (t *Transport) removeCredentials(h *Handle) {
	if h.credFile == "" {
		return
	}
	if err := os.Remove(h.credFile); err != nil && !os.IsNotExist(err) {
		common.LogWarn("Failed to remove credentials file: %v", err)
	}
}

// stop asks openvpn to exit over the management interface, falling back to
// SIGTERM and then SIGKILL, waiting at most StopTimeout after each. It
// reports whether the process exited. A process running as root under
// pkexec cannot be signalled by us; it is then left to the wait goroutine,
// which still cleans up once it exits.
func (t *Transport) stop(h *Handle) bool {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.StopTimeout)
	defer cancel()
	if _, err := managementCommand(ctx, h.ManagementAddr, "signal SIGTERM"); err != nil {
		common.LogDebug("Management SIGTERM failed, signalling process: %v", err)
		t.sendSignal(h, syscall.SIGTERM)
	}
	if h.waitExit(t.cfg.StopTimeout) {
		return true
	}

	t.sendSignal(h, os.Kill)
	if h.waitExit(t.cfg.StopTimeout) {
		return true
	}
	common.LogWarn("OpenVPN (PID %d) did not exit, leaving it to be reaped", h.cmd.Process.Pid)
	return false
}

func (t *Transport) sendSignal(h *Handle, sig os.Signal) {
	if h.cmd.Process == nil {
		return
	}
	if err := t.signal(h.cmd.Process, sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		common.LogWarn("Failed to send %v to openvpn: %v", sig, err)
	}
}

// waitExit waits up to d for the process to exit.
func (h *Handle) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// Teardown asks openvpn to exit through the management interface, falling
// back to SIGTERM, and kills it if ctx ends first. It never waits longer
// than ctx plus StopTimeout.
func (t *Transport) Teardown(ctx context.Context, handle vpn.TunnelHandle) error {
	h, ok := handle.(*Handle)
	if !ok {
		return fmt.Errorf("unexpected tunnel handle %T", handle)
	}
	if h.exited() {
		return nil
	}

	if _, err := managementCommand(ctx, h.ManagementAddr, "signal SIGTERM"); err != nil {
		common.LogDebug("Management SIGTERM failed, signalling process: %v", err)
		t.sendSignal(h, syscall.SIGTERM)
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	}

	t.sendSignal(h, os.Kill)
	if !h.waitExit(t.cfg.StopTimeout) {
		common.LogWarn("OpenVPN (PID %d) did not exit after SIGKILL", h.cmd.Process.Pid)
	}
	return fmt.Errorf("openvpn did not exit in time: %w", ctx.Err())
}

// Sample reads traffic counters with the load-stats management command.
func (t *Transport) Sample(ctx context.Context, handle vpn.TunnelHandle) (vpn.Statistics, error) {
	h, ok := handle.(*Handle)
	if !ok {
		return vpn.Statistics{}, fmt.Errorf("unexpected tunnel handle %T", handle)
	}
	if h.exited() {
		return vpn.Statistics{}, ErrProcessExited
	}

	reply, err := managementCommand(ctx, h.ManagementAddr, "load-stats")
	if err != nil {
		return vpn.Statistics{}, err
	}
	stats, err := parseLoadStats(reply)
	if err != nil {
		return vpn.Statistics{}, err
	}
	stats.SampledAt = time.Now()
	return stats, nil
}

type lineKind int

const (
	lineOther lineKind = iota
	lineReady
	lineAuthFailed
	lineUnreachable
)

// classifyLine detects the openvpn log lines Establish reacts to.
func classifyLine(line string) lineKind {
	switch {
	case strings.Contains(line, "Initialization Sequence Completed"):
		return lineReady
	case strings.Contains(line, "AUTH_FAILED"), strings.Contains(line, "AUTH:CRV1"):
		return lineAuthFailed
	case strings.Contains(line, "Network is unreachable"):
		return lineUnreachable
	}
	return lineOther
}

// monitorOutput logs openvpn output and reports the first significant line.
func monitorOutput(r io.Reader, events chan<- lineKind) {
	var once sync.Once
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		common.LogDebug("OpenVPN: %s", line)

		if kind := classifyLine(line); kind != lineOther {
			once.Do(func() { events <- kind })
		}
	}
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
