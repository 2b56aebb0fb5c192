package vpn

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeHandle struct {
	id   int
	done chan struct{}
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

type fakeTransport struct {
	mu        sync.Mutex
	requests  []EstablishRequest
	handles   []*fakeHandle
	establish func(ctx context.Context, req EstablishRequest) (TunnelHandle, error)
	teardown  func(ctx context.Context, handle TunnelHandle) error
	sample    func(ctx context.Context, handle TunnelHandle) (Statistics, error)

	teardowns atomic.Int32
	samples   atomic.Int32
}

func (f *fakeTransport) newHandle() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{id: len(f.handles) + 1, done: make(chan struct{})}
	f.handles = append(f.handles, h)
	return h
}

func (f *fakeTransport) Establish(ctx context.Context, req EstablishRequest) (TunnelHandle, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	establish := f.establish
	f.mu.Unlock()

	if establish != nil {
		return establish(ctx, req)
	}
	return f.newHandle(), nil
}

func (f *fakeTransport) Teardown(ctx context.Context, handle TunnelHandle) error {
	f.teardowns.Add(1)
	if f.teardown != nil {
		return f.teardown(ctx, handle)
	}
	return nil
}

func (f *fakeTransport) Sample(ctx context.Context, handle TunnelHandle) (Statistics, error) {
	n := f.samples.Add(1)
	if f.sample != nil {
		return f.sample(ctx, handle)
	}
	return Statistics{BytesSent: uint64(n) * 100, BytesReceived: uint64(n) * 200, SampledAt: time.Now()}, nil
}

func (f *fakeTransport) establishCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeAuth struct {
	provider   string
	authorized bool
}

func (a fakeAuth) ProviderID() string { return a.provider }
func (a fakeAuth) IsAuthorized() bool { return a.authorized }

var validAuth = fakeAuth{provider: "uni", authorized: true}

// eventRecorder collects events in delivery order.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnStateChange(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) transitions() [][2]SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][2]SessionState, len(r.events))
	for i, ev := range r.events {
		out[i] = [2]SessionState{ev.Old, ev.New}
	}
	return out
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func testProfile(twoFactor bool) *Profile {
	return &Profile{
		ID:                "p-1",
		ProviderID:        "uni",
		DisplayName:       "Employees",
		RequiresTwoFactor: twoFactor,
		ConnectionType:    ConnectionInstituteAccess,
	}
}

func newTestManager(t *testing.T, transport *fakeTransport) *Manager {
	t.Helper()
	m, err := NewManager(Dependencies{Transport: transport}, ManagerConfig{
		PollInterval:           5 * time.Millisecond,
		SamplingTimeout:        50 * time.Millisecond,
		EstablishTimeout:       2 * time.Second,
		TeardownTimeout:        time.Second,
		HealthFailureThreshold: 3,
		LogLocation:            "/tmp/vpn-session.log",
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func disconnectRequested(m *Manager) bool {
	m.machine.mu.Lock()
	defer m.machine.mu.Unlock()
	return m.machine.current != nil && m.machine.current.disconnectRequested
}
