package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/vpn"
)

type fakeTransport struct {
	mu      sync.Mutex
	fail    error
	release chan struct{}
}

func (f *fakeTransport) Establish(ctx context.Context, req vpn.EstablishRequest) (vpn.TunnelHandle, error) {
	f.mu.Lock()
	fail, release := f.fail, f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	return struct{}{}, nil
}

func (f *fakeTransport) Teardown(ctx context.Context, handle vpn.TunnelHandle) error { return nil }

func (f *fakeTransport) Sample(ctx context.Context, handle vpn.TunnelHandle) (vpn.Statistics, error) {
	return vpn.Statistics{BytesSent: 10, BytesReceived: 20, SampledAt: time.Now()}, nil
}

type authState struct{ provider string }

func (a authState) ProviderID() string { return a.provider }
func (a authState) IsAuthorized() bool { return true }

type authProvider struct{}

func (authProvider) AuthState(p *vpn.Provider) (vpn.AuthState, bool) {
	return authState{provider: p.ID}, true
}

type messageSource struct{}

func (messageSource) FetchMessages(ctx context.Context, p *vpn.Provider, audience vpn.Audience, auth vpn.AuthState) ([]vpn.Message, error) {
	return []vpn.Message{{Date: time.Unix(100, 0), Text: string(audience) + " notice", Audience: audience}}, nil
}

type fakeProfiles struct {
	profiles []*vpn.Profile
}

func (f fakeProfiles) FindProfile(query string) (*vpn.Profile, error) {
	for _, p := range f.profiles {
		if common.MatchesNameOrID(query, p.DisplayName, p.ID) {
			return p, nil
		}
	}
	return nil, common.ErrProfileNotFound
}

func (f fakeProfiles) ProviderOf(p *vpn.Profile) (*vpn.Provider, error) {
	return &vpn.Provider{ID: p.ProviderID, DisplayName: "University", BaseURL: "https://vpn.example.org"}, nil
}

var testProfiles = fakeProfiles{profiles: []*vpn.Profile{
	{ID: "a1b2c3d4", ProviderID: "uni", DisplayName: "Employees", ConnectionType: vpn.ConnectionInstituteAccess},
	{ID: "e5f6a7b8", ProviderID: "uni", DisplayName: "Secure", ConnectionType: vpn.ConnectionInstituteAccess, RequiresTwoFactor: true},
}}

func newTestServer(t *testing.T, transport *fakeTransport, opts Options) (*Server, *vpn.Manager, *httptest.Server) {
	t.Helper()
	cfg := vpn.DefaultManagerConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.LogLocation = "/tmp/vpn-session.log"

	m, err := vpn.NewManager(vpn.Dependencies{
		Transport: transport,
		Auth:      authProvider{},
		Messages:  messageSource{},
	}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(m, testProfiles, opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		m.Close(context.Background())
	})
	return s, m, ts
}

func TestServer_ConnectAndDisconnect(t *testing.T) {
	_, m, ts := newTestServer(t, &fakeTransport{}, Options{})
	c := NewClient(ts.URL)
	ctx := context.Background()

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.State != vpn.StateDisconnected {
		t.Errorf("Status().State = %v, want disconnected", status.State)
	}
	if status.LogLocation != "/tmp/vpn-session.log" {
		t.Errorf("Status().LogLocation = %v", status.LogLocation)
	}

	resp, err := c.Connect(ctx, ConnectRequest{Profile: "employees"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if resp.Result != "connected" || resp.Status.State != vpn.StateConnected {
		t.Errorf("Connect() = %+v, want connected", resp)
	}
	if resp.Status.Profile == nil || resp.Status.Profile.ID != "a1b2c3d4" {
		t.Errorf("Connect() profile = %+v, want a1b2c3d4", resp.Status.Profile)
	}
	if m.CurrentState() != vpn.StateConnected {
		t.Errorf("CurrentState() = %v, want connected", m.CurrentState())
	}

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.BytesReceived != 20 {
		t.Errorf("Stats().BytesReceived = %d, want 20", stats.BytesReceived)
	}

	status, err = c.Disconnect(ctx)
	if err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if status.State != vpn.StateDisconnected {
		t.Errorf("Disconnect() state = %v, want disconnected", status.State)
	}
}

func TestServer_TwoFactorRequired(t *testing.T) {
	_, m, ts := newTestServer(t, &fakeTransport{}, Options{})
	c := NewClient(ts.URL)

	resp, err := c.Connect(context.Background(), ConnectRequest{Profile: "Secure"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if resp.Result != "two_factor_required" {
		t.Errorf("Connect().Result = %v, want two_factor_required", resp.Result)
	}
	if m.CurrentState() != vpn.StateDisconnected {
		t.Errorf("CurrentState() = %v, want disconnected", m.CurrentState())
	}

	resp, err = c.Connect(context.Background(), ConnectRequest{Profile: "Secure", TwoFactorKind: "totp", TwoFactor: "123456"})
	if err != nil {
		t.Fatalf("Connect() with token error = %v", err)
	}
	if resp.Result != "connected" {
		t.Errorf("Connect().Result = %v, want connected", resp.Result)
	}
}

func TestServer_Errors(t *testing.T) {
	_, _, ts := newTestServer(t, &fakeTransport{fail: vpn.ErrNetworkUnreachable}, Options{})
	c := NewClient(ts.URL)
	ctx := context.Background()

	tests := []struct {
		name   string
		call   func() error
		status int
		code   string
	}{
		{"unknown profile", func() error { _, err := c.Connect(ctx, ConnectRequest{Profile: "nope"}); return err }, http.StatusNotFound, "not_found"},
		{"bad token", func() error {
			_, err := c.Connect(ctx, ConnectRequest{Profile: "Secure", TwoFactor: "12"})
			return err
		}, http.StatusBadRequest, "invalid_two_factor"},
		{"setup failed", func() error { _, err := c.Connect(ctx, ConnectRequest{Profile: "Employees"}); return err }, http.StatusBadGateway, "tunnel_setup_failed"},
		{"stats while disconnected", func() error { _, err := c.Stats(ctx); return err }, http.StatusConflict, "not_connected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error = %v, want *APIError", err)
			}
			if apiErr.Status != tt.status || apiErr.Code != tt.code {
				t.Errorf("error = %d %s, want %d %s", apiErr.Status, apiErr.Code, tt.status, tt.code)
			}
		})
	}
}

func TestServer_Busy(t *testing.T) {
	transport := &fakeTransport{release: make(chan struct{})}
	_, m, ts := newTestServer(t, transport, Options{})
	c := NewClient(ts.URL)

	done := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background(), ConnectRequest{Profile: "Employees"})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.CurrentState() != vpn.StateConnecting {
		if time.Now().After(deadline) {
			t.Fatal("session never entered connecting")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := c.Connect(context.Background(), ConnectRequest{Profile: "Employees"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "session_busy" {
		t.Errorf("second Connect() error = %v, want session_busy", err)
	}

	close(transport.release)
	if err := <-done; err != nil {
		t.Errorf("first Connect() error = %v", err)
	}
}

func TestServer_Messages(t *testing.T) {
	_, _, ts := newTestServer(t, &fakeTransport{}, Options{})
	c := NewClient(ts.URL)

	msgs, err := c.Messages(context.Background(), "Employees")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Messages() returned %d messages, want 2", len(msgs))
	}
	if msgs[0].Audience != string(vpn.AudienceUser) || msgs[1].Audience != string(vpn.AudienceSystem) {
		t.Errorf("Messages() audiences = %v, %v; want user first", msgs[0].Audience, msgs[1].Audience)
	}

	if _, err := c.Messages(context.Background(), ""); err == nil {
		t.Error("Messages() without profile while disconnected should fail")
	}
}

func TestServer_RateLimit(t *testing.T) {
	_, _, ts := newTestServer(t, &fakeTransport{}, Options{RateLimit: 0.001, RateBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(ts.URL + "/v1/status")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}
}

func TestServer_BadRequest(t *testing.T) {
	_, _, ts := newTestServer(t, &fakeTransport{}, Options{})

	resp, err := http.Post(ts.URL+"/v1/connect", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Code != "bad_request" {
		t.Errorf("code = %v, want bad_request", body.Code)
	}
}

func TestServer_EventStream(t *testing.T) {
	s, m, ts := newTestServer(t, &fakeTransport{}, Options{})
	c := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := c.Events(ctx)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}

	first := <-events
	if first.Type != EventSnapshot || first.Status == nil || first.Status.State != vpn.StateDisconnected {
		t.Fatalf("first frame = %+v, want disconnected snapshot", first)
	}
	for s.ClientCount() != 1 {
		time.Sleep(time.Millisecond)
	}

	if _, err := c.Connect(ctx, ConnectRequest{Profile: "Employees"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}

	want := [][2]vpn.SessionState{
		{vpn.StateDisconnected, vpn.StateConnecting},
		{vpn.StateConnecting, vpn.StateConnected},
		{vpn.StateConnected, vpn.StateDisconnecting},
		{vpn.StateDisconnecting, vpn.StateDisconnected},
	}
	for i, w := range want {
		select {
		case msg := <-events:
			if msg.Type != EventStateChange || msg.Old != w[0] || msg.New != w[1] {
				t.Errorf("event %d = %s %v -> %v, want %v -> %v", i, msg.Type, msg.Old, msg.New, w[0], w[1])
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	s.PublishHealth("a1b2c3d4", vpn.HealthHealthy, vpn.HealthDegraded)
	select {
	case msg := <-events:
		if msg.Type != EventHealth || msg.Health != vpn.HealthDegraded.String() {
			t.Errorf("health frame = %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for health frame")
	}
}

func TestServer_RejectsForeignOrigin(t *testing.T) {
	_, _, ts := newTestServer(t, &fakeTransport{}, Options{AllowedOrigins: []string{"http://localhost:3000"}})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Error("Dial() with foreign origin should fail")
	}

	header.Set("Origin", "http://localhost:3000")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("Dial() with allowed origin error = %v", err)
	}
	conn.Close()
}

func TestClient_DaemonUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	if err := NewClient(url).Ping(context.Background()); !errors.Is(err, ErrDaemonUnavailable) {
		t.Errorf("Ping() error = %v, want ErrDaemonUnavailable", err)
	}
}
