package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/vpn"
)

type memoryStore struct {
	mu      sync.Mutex
	secrets map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{secrets: make(map[string]string)}
}

func (m *memoryStore) Store(key, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = secret
	return nil
}

func (m *memoryStore) Get(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[key]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return s, nil
}

func (m *memoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.secrets, key)
	return nil
}

// tokenServer is a minimal OAuth2 token endpoint.
type tokenServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []url.Values
	counter  int
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ts.mu.Lock()
		ts.requests = append(ts.requests, r.PostForm)
		ts.counter++
		n := ts.counter
		ts.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "access-" + string(rune('0'+n)),
			"token_type":    "Bearer",
			"refresh_token": "refresh",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) lastRequest() url.Values {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.requests[len(ts.requests)-1]
}

func testProvider(ts *tokenServer) *vpn.Provider {
	return &vpn.Provider{
		ID:                "uni",
		DisplayName:       "University",
		BaseURL:           ts.URL + "/",
		ConnectionType:    vpn.ConnectionInstituteAccess,
		AuthorizationType: vpn.AuthorizationLocal,
		TokenEndpoint:     ts.URL + "/token",
	}
}

func TestState_IsAuthorized(t *testing.T) {
	tests := []struct {
		name  string
		token *oauth2.Token
		want  bool
	}{
		{"nil token", nil, false},
		{"valid", &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(time.Hour)}, true},
		{"expired with refresh", &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)}, true},
		{"expired without refresh", &oauth2.Token{AccessToken: "a", Expiry: time.Now().Add(-time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewState("uni", tt.token).IsAuthorized(); got != tt.want {
				t.Errorf("IsAuthorized() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestService_AuthorizationFlow(t *testing.T) {
	ts := newTokenServer(t)
	store := newMemoryStore()
	svc := NewService(store)
	provider := testProvider(ts)

	if _, ok := svc.AuthState(provider); ok {
		t.Fatal("AuthState() should be empty before authorization")
	}

	flow, err := svc.StartAuthorization(provider)
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	authURL, err := url.Parse(flow.AuthURL)
	if err != nil {
		t.Fatal(err)
	}
	q := authURL.Query()
	if !strings.HasSuffix(authURL.Path, "/oauth/authorize") {
		t.Errorf("auth path = %v, want /oauth/authorize", authURL.Path)
	}
	if q.Get("state") != flow.State || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Errorf("auth URL query = %v, want state and S256 challenge", q)
	}
	if q.Get("client_id") != DefaultClientID {
		t.Errorf("client_id = %v, want %v", q.Get("client_id"), DefaultClientID)
	}

	state, err := svc.CompleteAuthorization(context.Background(), flow.State, "the-code")
	if err != nil {
		t.Fatalf("CompleteAuthorization() error = %v", err)
	}
	if !state.IsAuthorized() || state.ProviderID() != "uni" {
		t.Errorf("CompleteAuthorization() = %+v", state)
	}

	form := ts.lastRequest()
	if form.Get("code") != "the-code" || form.Get("code_verifier") != flow.Verifier {
		t.Errorf("token request = %v, want code and verifier", form)
	}

	got, ok := svc.AuthState(provider)
	if !ok || !got.IsAuthorized() {
		t.Error("AuthState() should return the stored token")
	}

	if _, err := svc.CompleteAuthorization(context.Background(), flow.State, "again"); !errors.Is(err, ErrUnknownFlow) {
		t.Errorf("reusing a flow error = %v, want %v", err, ErrUnknownFlow)
	}

	if err := svc.Logout(provider); err != nil {
		t.Fatal(err)
	}
	if _, ok := svc.AuthState(provider); ok {
		t.Error("AuthState() should be empty after Logout")
	}
}

func TestService_RefreshPersistsToken(t *testing.T) {
	ts := newTokenServer(t)
	store := newMemoryStore()
	svc := NewService(store)
	provider := testProvider(ts)

	expired := &oauth2.Token{AccessToken: "old", RefreshToken: "refresh", Expiry: time.Now().Add(-time.Minute)}
	if err := svc.save(provider.ID, expired); err != nil {
		t.Fatal(err)
	}

	state, err := svc.Refresh(context.Background(), provider)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if state.Token().AccessToken == "old" {
		t.Error("Refresh() should return a new access token")
	}
	if ts.lastRequest().Get("grant_type") != "refresh_token" {
		t.Errorf("grant_type = %v, want refresh_token", ts.lastRequest().Get("grant_type"))
	}

	stored, err := svc.load(provider.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AccessToken != state.Token().AccessToken {
		t.Errorf("stored token = %v, want %v", stored.AccessToken, state.Token().AccessToken)
	}
}

func TestService_RefreshWithoutToken(t *testing.T) {
	svc := NewService(newMemoryStore())
	if _, err := svc.Refresh(context.Background(), &vpn.Provider{ID: "none"}); !errors.Is(err, ErrNoToken) {
		t.Errorf("Refresh() error = %v, want %v", err, ErrNoToken)
	}
}

func TestServeCallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan CallbackResult, 1)
	go func() {
		res, err := serveCallback(ctx, ln, "/callback")
		if err != nil {
			t.Errorf("serveCallback() error = %v", err)
		}
		done <- res
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/callback?state=s1&code=c1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	res := <-done
	if res.State != "s1" || res.Code != "c1" {
		t.Errorf("serveCallback() = %+v, want s1/c1", res)
	}
}
