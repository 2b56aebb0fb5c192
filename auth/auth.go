// Package auth manages OAuth2 credentials for providers. It implements
// vpn.AuthenticationProvider on top of a secret store and runs the
// authorization-code flow with PKCE.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/vpn"
)

const (
	// DefaultClientID identifies this client to provider authorization servers.
	DefaultClientID = "org.eduvpn.app.linux"
	// DefaultRedirectURL is where providers send the authorization code.
	DefaultRedirectURL = "http://127.0.0.1:8000/callback"
	// DefaultScope is the scope requested from providers.
	DefaultScope = "config"

	// flowTTL bounds how long a started authorization stays valid.
	flowTTL = 10 * time.Minute
)

var (
	// ErrUnknownFlow is returned for a callback that matches no started flow.
	ErrUnknownFlow = errors.New("unknown or expired authorization flow")
	// ErrNoToken is returned when a provider has no stored token.
	ErrNoToken = errors.New("no stored token")
)

// State is the stored credential of one provider. It implements
// vpn.AuthState.
type State struct {
	providerID string
	token      *oauth2.Token
}

var _ vpn.AuthState = (*State)(nil)

// NewState wraps token for providerID.
func NewState(providerID string, token *oauth2.Token) *State {
	return &State{providerID: providerID, token: token}
}

// ProviderID returns the provider the credentials belong to.
func (s *State) ProviderID() string { return s.providerID }

// IsAuthorized reports whether the access token is valid or can be
// refreshed.
func (s *State) IsAuthorized() bool {
	if s == nil || s.token == nil {
		return false
	}
	return s.token.Valid() || s.token.RefreshToken != ""
}

// Token returns the underlying OAuth2 token.
func (s *State) Token() *oauth2.Token { return s.token }

// Flow is a started authorization. Its State and Verifier must be kept
// until the callback arrives.
type Flow struct {
	ProviderID string
	State      string
	Verifier   string
	AuthURL    string
	started    time.Time
	provider   *vpn.Provider
}

// Service stores provider tokens and runs authorization flows.
type Service struct {
	store       common.SecretStore
	clientID    string
	redirectURL string
	scopes      []string

	mu      sync.Mutex
	pending map[string]*Flow
}

var _ vpn.AuthenticationProvider = (*Service)(nil)

// NewService creates a Service storing tokens in store.
func NewService(store common.SecretStore) *Service {
	return &Service{
		store:       store,
		clientID:    DefaultClientID,
		redirectURL: DefaultRedirectURL,
		scopes:      []string{DefaultScope},
		pending:     make(map[string]*Flow),
	}
}

// SetRedirectURL overrides the redirect URL used by new flows.
func (s *Service) SetRedirectURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirectURL = u
}

// RedirectURL returns the redirect URL used by new flows.
func (s *Service) RedirectURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redirectURL
}

func tokenKey(providerID string) string {
	return "oauth:" + providerID
}

func (s *Service) oauthConfig(p *vpn.Provider) *oauth2.Config {
	base := strings.TrimSuffix(p.BaseURL, "/")
	endpoint := oauth2.Endpoint{
		AuthURL:   p.AuthorizationEndpoint,
		TokenURL:  p.TokenEndpoint,
		AuthStyle: oauth2.AuthStyleInParams,
	}
	if endpoint.AuthURL == "" {
		endpoint.AuthURL = base + "/oauth/authorize"
	}
	if endpoint.TokenURL == "" {
		endpoint.TokenURL = base + "/oauth/token"
	}

	s.mu.Lock()
	redirect := s.redirectURL
	s.mu.Unlock()

	return &oauth2.Config{
		ClientID:    s.clientID,
		RedirectURL: redirect,
		Endpoint:    endpoint,
		Scopes:      s.scopes,
	}
}

// AuthState returns the stored credentials for provider.
func (s *Service) AuthState(p *vpn.Provider) (vpn.AuthState, bool) {
	token, err := s.load(p.ID)
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			common.LogWarn("Failed to load token for %s: %v", p.ID, err)
		}
		return nil, false
	}
	return NewState(p.ID, token), true
}

func (s *Service) load(providerID string) (*oauth2.Token, error) {
	raw, err := s.store.Get(tokenKey(providerID))
	if err != nil {
		if errors.Is(err, common.ErrCredentialsNotFound) {
			return nil, ErrNoToken
		}
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil, fmt.Errorf("failed to parse stored token: %w", err)
	}
	return &token, nil
}

func (s *Service) save(providerID string, token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return s.store.Store(tokenKey(providerID), string(data))
}

// StartAuthorization begins an authorization-code flow with PKCE for p.
// The caller opens Flow.AuthURL in a browser.
func (s *Service) StartAuthorization(p *vpn.Provider) (*Flow, error) {
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	flow := &Flow{
		ProviderID: p.ID,
		State:      state,
		Verifier:   verifier,
		AuthURL:    s.oauthConfig(p).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		started:    time.Now(),
		provider:   p,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, f := range s.pending {
		if time.Since(f.started) > flowTTL {
			delete(s.pending, k)
		}
	}
	s.pending[state] = flow
	return flow, nil
}

// CompleteAuthorization exchanges the code returned for state and stores
// the resulting token.
func (s *Service) CompleteAuthorization(ctx context.Context, state, code string) (*State, error) {
	s.mu.Lock()
	flow, ok := s.pending[state]
	delete(s.pending, state)
	s.mu.Unlock()

	if !ok || time.Since(flow.started) > flowTTL {
		return nil, ErrUnknownFlow
	}

	token, err := s.oauthConfig(flow.provider).Exchange(ctx, code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	if err := s.save(flow.ProviderID, token); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	common.LogInfo("Authorized provider %s", flow.ProviderID)
	return NewState(flow.ProviderID, token), nil
}

// Refresh renews the provider's access token if it has expired.
func (s *Service) Refresh(ctx context.Context, p *vpn.Provider) (*State, error) {
	token, err := s.load(p.ID)
	if err != nil {
		return nil, err
	}
	fresh, err := s.TokenSource(ctx, p, token).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vpn.ErrAuthenticationExpired, err)
	}
	return NewState(p.ID, fresh), nil
}

// TokenSource returns a token source for p that persists refreshed tokens.
func (s *Service) TokenSource(ctx context.Context, p *vpn.Provider, token *oauth2.Token) oauth2.TokenSource {
	base := s.oauthConfig(p).TokenSource(ctx, token)
	return oauth2.ReuseTokenSource(token, &persistingSource{
		base:       base,
		svc:        s,
		providerID: p.ID,
		last:       token.AccessToken,
	})
}

// HTTPClient returns a client that authorizes requests to p with auth.
// Non-OAuth2 AuthStates yield a plain client.
func (s *Service) HTTPClient(ctx context.Context, p *vpn.Provider, auth vpn.AuthState) *http.Client {
	st, ok := auth.(*State)
	if !ok || st.token == nil {
		return http.DefaultClient
	}
	return oauth2.NewClient(ctx, s.TokenSource(ctx, p, st.token))
}

// Logout removes the stored token for p.
func (s *Service) Logout(p *vpn.Provider) error {
	return s.store.Delete(tokenKey(p.ID))
}

// persistingSource saves every new token it is handed.
type persistingSource struct {
	base       oauth2.TokenSource
	svc        *Service
	providerID string

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	token, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if token.AccessToken != p.last {
		p.last = token.AccessToken
		if err := p.svc.save(p.providerID, token); err != nil {
			common.LogWarn("Failed to persist refreshed token for %s: %v", p.providerID, err)
		}
	}
	return token, nil
}

// generateState creates a random state parameter for CSRF protection.
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
