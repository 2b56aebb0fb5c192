package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/yllada/vpn-session-manager/common"
	"github.com/yllada/vpn-session-manager/messages"
	"github.com/yllada/vpn-session-manager/registry"
	"github.com/yllada/vpn-session-manager/vpn"
)

// Profiles resolves profiles named in requests.
type Profiles interface {
	FindProfile(query string) (*vpn.Profile, error)
	ProviderOf(profile *vpn.Profile) (*vpn.Provider, error)
}

// Options configures the Server.
type Options struct {
	RateLimit float64
	RateBurst int
	// AllowedOrigins lists browser origins allowed to open the event
	// stream. Requests without an Origin header are always allowed.
	AllowedOrigins []string
}

// Server exposes a Manager over HTTP.
type Server struct {
	manager  *vpn.Manager
	profiles Profiles
	limiter  *ipRateLimiter
	upgrader websocket.Upgrader
	handler  http.Handler

	mu      sync.Mutex
	clients map[string]*client
}

// NewServer creates a Server for manager.
func NewServer(manager *vpn.Manager, profiles Profiles, opts Options) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = common.DefaultAPIRateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = common.DefaultAPIRateBurst
	}

	s := &Server{
		manager:  manager,
		profiles: profiles,
		limiter:  newIPRateLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		clients:  make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range opts.AllowedOrigins {
				if strings.EqualFold(origin, allowed) {
					return true
				}
			}
			return false
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/connect", s.handleConnect)
	mux.HandleFunc("POST /v1/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("GET /v1/messages", s.handleMessages)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	s.handler = recoveryMiddleware(loggingMiddleware(s.limiter.middleware(mux)))
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then closes event streams
// and shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	common.LogInfo("Control API listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.closeClients()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) status() StatusResponse {
	return statusFrom(s.manager.Session(), s.manager.Health(), s.manager.LogLocation())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Profile) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "profile is required")
		return
	}

	profile, err := s.profiles.FindProfile(req.Profile)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	var token *vpn.TwoFactor
	if req.TwoFactor != "" {
		kind := vpn.TwoFactorKind(req.TwoFactorKind)
		if kind == "" {
			kind = vpn.TwoFactorTOTP
		}
		if token, err = vpn.NewTwoFactor(kind, req.TwoFactor); err != nil {
			writeSessionError(w, err)
			return
		}
	}

	provider, err := s.profiles.ProviderOf(profile)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	auth, _ := s.manager.AuthStateFor(provider)

	// The session outlives the request.
	result, err := s.manager.Connect(context.WithoutCancel(r.Context()), profile, auth, token)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectResponse{Result: resultName(result), Status: s.status()})
}

func resultName(r vpn.ConnectResult) string {
	switch r {
	case vpn.Connected:
		return "connected"
	case vpn.TwoFactorRequired:
		return "two_factor_required"
	default:
		return "failed"
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Disconnect(r.Context()); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.ReadStatistics(r.Context())
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatisticsDTO(&stats))
}

// handleMessages returns user then system messages for ?profile=.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("profile")
	if query == "" {
		if p := s.manager.Session().ActiveProfile; p != nil {
			query = p.ID
		}
	}
	if query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "profile is required when not connected")
		return
	}

	profile, err := s.profiles.FindProfile(query)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	provider, err := s.profiles.ProviderOf(profile)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	auth, err := s.manager.AuthStateFor(provider)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	msgs, err := messages.FetchAll(r.Context(), s.manager, provider, auth)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{Date: m.Date, Text: m.Text, Audience: string(m.Audience)})
	}
	writeJSON(w, http.StatusOK, out)
}

// statusFor maps errors onto HTTP status codes and stable error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, vpn.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, vpn.ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, vpn.ErrConnectCancelled):
		return http.StatusConflict, "connect_cancelled"
	case errors.Is(err, vpn.ErrAuthenticationRequired):
		return http.StatusUnauthorized, "authentication_required"
	case errors.Is(err, vpn.ErrAuthenticationExpired):
		return http.StatusUnauthorized, "authentication_expired"
	case errors.Is(err, vpn.ErrInvalidTwoFactor), errors.Is(err, vpn.ErrTwoFactorConsumed):
		return http.StatusBadRequest, "invalid_two_factor"
	case errors.Is(err, common.ErrProfileNotFound), errors.Is(err, common.ErrProviderNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, registry.ErrAmbiguous):
		return http.StatusBadRequest, "ambiguous_profile"
	case errors.Is(err, vpn.ErrTunnelSetupFailed):
		return http.StatusBadGateway, "tunnel_setup_failed"
	case errors.Is(err, vpn.ErrTunnelTeardownFailed):
		return http.StatusBadGateway, "tunnel_teardown_failed"
	case errors.Is(err, vpn.ErrSamplingFailed):
		return http.StatusBadGateway, "sampling_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func writeSessionError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		common.LogError("API request failed: %v", err)
	}
	writeError(w, status, code, err.Error())
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		common.LogDebug("Failed to write response: %v", err)
	}
}
