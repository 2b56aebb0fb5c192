// Package messages fetches notifications published by providers.
package messages

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yllada/vpn-session-manager/vpn"
)

// maxBody bounds the size of a messages response.
const maxBody = 1 << 20

// ClientFunc returns the HTTP client used to reach provider p on behalf
// of auth.
type ClientFunc func(ctx context.Context, p *vpn.Provider, auth vpn.AuthState) *http.Client

// Source fetches provider messages over the provider API.
type Source struct {
	client  ClientFunc
	timeout time.Duration
}

var _ vpn.MessageSource = (*Source)(nil)

// NewSource creates a Source. A nil client uses http.DefaultClient.
func NewSource(client ClientFunc, timeout time.Duration) *Source {
	if client == nil {
		client = func(context.Context, *vpn.Provider, vpn.AuthState) *http.Client { return http.DefaultClient }
	}
	return &Source{client: client, timeout: timeout}
}

type apiMessage struct {
	DateTime string `json:"date_time"`
	Message  string `json:"message"`
	Type     string `json:"type"`
}

type apiEnvelope struct {
	OK    bool         `json:"ok"`
	Data  []apiMessage `json:"data"`
	Error string       `json:"error"`
}

// Endpoint returns the messages URL for p and audience.
func Endpoint(p *vpn.Provider, audience vpn.Audience) string {
	return strings.TrimSuffix(p.BaseURL, "/") + "/api.php/" + string(audience) + "_messages"
}

// FetchMessages returns the provider's messages for one audience, newest
// first.
func (s *Source) FetchMessages(ctx context.Context, p *vpn.Provider, audience vpn.Audience, auth vpn.AuthState) ([]vpn.Message, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint(p, audience), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client(ctx, p, auth).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s messages: %w", audience, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("fetch %s messages: %w", audience, vpn.ErrAuthenticationExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s messages: unexpected status %s", audience, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s messages: %w", audience, err)
	}
	return parse(body, audience)
}

func parse(body []byte, audience vpn.Audience) ([]vpn.Message, error) {
	var doc map[string]apiEnvelope
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse %s messages: %w", audience, err)
	}
	env, ok := doc[string(audience)+"_messages"]
	if !ok {
		return nil, fmt.Errorf("parse %s messages: missing envelope", audience)
	}
	if !env.OK {
		return nil, fmt.Errorf("%s messages: %s", audience, env.Error)
	}

	out := make([]vpn.Message, 0, len(env.Data))
	for _, m := range env.Data {
		date, err := time.Parse(time.RFC3339, m.DateTime)
		if err != nil {
			// Older servers send "2006-01-02 15:04:05".
			date, err = time.Parse(time.DateTime, m.DateTime)
			if err != nil {
				return nil, fmt.Errorf("parse %s message date %q: %w", audience, m.DateTime, err)
			}
		}
		out = append(out, vpn.Message{Date: date, Text: m.Message, Audience: audience})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

// FetchAll fetches both audiences concurrently and returns user messages
// followed by system messages.
func FetchAll(ctx context.Context, src vpn.MessageSource, p *vpn.Provider, auth vpn.AuthState) ([]vpn.Message, error) {
	var user, system []vpn.Message

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		user, err = src.FetchMessages(ctx, p, vpn.AudienceUser, auth)
		return err
	})
	g.Go(func() error {
		var err error
		system, err = src.FetchMessages(ctx, p, vpn.AudienceSystem, auth)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(user, system...), nil
}
