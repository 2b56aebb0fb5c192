package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// CallbackResult carries the parameters of an authorization redirect.
type CallbackResult struct {
	State string
	Code  string
}

// WaitForCallback serves one authorization redirect on the loopback
// address of redirectURL and returns its state and code.
func WaitForCallback(ctx context.Context, redirectURL string) (CallbackResult, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("invalid redirect URL: %w", err)
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("failed to listen for callback: %w", err)
	}
	return serveCallback(ctx, ln, u.Path)
}

func serveCallback(ctx context.Context, ln net.Listener, path string) (CallbackResult, error) {
	results := make(chan CallbackResult, 1)
	failures := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			http.Error(w, "Authorization failed. You can close this window.", http.StatusBadRequest)
			select {
			case failures <- fmt.Errorf("authorization denied: %s", e):
			default:
			}
			return
		}
		if q.Get("code") == "" || q.Get("state") == "" {
			http.Error(w, "missing code or state", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authorization complete. You can close this window.")
		select {
		case results <- CallbackResult{State: q.Get("state"), Code: q.Get("code")}:
		default:
		}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	defer srv.Close()

	select {
	case res := <-results:
		return res, nil
	case err := <-failures:
		return CallbackResult{}, err
	case <-ctx.Done():
		return CallbackResult{}, errors.Join(errors.New("timed out waiting for authorization"), ctx.Err())
	}
}
