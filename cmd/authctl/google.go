package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jrsteele09/go-auth-session/authclient"
	"github.com/rs/zerolog/log"
)

type callbackResult struct {
	state string
	code  string
	err   error
}

// googleLogin runs the consent flow with a loopback listener on the
// configured redirect URL and hands the Google access token to the backend.
func (a *app) googleLogin(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("google-login", flag.ContinueOnError)
	timeout := flags.Duration("timeout", 5*time.Minute, "how long to wait for the browser callback")
	if err := flags.Parse(args); err != nil {
		return err
	}

	redirect, err := url.Parse(a.cfg.GetGoogleRedirectURL())
	if err != nil {
		return fmt.Errorf("invalid Google redirect URL: %w", err)
	}

	var options []authclient.GoogleFlowOption
	if a.cfg.GetGoogleVerifyIDToken() {
		verifier, err := authclient.NewGoogleVerifier(ctx, a.cfg.GetGoogleClientID())
		if err != nil {
			return err
		}
		options = append(options, authclient.WithIDTokenVerifier(verifier))
	}

	flow, err := authclient.NewGoogleFlow(authclient.GoogleConfig{
		ClientID:     a.cfg.GetGoogleClientID(),
		ClientSecret: a.cfg.GetGoogleClientSecret(),
		RedirectURL:  redirect.String(),
	}, options...)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return fmt.Errorf("failed to listen for the OAuth callback on %s: %w", redirect.Host, err)
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		state, code, err := authclient.ParseCallback(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "Signed in. You can close this window.")
		}
		select {
		case results <- callbackResult{state: state, code: code, err: err}:
		default:
		}
	})
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Msg("callback server stopped")
		}
	}()
	defer shutdown(server)

	req := flow.Start()
	fmt.Fprintf(a.stdout, "Open this URL in your browser to sign in with Google:\n\n  %s\n\n", req.URL)

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var result callbackResult
	select {
	case result = <-results:
	case <-waitCtx.Done():
		return fmt.Errorf("waiting for Google callback: %w", waitCtx.Err())
	}
	if result.err != nil {
		return result.err
	}

	tok, err := flow.Exchange(ctx, req, result.state, result.code)
	if err != nil {
		return err
	}

	user, err := a.manager.LoginWithGoogle(ctx, tok.AccessToken)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Signed in as %s\n", user.Email)
	return nil
}
