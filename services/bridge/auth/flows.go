// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Flow is one interactive sign-in strategy. Flows are selected by name via
// the signin-specify-flow command, or by environment probing when the user
// expressed no preference.
type Flow interface {
	// Name is the stable identifier users select the flow by.
	Name() string

	// Available reports whether the flow can run in the current
	// environment.
	Available(ctx context.Context) bool

	// Authenticate runs the flow to completion and returns the granted
	// credential. Blocks until the provider responds or ctx is done.
	Authenticate(ctx context.Context) (*Credential, error)
}

// Prompter is how flows reach the user: showing a device-code prompt or
// opening the provider's consent page. The command layer backs this with
// the editor surface.
type Prompter interface {
	// VerificationPrompt tells the user to visit uri and enter code.
	VerificationPrompt(uri, code string)

	// OpenURL opens url in the user's browser.
	OpenURL(url string) error

	// CanOpenURL reports whether a browser can be opened at all.
	CanOpenURL() bool
}

// FlowNames, in default preference order.
const (
	FlowDeviceCode = "device-code"
	FlowRedirect   = "redirect"
)

// DefaultFlows returns the built-in flows for the provider configuration,
// redirect first since it is the smoother experience when a browser is
// reachable.
func DefaultFlows(cfg oauth2.Config, provider string, prompt Prompter) []Flow {
	return []Flow{
		&RedirectFlow{cfg: cfg, provider: provider, prompt: prompt},
		&DeviceFlow{cfg: cfg, provider: provider, prompt: prompt},
	}
}

// credentialFromToken converts an oauth2 token grant into a Credential.
func credentialFromToken(provider string, tok *oauth2.Token) *Credential {
	account := ""
	if v, ok := tok.Extra("account").(string); ok {
		account = v
	}
	return &Credential{
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Account:      account,
	}
}

// -----------------------------------------------------------------------------
// Device-code flow
// -----------------------------------------------------------------------------

// DeviceFlow implements the OAuth 2.0 device authorization grant: the user
// enters a short code on a second device. Works everywhere, including
// remote/SSH editor sessions with no local browser.
type DeviceFlow struct {
	cfg      oauth2.Config
	provider string
	prompt   Prompter
}

// Name implements Flow.
func (f *DeviceFlow) Name() string { return FlowDeviceCode }

// Available implements Flow. The device grant has no environment needs.
func (f *DeviceFlow) Available(context.Context) bool { return true }

// Authenticate implements Flow.
func (f *DeviceFlow) Authenticate(ctx context.Context) (*Credential, error) {
	resp, err := f.cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}

	uri := resp.VerificationURIComplete
	if uri == "" {
		uri = resp.VerificationURI
	}
	f.prompt.VerificationPrompt(uri, resp.UserCode)

	tok, err := f.cfg.DeviceAccessToken(ctx, resp)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrFlowCancelled, err)
		}
		return nil, fmt.Errorf("device grant: %w", err)
	}
	return credentialFromToken(f.provider, tok), nil
}

// -----------------------------------------------------------------------------
// Redirect (authorization-code) flow
// -----------------------------------------------------------------------------

// RedirectFlow implements the authorization-code grant with PKCE and a
// loopback redirect: a one-shot listener on 127.0.0.1 receives the code
// after the user consents in their browser.
type RedirectFlow struct {
	cfg      oauth2.Config
	provider string
	prompt   Prompter
}

// Name implements Flow.
func (f *RedirectFlow) Name() string { return FlowRedirect }

// Available implements Flow. Needs a local browser.
func (f *RedirectFlow) Available(context.Context) bool {
	return f.prompt.CanOpenURL()
}

// Authenticate implements Flow.
func (f *RedirectFlow) Authenticate(ctx context.Context) (*Credential, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("loopback listener: %w", err)
	}

	verifier := oauth2.GenerateVerifier()
	state := uuid.New().String()

	cfg := f.cfg
	cfg.RedirectURL = fmt.Sprintf("http://%s/callback", ln.Addr().String())

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errCh <- errors.New("redirect state mismatch")
			return
		}
		if msg := q.Get("error"); msg != "" {
			http.Error(w, "sign-in was not completed", http.StatusBadRequest)
			errCh <- fmt.Errorf("provider declined: %s", msg)
			return
		}
		fmt.Fprint(w, "Signed in. You can close this tab and return to the editor.")
		codeCh <- q.Get("code")
	})}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)
	if err := f.prompt.OpenURL(authURL); err != nil {
		return nil, fmt.Errorf("%w: open browser: %v", ErrFlowUnavailable, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrFlowCancelled, ctx.Err())
	case err := <-errCh:
		return nil, fmt.Errorf("%w: %v", ErrFlowCancelled, err)
	case code := <-codeCh:
		tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		if err != nil {
			return nil, fmt.Errorf("exchange authorization code: %w", err)
		}
		return credentialFromToken(f.provider, tok), nil
	}
}

// -----------------------------------------------------------------------------
// Refresh
// -----------------------------------------------------------------------------

// Refresher renews a credential from its refresh token. A failure wrapping
// ErrReauthRequired means the refresh token itself was rejected and the
// credential must be discarded.
type Refresher interface {
	Refresh(ctx context.Context, cred *Credential) (*Credential, error)
}

// oauth2Refresher renews credentials against the provider token endpoint.
type oauth2Refresher struct {
	cfg      oauth2.Config
	provider string
}

// NewRefresher returns the production token refresher for the provider.
func NewRefresher(cfg oauth2.Config, provider string) Refresher {
	return &oauth2Refresher{cfg: cfg, provider: provider}
}

// Refresh implements Refresher.
func (r *oauth2Refresher) Refresh(ctx context.Context, cred *Credential) (*Credential, error) {
	if cred.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token granted", ErrReauthRequired)
	}

	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("%w: refresh token rejected", ErrReauthRequired)
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	next := credentialFromToken(r.provider, tok)
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if next.Account == "" {
		next.Account = cred.Account
	}
	return next, nil
}
