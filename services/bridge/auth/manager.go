// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth manages the remote-provider credential lifecycle: interactive
// sign-in flow selection, silent refresh, secure storage, and sign-out.
//
// The Manager is the sole owner of the Credential. In memory the serialized
// credential lives in a memguard enclave (mlocked, guarded, wiped on
// discard); on disk it lives in an embedded BadgerDB under the user's data
// directory. Everything outside this package observes only a Status and an
// account label. Token values are never logged.
//
// Status machine:
//
//	signed_out ──► authenticating ──► signed_in      (flow granted)
//	                    │
//	                    └──► signed_out              (flow cancelled/failed)
//	signed_in ──► refreshing ──► signed_in           (silent refresh)
//	signed_in ──► signed_out                         (sign-out, rejected refresh token)
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin is how close to expiry an access token may get
// before a silent refresh runs ahead of handing it out.
const DefaultRefreshMargin = 2 * time.Minute

// Config assembles a Manager. Provider, OAuth, Prompter, and Store are
// required; nil Flows and Refresher take the oauth2-backed defaults.
type Config struct {
	// Provider is the identity-provider id, the secure-storage key.
	Provider string

	// OAuth is the provider's endpoint and client configuration.
	OAuth oauth2.Config

	// Prompter surfaces flow interactions to the user.
	Prompter Prompter

	// Store persists credentials across editor restarts.
	Store Store

	// Flows overrides the built-in sign-in flows. Probed in order.
	Flows []Flow

	// Refresher overrides the built-in token refresher.
	Refresher Refresher

	// RefreshMargin overrides DefaultRefreshMargin.
	RefreshMargin time.Duration

	// Logger receives lifecycle events. Never credential contents.
	Logger *slog.Logger
}

// Manager owns the credential lifecycle for one identity provider.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	provider  string
	store     Store
	refresher Refresher
	flows     []Flow
	margin    time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	status  Status
	sealed  *memguard.Enclave
	expiry  time.Time
	account string

	group singleflight.Group
}

// NewManager creates a Manager and restores any persisted credential, so a
// signed-in user stays signed in across editor restarts.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Provider == "" {
		return nil, errors.New("auth: provider id is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("auth: credential store is required")
	}
	if cfg.Flows == nil {
		if cfg.Prompter == nil {
			return nil, errors.New("auth: prompter is required for the default flows")
		}
		cfg.Flows = DefaultFlows(cfg.OAuth, cfg.Provider, cfg.Prompter)
	}
	if cfg.Refresher == nil {
		cfg.Refresher = NewRefresher(cfg.OAuth, cfg.Provider)
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		provider:  cfg.Provider,
		store:     cfg.Store,
		refresher: cfg.Refresher,
		flows:     cfg.Flows,
		margin:    cfg.RefreshMargin,
		logger:    cfg.Logger.With(slog.String("component", "auth"), slog.String("provider", cfg.Provider)),
		now:       time.Now,
		status:    StatusSignedOut,
	}

	cred, err := cfg.Store.Load(context.Background(), cfg.Provider)
	switch {
	case errors.Is(err, ErrNoCredential):
		// first run, stay signed out
	case err != nil:
		m.logger.Warn("could not restore persisted credential", "error", err)
	default:
		if err := m.seal(cred); err != nil {
			m.logger.Warn("could not seal restored credential", "error", err)
		} else {
			m.status = StatusSignedIn
			m.logger.Info("restored signed-in session", "account", cred.Account)
		}
	}
	return m, nil
}

// Status returns the current authentication status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Account returns the signed-in account label, or "" when signed out.
func (m *Manager) Account() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account
}

// SignedIn reports whether a credential is held.
func (m *Manager) SignedIn() bool {
	s := m.Status()
	return s == StatusSignedIn || s == StatusRefreshing
}

// Flows returns the names of the flows available right now, in preference
// order. Used by the flow-picker command surface.
func (m *Manager) Flows(ctx context.Context) []string {
	var names []string
	for _, f := range m.flows {
		if f.Available(ctx) {
			names = append(names, f.Name())
		}
	}
	return names
}

// SignIn runs an interactive sign-in. A non-empty flowPreference selects
// that flow by name; otherwise the first available flow runs. A second
// SignIn while one is in progress fails fast without touching the first.
func (m *Manager) SignIn(ctx context.Context, flowPreference string) error {
	m.mu.Lock()
	if m.status == StatusAuthenticating {
		m.mu.Unlock()
		return ErrSignInInProgress
	}
	hadCredential := m.sealed != nil
	m.status = StatusAuthenticating
	m.mu.Unlock()

	flow, err := m.selectFlow(ctx, flowPreference)
	if err != nil {
		m.settleFailedSignIn(hadCredential)
		recordSignIn(ctx, flowPreference, "unavailable")
		return err
	}

	m.logger.Info("sign-in started", "flow", flow.Name())
	cred, err := flow.Authenticate(ctx)
	if err != nil {
		m.settleFailedSignIn(hadCredential)
		recordSignIn(ctx, flow.Name(), "failed")
		return fmt.Errorf("sign-in via %s: %w", flow.Name(), err)
	}
	cred.Provider = m.provider

	if err := m.install(ctx, cred); err != nil {
		m.settleFailedSignIn(hadCredential)
		recordSignIn(ctx, flow.Name(), "failed")
		return err
	}
	recordSignIn(ctx, flow.Name(), "ok")
	m.logger.Info("signed in", "flow", flow.Name(), "account", cred.Account)
	return nil
}

// selectFlow resolves the flow to run.
func (m *Manager) selectFlow(ctx context.Context, preference string) (Flow, error) {
	if preference != "" {
		for _, f := range m.flows {
			if f.Name() != preference {
				continue
			}
			if !f.Available(ctx) {
				return nil, fmt.Errorf("%w: %s cannot run here", ErrFlowUnavailable, preference)
			}
			return f, nil
		}
		return nil, fmt.Errorf("%w: unknown flow %q", ErrFlowUnavailable, preference)
	}
	for _, f := range m.flows {
		if f.Available(ctx) {
			return f, nil
		}
	}
	return nil, ErrFlowUnavailable
}

// settleFailedSignIn leaves the manager where the failed flow found it: a
// prior credential stays usable, otherwise back to signed out.
func (m *Manager) settleFailedSignIn(hadCredential bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hadCredential && m.sealed != nil {
		m.status = StatusSignedIn
		return
	}
	m.status = StatusSignedOut
}

// AccessToken returns a currently valid access token, refreshing silently
// first when expiry is inside the safety margin. Concurrent near-expiry
// callers share one refresh. A rejected refresh token signs the manager out
// and the caller gets an error demanding interactive sign-in.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	switch m.status {
	case StatusSignedOut, StatusAuthenticating:
		m.mu.Unlock()
		return "", ErrNotSignedIn
	}
	expiry := m.expiry
	m.mu.Unlock()

	if (Credential{Expiry: expiry}).freshFor(m.margin, m.now()) {
		cred, err := m.openCredential()
		if err != nil {
			return "", err
		}
		return cred.AccessToken, nil
	}

	token, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// refresh renews the credential. Runs inside the singleflight group.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	cred, err := m.openCredential()
	if err != nil {
		return "", err
	}
	// A caller that queued behind an earlier flight sees its result here.
	if cred.freshFor(m.margin, m.now()) {
		return cred.AccessToken, nil
	}

	m.setStatus(StatusRefreshing)
	next, err := m.refresher.Refresh(ctx, cred)
	if err != nil {
		if errors.Is(err, ErrReauthRequired) {
			m.logger.Warn("refresh token rejected; signing out")
			m.discard(ctx)
			recordRefresh(ctx, "rejected")
			return "", err
		}
		// Transient failure: keep the credential, stay signed in.
		m.setStatus(StatusSignedIn)
		recordRefresh(ctx, "failed")
		return "", fmt.Errorf("silent refresh: %w", err)
	}

	if err := m.install(ctx, next); err != nil {
		return "", err
	}
	recordRefresh(ctx, "ok")
	m.logger.Debug("access token refreshed", "account", next.Account)
	return next.AccessToken, nil
}

// SignOut discards the credential and clears secure storage. Idempotent.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	already := m.status == StatusSignedOut && m.sealed == nil
	m.mu.Unlock()
	if already {
		return nil
	}

	m.discard(ctx)
	m.logger.Info("signed out")
	return nil
}

// Close wipes in-memory secrets. The store is closed by its owner.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = nil
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (m *Manager) setStatus(to Status) {
	m.mu.Lock()
	from := m.status
	m.status = to
	m.mu.Unlock()
	if from != to {
		m.logger.Debug("auth status changed", "from", from.String(), "to", to.String())
	}
}

// seal serializes the credential into a fresh enclave and updates the
// non-secret metadata. Caller decides the status transition.
func (m *Manager) seal(cred *Credential) error {
	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	// NewEnclave wipes payload after sealing.
	enclave := memguard.NewEnclave(payload)

	m.mu.Lock()
	m.sealed = enclave
	m.expiry = cred.Expiry
	m.account = cred.Account
	m.mu.Unlock()
	return nil
}

// openCredential decrypts the enclave into a short-lived locked buffer and
// returns a decoded copy.
func (m *Manager) openCredential() (*Credential, error) {
	m.mu.Lock()
	sealed := m.sealed
	m.mu.Unlock()
	if sealed == nil {
		return nil, ErrNotSignedIn
	}

	buf, err := sealed.Open()
	if err != nil {
		return nil, fmt.Errorf("open credential enclave: %w", err)
	}
	defer buf.Destroy()

	var cred Credential
	if err := json.Unmarshal(buf.Bytes(), &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	return &cred, nil
}

// install seals and persists a granted credential and marks the manager
// signed in. A persistence failure is logged and tolerated: the credential
// still serves this editor session.
func (m *Manager) install(ctx context.Context, cred *Credential) error {
	if err := m.seal(cred); err != nil {
		return err
	}
	if err := m.store.Save(ctx, cred); err != nil {
		m.logger.Warn("could not persist credential", "error", err)
	}
	m.setStatus(StatusSignedIn)
	return nil
}

// discard wipes the in-memory credential and clears secure storage.
func (m *Manager) discard(ctx context.Context) {
	m.mu.Lock()
	m.sealed = nil
	m.expiry = time.Time{}
	m.account = ""
	m.status = StatusSignedOut
	m.mu.Unlock()

	if err := m.store.Delete(ctx, m.provider); err != nil {
		m.logger.Warn("could not clear stored credential", "error", err)
	}
}
