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
	"errors"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrSignInInProgress is returned when SignIn is called while another
	// interactive sign-in is running. The first flow is unaffected.
	ErrSignInInProgress = errors.New("sign-in already in progress")

	// ErrNotSignedIn is returned by AccessToken when no credential is held.
	ErrNotSignedIn = errors.New("not signed in")

	// ErrReauthRequired means the stored refresh token was rejected; the
	// credential has been discarded and an interactive sign-in is needed.
	ErrReauthRequired = errors.New("interactive sign-in required")

	// ErrFlowUnavailable is returned when the requested sign-in flow does
	// not exist or cannot run in the current environment.
	ErrFlowUnavailable = errors.New("sign-in flow unavailable")

	// ErrFlowCancelled means the interactive flow was cancelled or expired
	// before the provider returned a credential.
	ErrFlowCancelled = errors.New("sign-in cancelled")

	// ErrNoCredential is returned by a Store when no record exists for the
	// provider.
	ErrNoCredential = errors.New("no stored credential")
)

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// Status is the authentication lifecycle state. This is the only state the
// rest of the bridge may observe; tokens never leave the manager.
type Status int

const (
	// StatusSignedOut means no credential is held.
	StatusSignedOut Status = iota

	// StatusAuthenticating means an interactive sign-in flow is running.
	StatusAuthenticating

	// StatusSignedIn means a credential is held and usable.
	StatusSignedIn

	// StatusRefreshing means a silent refresh is replacing a near-expiry
	// credential. Callers still observe the session as signed in.
	StatusRefreshing
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSignedOut:
		return "signed_out"
	case StatusAuthenticating:
		return "authenticating"
	case StatusSignedIn:
		return "signed_in"
	case StatusRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Credential
// -----------------------------------------------------------------------------

// Credential is the stored proof of an authenticated identity. It is owned
// exclusively by the Manager: serialized into a sealed enclave in memory and
// into the secure store on disk, and never logged.
type Credential struct {
	// Provider identifies the identity provider this credential belongs to.
	Provider string `json:"provider"`

	// AccessToken is the opaque bearer token.
	AccessToken string `json:"access_token"`

	// RefreshToken renews the access token silently. Optional; flows that
	// do not grant offline access leave it empty.
	RefreshToken string `json:"refresh_token,omitempty"`

	// Expiry is when the access token stops being valid.
	Expiry time.Time `json:"expiry"`

	// Account is a human-readable account label, safe to display.
	Account string `json:"account,omitempty"`
}

// freshFor reports whether the access token is still valid at least margin
// past now. A zero expiry means the provider issued a non-expiring token.
func (c Credential) freshFor(margin time.Duration, now time.Time) bool {
	if c.Expiry.IsZero() {
		return true
	}
	return now.Add(margin).Before(c.Expiry)
}
