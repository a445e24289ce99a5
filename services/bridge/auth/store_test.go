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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBadgerStore_Roundtrip(t *testing.T) {
	store, err := OpenStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	cred := &Credential{
		Provider:     "tobiko-cloud",
		AccessToken:  "tok",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Account:      "dev@example.com",
	}

	require.NoError(t, store.Save(ctx, cred))

	got, err := store.Load(ctx, "tobiko-cloud")
	require.NoError(t, err)
	require.Equal(t, cred.AccessToken, got.AccessToken)
	require.Equal(t, cred.RefreshToken, got.RefreshToken)
	require.Equal(t, cred.Account, got.Account)
	require.True(t, cred.Expiry.Equal(got.Expiry))

	// Replacement overwrites in place.
	cred.AccessToken = "tok-2"
	require.NoError(t, store.Save(ctx, cred))
	got, err = store.Load(ctx, "tobiko-cloud")
	require.NoError(t, err)
	require.Equal(t, "tok-2", got.AccessToken)

	require.NoError(t, store.Delete(ctx, "tobiko-cloud"))
	_, err = store.Load(ctx, "tobiko-cloud")
	require.ErrorIs(t, err, ErrNoCredential)
}

func TestBadgerStore_MissingRecordAndValidation(t *testing.T) {
	store, err := OpenStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()

	_, err = store.Load(ctx, "never-saved")
	require.ErrorIs(t, err, ErrNoCredential)

	// Deleting an absent record is fine.
	require.NoError(t, store.Delete(ctx, "never-saved"))

	// A credential without a provider id has no storage key.
	require.Error(t, store.Save(ctx, &Credential{AccessToken: "tok"}))
}
