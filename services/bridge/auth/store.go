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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// credentialPrefix namespaces credential records inside the database so the
// same store directory can host other bridge state later.
const credentialPrefix = "credential/"

// Store persists one Credential per identity-provider id. Implementations
// must never log credential contents.
type Store interface {
	// Save writes or replaces the credential for its provider.
	Save(ctx context.Context, cred *Credential) error

	// Load returns the credential for the provider, or ErrNoCredential.
	Load(ctx context.Context, provider string) (*Credential, error)

	// Delete removes the credential for the provider. Deleting an absent
	// record is not an error.
	Delete(ctx context.Context, provider string) error

	// Close releases store resources.
	Close() error
}

// badgerLogger adapts slog to BadgerDB's logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is the on-disk credential store, an embedded BadgerDB under
// the user's bridge data directory. Records are JSON values keyed by
// provider id; file permissions restrict the directory to the owning user.
//
// Thread Safety: safe for concurrent use.
type BadgerStore struct {
	db *badger.DB
}

// OpenStore opens (creating if needed) the credential store at dir. An
// empty dir opens an in-memory store, used by tests.
func OpenStore(dir string, logger *slog.Logger) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create credential store directory: %w", err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func credentialKey(provider string) []byte {
	return []byte(credentialPrefix + provider)
}

// Save implements Store.
func (s *BadgerStore) Save(_ context.Context, cred *Credential) error {
	if cred.Provider == "" {
		return errors.New("credential has no provider id")
	}
	payload, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(credentialKey(cred.Provider), payload)
	})
	if err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *BadgerStore) Load(_ context.Context, provider string) (*Credential, error) {
	var cred Credential
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(credentialKey(provider))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cred)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	return &cred, nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(_ context.Context, provider string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(credentialKey(provider))
	})
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
