// Copyright 2025-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// credentials is the session loop's view of the credential store. It exists
// so the loop can be tested with an in-memory fake.
type credentials interface {
	Exists(ctx context.Context) bool
	Clear(ctx context.Context) error
	Device(ctx context.Context) (*store.Device, error)
	Close() error
}

// CredentialStore keeps the WhatsApp device state in a SQLite database under
// a fixed per-user directory, shared across bridge invocations. Pairing data
// is written into it by whatsmeow as a side effect of a successful QR scan;
// the bridge itself only ever checks for a registered device and destroys it
// again.
type CredentialStore struct {
	dir       string
	container *sqlstore.Container
	log       zerolog.Logger
}

var _ credentials = (*CredentialStore)(nil)

// OpenCredentialStore opens the store rooted at dir, creating the directory
// and database on first use.
func OpenCredentialStore(ctx context.Context, dir string, log zerolog.Logger) (*CredentialStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}
	log = log.With().Str("component", "credstore").Logger()
	dbPath := filepath.Join(dir, "whatsmeow.db")
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), waLog.Zerolog(log))
	if err != nil {
		return nil, fmt.Errorf("open device store %s: %w", dbPath, err)
	}
	return &CredentialStore{dir: dir, container: container, log: log}, nil
}

// Exists reports whether a paired device is stored, i.e. whether a silent
// resume can be attempted instead of fresh QR pairing.
func (s *CredentialStore) Exists(ctx context.Context) bool {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		s.log.Err(err).Msg("Failed to list stored devices")
		return false
	}
	for _, dev := range devices {
		if dev.ID != nil {
			return true
		}
	}
	return false
}

// Device returns the stored device, or a fresh unregistered one when nothing
// is paired yet.
func (s *CredentialStore) Device(ctx context.Context) (*store.Device, error) {
	dev, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return dev, nil
}

// Clear deletes every stored device. Absence is not an error; clearing an
// empty store is a no-op. A failed delete is returned so callers never
// believe credentials are gone while rows remain.
func (s *CredentialStore) Clear(ctx context.Context) error {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devices {
		if err := s.container.DeleteDevice(ctx, dev); err != nil {
			return fmt.Errorf("delete device %s: %w", dev.ID, err)
		}
		s.log.Info().Stringer("jid", dev.ID).Msg("Deleted stored device")
	}
	return nil
}

// Close releases the underlying database.
func (s *CredentialStore) Close() error {
	return s.container.Close()
}
