// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package encryption manages the LUKS container of the persistence partition.
package encryption

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/siderolabs/go-blockdevice/v2/encryption"
	"github.com/siderolabs/go-blockdevice/v2/encryption/luks"
	"go.uber.org/zap"

	"github.com/siderolabs/liveusb/internal/pkg/bootcfg"
	"github.com/siderolabs/liveusb/internal/pkg/runner"
)

// DefaultCipher is the default LUKS cipher.
const DefaultCipher = "aes-xts-plain64"

// Provider is the subset of encryption.Provider used by the Manager.
type Provider interface {
	Encrypt(ctx context.Context, devname string, key *encryption.Key) error
	Open(ctx context.Context, devname, mappedName string, key *encryption.Key) (string, error)
	Close(ctx context.Context, devname string) error
	IsOpen(ctx context.Context, devname, mappedName string) (bool, string, error)
}

// Context describes the container once it is formatted.
type Context struct {
	Label      string
	UUID       uuid.UUID
	MapperName string
	MappedPath string
}

// CryptDevice returns the kernel parameter value unlocking the container at boot.
func (c Context) CryptDevice() string {
	return fmt.Sprintf("UUID=%s:%s", c.UUID, c.MapperName)
}

// Option configures the Manager.
type Option func(*Manager)

// WithProvider overrides the LUKS provider.
func WithProvider(p Provider) Option {
	return func(m *Manager) {
		m.provider = p
	}
}

// WithRunner sets the command runner used for container metadata.
func WithRunner(r runner.Runner) Option {
	return func(m *Manager) {
		m.runner = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithPassphraseReader sets the passphrase prompt.
func WithPassphraseReader(read PassphraseReader) Option {
	return func(m *Manager) {
		m.read = read
	}
}

// WithUUID fixes the container UUID.
func WithUUID(id uuid.UUID) Option {
	return func(m *Manager) {
		m.ctx.UUID = id
	}
}

// Manager drives the container through UNCONFIGURED, FORMATTED, OPEN and CLOSED.
type Manager struct {
	provider Provider
	runner   runner.Runner
	logger   *zap.Logger
	read     PassphraseReader

	device string
	state  State
	ctx    Context
}

// NewManager creates a Manager for the container on device.
func NewManager(device, mapperName, label, cipher string, opts ...Option) (*Manager, error) {
	m := &Manager{
		device: device,
		ctx: Context{
			Label:      label,
			UUID:       uuid.New(),
			MapperName: mapperName,
		},
	}

	for _, o := range opts {
		o(m)
	}

	if m.provider == nil {
		kind, err := luks.ParseCipherKind(cipher)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cipher kind: %w", err)
		}

		m.provider = luks.New(kind)
	}

	if m.logger == nil {
		m.logger = zap.NewNop()
	}

	if m.runner == nil {
		m.runner = runner.New(m.logger)
	}

	if m.read == nil {
		m.read = TerminalPassphrase(os.Stdin, os.Stdout)
	}

	return m, nil
}

// State returns the current state.
func (m *Manager) State() State {
	return m.state
}

// Context returns the container description.
func (m *Manager) Context() Context {
	return m.ctx
}

// Format writes the container header, the passphrase is entered twice.
func (m *Manager) Format(ctx context.Context) error {
	if m.state != StateUnconfigured {
		return &TransitionError{Op: "format", State: m.state}
	}

	passphrase, err := readPassphrase(m.read, fmt.Sprintf("Enter passphrase for %s: ", m.device))
	if err != nil {
		return err
	}

	defer wipe(passphrase)

	confirmation, err := readPassphrase(m.read, "Confirm passphrase: ")
	if err != nil {
		return err
	}

	defer wipe(confirmation)

	if !bytes.Equal(passphrase, confirmation) {
		return ErrPassphraseMismatch
	}

	if err = m.provider.Encrypt(ctx, m.device, encryption.NewKey(0, passphrase)); err != nil {
		return fmt.Errorf("error encrypting %s: %w", m.device, err)
	}

	if _, err = m.runner.Run(ctx, "cryptsetup", "luksUUID", "--batch-mode", "--uuid", m.ctx.UUID.String(), m.device); err != nil {
		return fmt.Errorf("error setting container UUID: %w", err)
	}

	if _, err = m.runner.Run(ctx, "cryptsetup", "config", "--label", m.ctx.Label, m.device); err != nil {
		return fmt.Errorf("error setting container label: %w", err)
	}

	m.state = StateFormatted

	m.logger.Info("formatted encrypted container", zap.String("device", m.device), zap.Stringer("uuid", m.ctx.UUID))

	return nil
}

// Open unlocks the container, the passphrase is entered again.
func (m *Manager) Open(ctx context.Context) (string, error) {
	if m.state != StateFormatted {
		return "", &TransitionError{Op: "open", State: m.state}
	}

	passphrase, err := readPassphrase(m.read, fmt.Sprintf("Enter passphrase to unlock %s: ", m.device))
	if err != nil {
		return "", err
	}

	defer wipe(passphrase)

	path, err := m.provider.Open(ctx, m.device, m.ctx.MapperName, encryption.NewKey(0, passphrase))
	if err != nil {
		return "", fmt.Errorf("error opening %s: %w", m.device, err)
	}

	m.state = StateOpen
	m.ctx.MappedPath = path

	m.logger.Info("opened encrypted container", zap.String("device", m.device), zap.String("path", path))

	return path, nil
}

// Close removes the mapping if one exists.
//
// Close is safe to call in any state and more than once.
func (m *Manager) Close(ctx context.Context) error {
	switch m.state {
	case StateUnconfigured, StateClosed:
		return nil
	case StateFormatted:
		open, path, err := m.provider.IsOpen(ctx, m.device, m.ctx.MapperName)
		if err != nil {
			return fmt.Errorf("error checking mapping of %s: %w", m.device, err)
		}

		if !open {
			m.state = StateClosed

			return nil
		}

		m.ctx.MappedPath = path
	case StateOpen:
	}

	if err := m.provider.Close(ctx, m.ctx.MappedPath); err != nil && !errors.Is(err, encryption.ErrDeviceNotReady) {
		return fmt.Errorf("error closing %s: %w", m.ctx.MappedPath, err)
	}

	open, _, err := m.provider.IsOpen(ctx, m.device, m.ctx.MapperName)
	if err != nil {
		return fmt.Errorf("error checking mapping of %s: %w", m.device, err)
	}

	if open {
		return fmt.Errorf("mapping %s is still present after close", m.ctx.MapperName)
	}

	m.state = StateClosed

	m.logger.Info("closed encrypted container", zap.String("device", m.device))

	return nil
}

// PatchBootConfig injects the cryptdevice parameter into the loader entry and the syslinux config.
func (m *Manager) PatchBootConfig(loaderEntryPath, syslinuxPath, overlayParameter string) error {
	if m.state == StateUnconfigured {
		return &TransitionError{Op: "reference", State: m.state}
	}

	patch := bootcfg.CryptPatch{
		CryptDevice:      m.ctx.CryptDevice(),
		OverlayParameter: overlayParameter,
	}

	if err := bootcfg.PatchLoaderEntryFile(loaderEntryPath, patch); err != nil {
		return err
	}

	return bootcfg.PatchSyslinuxFile(syslinuxPath, patch)
}
