/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package wallet

import (
	"sync"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/core/config"
	"github.com/pkg/errors"
)

// Provider hands out the wallet partition of an organization
type Provider interface {
	Wallet(org string) (*Wallet, error)
}

// Backend creates the stores of the partitions it holds
type Backend interface {
	Store(org string) (Store, error)
	Close() error
}

// Registry is a Provider that keeps one Wallet per organization, so every
// caller in the process shares the same per-label locks.
type Registry struct {
	backend Backend

	mu      sync.Mutex
	wallets map[string]*Wallet
}

// NewRegistry returns a registry over backend
func NewRegistry(backend Backend) *Registry {
	return &Registry{backend: backend, wallets: make(map[string]*Wallet)}
}

// Open builds the registry selected by the wallet configuration
func Open(cfg config.WalletConfig) (*Registry, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Type {
	case config.WalletFileSystem:
		backend, err = NewFileSystemBackend(cfg.Path)
	case config.WalletMemory:
		backend = NewMemoryBackend()
	case config.WalletLevelDB:
		backend, err = OpenLevelDBBackend(cfg.Path)
	case config.WalletVault:
		backend, err = NewVaultBackend(cfg.Vault.Address, cfg.Vault.Token, cfg.Vault.Mount)
	default:
		return nil, status.Newf(status.WalletStatus, status.InvalidArgument, "unknown wallet type %q", cfg.Type)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open %s wallet", cfg.Type)
	}
	logger.Debugf("opened %s wallet", cfg.Type)
	return NewRegistry(backend), nil
}

// Wallet returns the partition of org
func (r *Registry) Wallet(org string) (*Wallet, error) {
	if err := validateName(org); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.wallets[org]; ok {
		return w, nil
	}
	store, err := r.backend.Store(org)
	if err != nil {
		return nil, status.Wrap(status.WalletStatus, status.IOError, err, "failed to open wallet of "+org)
	}
	w := NewWalletWithStore(org, store)
	r.wallets[org] = w
	return w, nil
}

// Close releases the backend
func (r *Registry) Close() error {
	return r.backend.Close()
}
