/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wallet stores the identities the gateway acts with. A wallet is
// partitioned by organization; within a partition identities are keyed by
// label.
package wallet

import (
	"strings"
	"sync"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/logging"
	"github.com/pkg/errors"
)

var logger = logging.NewLogger("divvy/wallet")

// ErrNotFound is returned by a Store when the label holds no content
var ErrNotFound = errors.New("identity not found")

// Store is the byte level storage of one wallet partition
type Store interface {
	Put(label string, content []byte) error
	// PutIfAbsent stores content only if label is unused. It reports whether
	// the content was stored.
	PutIfAbsent(label string, content []byte) (bool, error)
	Get(label string) ([]byte, error)
	Exists(label string) bool
	List() ([]string, error)
	Remove(label string) error
}

// A Wallet holds the identities of one organization.
type Wallet struct {
	org   string
	store Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWalletWithStore creates a wallet partition for org over store
func NewWalletWithStore(org string, store Store) *Wallet {
	return &Wallet{org: org, store: store, locks: make(map[string]*sync.Mutex)}
}

// Org returns the organization the wallet belongs to
func (w *Wallet) Org() string {
	return w.org
}

// Exists tests whether the wallet contains an identity for the given label.
// A missing or unreadable store reads as not found.
func (w *Wallet) Exists(label string) bool {
	if validateName(label) != nil {
		return false
	}
	return w.store.Exists(label)
}

// Get an identity from the wallet.
//  Returns:
//  NotFound status if the label is unused, IOError if the stored entry cannot be read.
func (w *Wallet) Get(label string) (*Identity, error) {
	if err := validateName(label); err != nil {
		return nil, err
	}
	content, err := w.store.Get(label)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return nil, status.Newf(status.WalletStatus, status.NotFound, "an identity for %q does not exist in the wallet of %s", label, w.org)
		}
		return nil, status.Wrap(status.WalletStatus, status.IOError, err, "failed to read identity "+label)
	}
	id, err := fromJSON(content)
	if err != nil {
		return nil, status.Wrap(status.WalletStatus, status.IOError, err, "corrupt identity "+label)
	}
	return id, nil
}

// Put an identity into the wallet, replacing any identity stored under label.
func (w *Wallet) Put(label string, id *Identity) error {
	content, err := w.encode(label, id)
	if err != nil {
		return err
	}
	if err := w.store.Put(label, content); err != nil {
		return status.Wrap(status.WalletStatus, status.IOError, err, "failed to store identity "+label)
	}
	logger.Debugf("stored identity %s in wallet %s", label, w.org)
	return nil
}

// PutIfAbsent stores id only when no identity exists under label. It reports
// whether id was stored; a concurrent writer that got there first makes it
// return false.
func (w *Wallet) PutIfAbsent(label string, id *Identity) (bool, error) {
	content, err := w.encode(label, id)
	if err != nil {
		return false, err
	}
	stored, err := w.store.PutIfAbsent(label, content)
	if err != nil {
		return false, status.Wrap(status.WalletStatus, status.IOError, err, "failed to store identity "+label)
	}
	if stored {
		logger.Debugf("stored identity %s in wallet %s", label, w.org)
	}
	return stored, nil
}

// List returns the labels of all identities in the wallet.
func (w *Wallet) List() ([]string, error) {
	labels, err := w.store.List()
	if err != nil {
		return nil, status.Wrap(status.WalletStatus, status.IOError, err, "failed to list wallet "+w.org)
	}
	return labels, nil
}

// Remove an identity from the wallet. If the identity does not exist, this method does nothing.
func (w *Wallet) Remove(label string) error {
	if err := validateName(label); err != nil {
		return err
	}
	if err := w.store.Remove(label); err != nil {
		return status.Wrap(status.WalletStatus, status.IOError, err, "failed to remove identity "+label)
	}
	return nil
}

// Lock enters the critical section of label and returns the function that
// leaves it. Callers that check for, issue and store an identity hold it for
// the whole sequence.
func (w *Wallet) Lock(label string) (unlock func()) {
	w.mu.Lock()
	l, ok := w.locks[label]
	if !ok {
		l = &sync.Mutex{}
		w.locks[label] = l
	}
	w.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (w *Wallet) encode(label string, id *Identity) ([]byte, error) {
	if err := validateName(label); err != nil {
		return nil, err
	}
	if id == nil {
		return nil, status.New(status.WalletStatus, status.InvalidArgument, "identity is nil")
	}
	content, err := id.toJSON()
	if err != nil {
		return nil, status.Wrap(status.WalletStatus, status.InvalidArgument, err, "failed to encode identity "+label)
	}
	return content, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return status.Newf(status.WalletStatus, status.InvalidArgument, "invalid wallet name: %q", name)
	}
	return nil
}
