/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package wallet

import (
	"sort"
	"sync"
)

// MemoryBackend holds identities in process memory. Nothing survives a restart.
type MemoryBackend struct {
	mu     sync.Mutex
	stores map[string]*memoryStore
}

// NewMemoryBackend returns an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{stores: make(map[string]*memoryStore)}
}

// Store returns the store of org
func (b *MemoryBackend) Store(org string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stores[org]
	if !ok {
		s = &memoryStore{storage: make(map[string][]byte)}
		b.stores[org] = s
	}
	return s, nil
}

// Close is a no-op
func (b *MemoryBackend) Close() error {
	return nil
}

// NewInMemoryWallet creates a standalone wallet partition held in memory
func NewInMemoryWallet(org string) *Wallet {
	return NewWalletWithStore(org, &memoryStore{storage: make(map[string][]byte)})
}

type memoryStore struct {
	mu      sync.RWMutex
	storage map[string][]byte
}

func (m *memoryStore) Put(label string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storage[label] = append([]byte(nil), content...)
	return nil
}

func (m *memoryStore) PutIfAbsent(label string, content []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.storage[label]; ok {
		return false, nil
	}
	m.storage[label] = append([]byte(nil), content...)
	return true, nil
}

func (m *memoryStore) Get(label string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, ok := m.storage[label]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), content...), nil
}

func (m *memoryStore) Exists(label string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.storage[label]
	return ok
}

func (m *memoryStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	labels := make([]string, 0, len(m.storage))
	for label := range m.storage {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels, nil
}

func (m *memoryStore) Remove(label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.storage, label)
	return nil
}
