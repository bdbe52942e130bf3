/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package wallet

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBBackend keeps all partitions in one LevelDB database under keys of
// the form <org>/<label>.
type LevelDBBackend struct {
	db *leveldb.DB
}

// OpenLevelDBBackend opens (or creates) the database at path
func OpenLevelDBBackend(path string) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening leveldb at %s", path)
	}
	return &LevelDBBackend{db: db}, nil
}

// NewLevelDBBackend wraps an open database. Close closes it.
func NewLevelDBBackend(db *leveldb.DB) *LevelDBBackend {
	return &LevelDBBackend{db: db}
}

// Store returns the store of org
func (b *LevelDBBackend) Store(org string) (Store, error) {
	return &levelDBStore{db: b.db, prefix: org + "/"}, nil
}

// Close closes the database
func (b *LevelDBBackend) Close() error {
	return b.db.Close()
}

type levelDBStore struct {
	db     *leveldb.DB
	prefix string
}

func (s *levelDBStore) key(label string) []byte {
	return []byte(s.prefix + label)
}

func (s *levelDBStore) Put(label string, content []byte) error {
	return s.db.Put(s.key(label), content, nil)
}

// PutIfAbsent checks and writes inside a transaction; LevelDB serializes
// transactions against all other writes.
func (s *levelDBStore) PutIfAbsent(label string, content []byte) (bool, error) {
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return false, errors.Wrap(err, "failed to open leveldb transaction")
	}
	exists, err := tr.Has(s.key(label), nil)
	if err != nil {
		tr.Discard()
		return false, err
	}
	if exists {
		tr.Discard()
		return false, nil
	}
	if err := tr.Put(s.key(label), content, nil); err != nil {
		tr.Discard()
		return false, err
	}
	if err := tr.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit leveldb transaction")
	}
	return true, nil
}

func (s *levelDBStore) Get(label string) ([]byte, error) {
	content, err := s.db.Get(s.key(label), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return content, err
}

func (s *levelDBStore) Exists(label string) bool {
	exists, err := s.db.Has(s.key(label), nil)
	return err == nil && exists
}

func (s *levelDBStore) List() ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(s.prefix)), nil)
	defer iter.Release()

	labels := []string{}
	for iter.Next() {
		labels = append(labels, string(iter.Key()[len(s.prefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return labels, nil
}

func (s *levelDBStore) Remove(label string) error {
	return s.db.Delete(s.key(label), nil)
}
