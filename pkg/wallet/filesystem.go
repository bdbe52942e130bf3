/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package wallet

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const dataFileExtension string = ".id"

// FileSystemBackend keeps each partition in a directory below its root,
// one <label>.id JSON file per identity.
type FileSystemBackend struct {
	root string
}

// NewFileSystemBackend creates the root directory if needed
func NewFileSystemBackend(root string) (*FileSystemBackend, error) {
	cleanPath := filepath.Clean(root)
	if err := os.MkdirAll(cleanPath, 0700); err != nil {
		return nil, err
	}
	return &FileSystemBackend{root: cleanPath}, nil
}

// Store returns the store of org. Its directory is created on first write.
func (b *FileSystemBackend) Store(org string) (Store, error) {
	return &fileSystemStore{path: filepath.Join(b.root, org)}, nil
}

// Close is a no-op
func (b *FileSystemBackend) Close() error {
	return nil
}

// NewFileSystemWallet returns a single partition stored directly in path.
func NewFileSystemWallet(org, path string) *Wallet {
	return NewWalletWithStore(org, &fileSystemStore{path: filepath.Clean(path)})
}

type fileSystemStore struct {
	path string
}

func (fsw *fileSystemStore) pathname(label string) string {
	return filepath.Clean(filepath.Join(fsw.path, label) + dataFileExtension)
}

// writeTemp writes content to a temporary file next to the final location
func (fsw *fileSystemStore) writeTemp(label string, content []byte) (string, error) {
	if err := os.MkdirAll(fsw.path, 0700); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(fsw.path, "."+label+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close() // ignore error; Write error takes precedence
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (fsw *fileSystemStore) Put(label string, content []byte) error {
	tmp, err := fsw.writeTemp(label, content)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, fsw.pathname(label)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// PutIfAbsent links a fully written temporary file into place; the link fails
// when the label already exists, so readers never see a partial identity.
func (fsw *fileSystemStore) PutIfAbsent(label string, content []byte) (bool, error) {
	tmp, err := fsw.writeTemp(label, content)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp) // nolint: errcheck

	if err := os.Link(tmp, fsw.pathname(label)); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (fsw *fileSystemStore) Get(label string) ([]byte, error) {
	content, err := os.ReadFile(fsw.pathname(label))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return content, err
}

func (fsw *fileSystemStore) Remove(label string) error {
	err := os.Remove(fsw.pathname(label))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to remove identity file")
	}
	return nil
}

func (fsw *fileSystemStore) Exists(label string) bool {
	info, err := os.Stat(fsw.pathname(label))
	return err == nil && info.Mode().IsRegular()
}

func (fsw *fileSystemStore) List() ([]string, error) {
	files, err := os.ReadDir(fsw.path)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}

	labels := []string{}
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != dataFileExtension {
			continue
		}
		labels = append(labels, strings.TrimSuffix(name, dataFileExtension))
	}
	return labels, nil
}
