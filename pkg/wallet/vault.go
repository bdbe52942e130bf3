/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package wallet

import (
	"path"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// VaultBackend keeps identities in a Vault KV version 2 secrets engine at
// <mount>/data/<org>/<label>.
type VaultBackend struct {
	mount  string
	client *vault.Logical
}

// NewVaultBackend creates a backend talking to the Vault server at address
func NewVaultBackend(address, token, mount string) (*VaultBackend, error) {
	if token == "" {
		return nil, errors.New("token is empty")
	}
	cfg := vault.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "can't create Vault client")
	}
	client.SetToken(token)
	return NewVaultBackendWithClient(client, mount), nil
}

// NewVaultBackendWithClient uses an existing Vault client
func NewVaultBackendWithClient(client *vault.Client, mount string) *VaultBackend {
	if mount == "" {
		mount = "secret"
	}
	return &VaultBackend{mount: strings.Trim(mount, "/"), client: client.Logical()}
}

// Store returns the store of org
func (b *VaultBackend) Store(org string) (Store, error) {
	return &vaultStore{mount: b.mount, org: org, client: b.client}, nil
}

// Close is a no-op
func (b *VaultBackend) Close() error {
	return nil
}

type vaultStore struct {
	mount  string
	org    string
	client *vault.Logical
}

func (s *vaultStore) dataPath(label string) string {
	return path.Join(s.mount, "data", s.org, label)
}

func (s *vaultStore) metadataPath(label string) string {
	return path.Join(s.mount, "metadata", s.org, label)
}

func (s *vaultStore) Put(label string, content []byte) error {
	_, err := s.client.Write(s.dataPath(label), map[string]interface{}{
		"data": map[string]interface{}{"value": string(content)},
	})
	return errors.Wrap(err, "can't write value to Vault")
}

// PutIfAbsent relies on check-and-set: version 0 only matches a label that
// was never written or whose metadata was deleted.
func (s *vaultStore) PutIfAbsent(label string, content []byte) (bool, error) {
	_, err := s.client.Write(s.dataPath(label), map[string]interface{}{
		"options": map[string]interface{}{"cas": 0},
		"data":    map[string]interface{}{"value": string(content)},
	})
	if err == nil {
		return true, nil
	}
	if isCASMismatch(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "can't write value to Vault")
}

func (s *vaultStore) Get(label string) ([]byte, error) {
	secret, err := s.client.Read(s.dataPath(label))
	if err != nil {
		return nil, errors.Wrap(err, "can't read value from Vault")
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok || data == nil {
		// deleted versions keep their metadata but carry no data
		return nil, ErrNotFound
	}
	value, ok := data["value"].(string)
	if !ok {
		return nil, errors.New("invalid value type: expected string")
	}
	return []byte(value), nil
}

func (s *vaultStore) Exists(label string) bool {
	_, err := s.Get(label)
	return err == nil
}

func (s *vaultStore) List() ([]string, error) {
	secret, err := s.client.List(path.Join(s.mount, "metadata", s.org))
	if err != nil {
		return nil, errors.Wrap(err, "can't list values from Vault")
	}
	labels := []string{}
	if secret == nil || secret.Data == nil {
		return labels, nil
	}
	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, errors.New("can't cast key list from Vault")
	}
	for _, k := range keys {
		key, ok := k.(string)
		if !ok {
			return nil, errors.New("can't cast key from Vault to string")
		}
		if strings.HasSuffix(key, "/") {
			continue
		}
		labels = append(labels, key)
	}
	return labels, nil
}

func (s *vaultStore) Remove(label string) error {
	if _, err := s.client.Delete(s.metadataPath(label)); err != nil {
		return errors.Wrap(err, "can't delete value from Vault")
	}
	return nil
}

func isCASMismatch(err error) bool {
	var respErr *vault.ResponseError
	if !errors.As(err, &respErr) || respErr.StatusCode != 400 {
		return false
	}
	for _, msg := range respErr.Errors {
		if strings.Contains(msg, "check-and-set") {
			return true
		}
	}
	return false
}
