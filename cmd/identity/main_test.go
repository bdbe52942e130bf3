/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/divvy/fabric-gateway/pkg/ca/mockca"
	"github.com/divvy/fabric-gateway/pkg/core/config"
	"github.com/divvy/fabric-gateway/pkg/gateway"
	"github.com/divvy/fabric-gateway/pkg/session"
	"github.com/divvy/fabric-gateway/pkg/session/mocksession"
	"github.com/divvy/fabric-gateway/pkg/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (string, *wallet.MemoryBackend, *mockca.MockFabricCAServer) {
	server, err := mockca.New("ca-org1")
	require.NoError(t, err)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	profileDir := filepath.Join(dir, "org-config", "org1")
	require.NoError(t, os.MkdirAll(profileDir, 0755))
	profile := `{
		"client": {"organization": "org1"},
		"organizations": {"org1": {"mspid": "Org1MSP", "certificateAuthorities": ["ca.org1.divvy.com"]}},
		"certificateAuthorities": {"ca.org1.divvy.com": {"url": "` + server.URL + `", "caName": "ca-org1"}}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(profileDir, "connection-profile.json"), []byte(profile), 0644))

	cfgFile := filepath.Join(dir, "gateway.yaml")
	cfg := "profiles:\n  path: " + filepath.Join(dir, "org-config") + "\nwallet:\n  type: memory\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(cfg), 0644))

	backend := wallet.NewMemoryBackend()
	connector := session.ConnectorFunc(func(ctx context.Context, req *session.Request) (session.Session, error) {
		s := mocksession.NewMockSession(req.Org, req.Label)
		s.ID = req.Identity
		caInfo, err := req.Profile.CertificateAuthority(req.CATemplate)
		if err != nil {
			return nil, err
		}
		s.CA = caInfo
		return s, nil
	})

	orig := newGateway
	newGateway = func(cfg *config.Config) (*gateway.Gateway, error) {
		return gateway.New(cfg, gateway.WithBackend(backend), gateway.WithConnector(connector))
	}
	t.Cleanup(func() { newGateway = orig })
	return cfgFile, backend, server
}

func execute(cfgFile string, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--config", cfgFile))
	err := cmd.Execute()
	return out.String(), err
}

func TestEnrollAdminAndRegisterUser(t *testing.T) {
	cfgFile, backend, server := setup(t)

	out, err := execute(cfgFile, "enrolladmin", "org1")
	require.NoError(t, err)
	assert.Equal(t, "Successfully enrolled admin user \"admin\" and imported it into the wallet\n", out)

	out, err = execute(cfgFile, "enrolladmin", "org1")
	require.NoError(t, err)
	assert.Equal(t, "An identity for the admin user \"admin\" already exists in the wallet\n", out)
	assert.Equal(t, 1, server.EnrollCalls())

	out, err = execute(cfgFile, "registeruser", "org1", "user1")
	require.NoError(t, err)
	assert.Equal(t, "Successfully registered and enrolled user \"user1\" and imported it into the wallet\n", out)

	store, err := backend.Store("org1")
	require.NoError(t, err)
	labels, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin", "user1"}, labels)
}

func TestRegisterUserWithoutAdmin(t *testing.T) {
	cfgFile, _, server := setup(t)

	_, err := execute(cfgFile, "registeruser", "org1", "user1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Run "identity enrolladmin org1" before retrying`)
	assert.Zero(t, server.Calls())
}

func TestUsage(t *testing.T) {
	cfgFile, _, _ := setup(t)

	_, err := execute(cfgFile, "registeruser", "org1")
	assert.Error(t, err)
	_, err = execute(cfgFile, "enrolladmin")
	assert.Error(t, err)
}
