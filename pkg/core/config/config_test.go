/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(WithEnvPrefix("DIVVY_TEST_DEFAULTS"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3000", cfg.Server.Address())
	assert.Equal(t, "x-divvy-org", cfg.Server.OrgHeader)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "org-config", cfg.Profiles.Path)
	assert.Equal(t, WalletFileSystem, cfg.Wallet.Type)
	assert.Equal(t, "admin", cfg.Identity.Admin.Label)
	assert.Equal(t, "adminpw", cfg.Identity.Admin.Secret)
	assert.Equal(t, "appUser", cfg.Identity.Gateway.Label)
	assert.Equal(t, "client", cfg.Identity.User.Role)
	assert.Equal(t, "{org}-msp", cfg.Identity.MSPTemplate)
	assert.Equal(t, "ca.{org}.divvy.com", cfg.Identity.CATemplate)
	assert.Equal(t, "share", cfg.Share.Contract)
	assert.Equal(t, "{org}-channel", cfg.Share.ChannelTemplate)
	assert.Equal(t, "queryShare", cfg.Share.SingleMethod)
	assert.Equal(t, "queryAllShares", cfg.Share.AllMethod)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.CA)
	assert.Equal(t, 3*time.Second, cfg.Timeouts.Endpoint)
	assert.False(t, cfg.Discovery.Strict)
	assert.Equal(t, 2, cfg.Discovery.Retry.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Discovery.Retry.InitialBackoff)
	assert.Equal(t, 2*time.Second, cfg.Discovery.Retry.MaxBackoff)
	assert.Equal(t, 2.0, cfg.Discovery.Retry.BackoffFactor)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(WithEnvPrefix("DIVVY_TEST_FILE"), WithFile(filepath.Join("testdata", "gateway.yaml")))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "x-org", cfg.Server.OrgHeader)
	assert.Equal(t, WalletMemory, cfg.Wallet.Type)
	assert.Equal(t, "gatewayUser", cfg.Identity.Gateway.Label)
	assert.Equal(t, "{channel}", cfg.Share.ChannelTemplate)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Query)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Discovery)
	assert.True(t, cfg.Discovery.Strict)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverride(t *testing.T) {
	os.Setenv("DIVVY_TEST_ENV_SERVER_PORT", "9090")
	os.Setenv("DIVVY_TEST_ENV_IDENTITY_ADMIN_SECRET", "s3cret")
	defer os.Unsetenv("DIVVY_TEST_ENV_SERVER_PORT")
	defer os.Unsetenv("DIVVY_TEST_ENV_IDENTITY_ADMIN_SECRET")

	cfg, err := Load(WithEnvPrefix("DIVVY_TEST_ENV"))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Identity.Admin.Secret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(WithEnvPrefix("DIVVY_TEST_MISSING"), WithFile(filepath.Join("testdata", "nope.yaml")))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(WithEnvPrefix("DIVVY_TEST_VALIDATE"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"header", func(c *Config) { c.Server.OrgHeader = "" }},
		{"wallet type", func(c *Config) { c.Wallet.Type = "s3" }},
		{"wallet path", func(c *Config) { c.Wallet.Path = "" }},
		{"vault token", func(c *Config) { c.Wallet.Type = WalletVault }},
		{"admin secret", func(c *Config) { c.Identity.Admin.Secret = "" }},
		{"gateway label", func(c *Config) { c.Identity.Gateway.Label = "" }},
		{"contract", func(c *Config) { c.Share.Contract = "" }},
		{"timeout", func(c *Config) { c.Timeouts.Query = 0 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := base()
			test.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
		})
	}

	cfg := base()
	cfg.Wallet.Type = WalletMemory
	cfg.Wallet.Path = ""
	assert.NoError(t, cfg.Validate())
}
