/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package config loads the gateway process configuration. Values come from
// built-in defaults, an optional YAML/JSON file and DIVVY_* environment
// variables, in increasing order of precedence.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/divvy/fabric-gateway/pkg/common/errors/retry"
	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/core/logging/zaplog"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	cmdRoot = "DIVVY"
)

// Wallet backend types
const (
	WalletFileSystem = "filesystem"
	WalletMemory     = "memory"
	WalletLevelDB    = "leveldb"
	WalletVault      = "vault"
)

// Config is the complete gateway configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Profiles  ProfilesConfig  `mapstructure:"profiles"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Share     ShareConfig     `mapstructure:"share"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Logging   zaplog.Config   `mapstructure:"logging"`
}

// ServerConfig configures the HTTP gateway
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	OrgHeader       string        `mapstructure:"orgHeader"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

// ProfilesConfig locates the per-organization connection profiles
type ProfilesConfig struct {
	Path string `mapstructure:"path"`
}

// WalletConfig selects and configures the credential store backend
type WalletConfig struct {
	Type  string      `mapstructure:"type"`
	Path  string      `mapstructure:"path"`
	Vault VaultConfig `mapstructure:"vault"`
}

// VaultConfig configures the Vault KV v2 wallet backend
type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"`
}

// IdentityConfig holds the identity labels and CA settings used by the
// enrollment and registration workflows and by the gateway
type IdentityConfig struct {
	Admin       AdminConfig   `mapstructure:"admin"`
	Gateway     GatewayConfig `mapstructure:"gateway"`
	User        UserConfig    `mapstructure:"user"`
	MSPTemplate string        `mapstructure:"mspTemplate"`
	CATemplate  string        `mapstructure:"caTemplate"`
}

// AdminConfig is the bootstrap admin identity of every organization
type AdminConfig struct {
	Label  string `mapstructure:"label"`
	Secret string `mapstructure:"secret"`
}

// GatewayConfig is the identity the HTTP gateway connects with
type GatewayConfig struct {
	Label string `mapstructure:"label"`
}

// UserConfig configures registered users
type UserConfig struct {
	Role string `mapstructure:"role"`
}

// ShareConfig names the share contract and its query functions
type ShareConfig struct {
	Contract        string `mapstructure:"contract"`
	ChannelTemplate string `mapstructure:"channelTemplate"`
	SingleMethod    string `mapstructure:"singleMethod"`
	AllMethod       string `mapstructure:"allMethod"`
}

// TimeoutConfig bounds every network round trip
type TimeoutConfig struct {
	CA        time.Duration `mapstructure:"ca"`
	Session   time.Duration `mapstructure:"session"`
	Query     time.Duration `mapstructure:"query"`
	Discovery time.Duration `mapstructure:"discovery"`
	// Endpoint bounds one channel listing round trip during discovery
	Endpoint time.Duration `mapstructure:"endpoint"`
}

// DiscoveryConfig configures channel discovery
type DiscoveryConfig struct {
	Strict bool `mapstructure:"strict"`
	// Retry applies to each endpoint failing with a transient status
	Retry retry.Opts `mapstructure:"retry"`
}

type options struct {
	envPrefix string
	file      string
}

// Option configures Load.
type Option func(opts *options) error

// WithEnvPrefix defines the prefix for environment variable overrides.
// See viper SetEnvPrefix for more information.
func WithEnvPrefix(prefix string) Option {
	return func(opts *options) error {
		opts.envPrefix = prefix
		return nil
	}
}

// WithFile merges the named YAML or JSON file over the defaults. An empty
// name is ignored.
func WithFile(name string) Option {
	return func(opts *options) error {
		opts.file = name
		return nil
	}
}

// Load builds the configuration from defaults, the optional file and the
// environment.
func Load(opts ...Option) (*Config, error) {
	o := options{
		envPrefix: cmdRoot,
	}
	for _, option := range opts {
		if err := option(&o); err != nil {
			return nil, errors.WithMessage(err, "Error in options passed to load config")
		}
	}

	v := newViper(o.envPrefix)
	setDefaults(v)

	if o.file != "" {
		v.SetConfigFile(o.file)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "loading config file failed: %s", o.file)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper(cmdRootPrefix string) *viper.Viper {
	myViper := viper.New()
	myViper.SetEnvPrefix(cmdRootPrefix)
	myViper.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	myViper.SetEnvKeyReplacer(replacer)
	return myViper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.orgHeader", "x-divvy-org")
	v.SetDefault("server.shutdownTimeout", "10s")

	v.SetDefault("profiles.path", "org-config")

	v.SetDefault("wallet.type", WalletFileSystem)
	v.SetDefault("wallet.path", "wallet")
	v.SetDefault("wallet.vault.address", "http://localhost:8200")
	v.SetDefault("wallet.vault.token", "")
	v.SetDefault("wallet.vault.mount", "secret")

	v.SetDefault("identity.admin.label", "admin")
	v.SetDefault("identity.admin.secret", "adminpw")
	v.SetDefault("identity.gateway.label", "appUser")
	v.SetDefault("identity.user.role", "client")
	v.SetDefault("identity.mspTemplate", "{org}-msp")
	v.SetDefault("identity.caTemplate", "ca.{org}.divvy.com")

	v.SetDefault("share.contract", "share")
	v.SetDefault("share.channelTemplate", "{org}-channel")
	v.SetDefault("share.singleMethod", "queryShare")
	v.SetDefault("share.allMethod", "queryAllShares")

	v.SetDefault("timeouts.ca", "30s")
	v.SetDefault("timeouts.session", "30s")
	v.SetDefault("timeouts.query", "30s")
	v.SetDefault("timeouts.discovery", "30s")
	v.SetDefault("timeouts.endpoint", "3s")

	v.SetDefault("discovery.strict", false)
	v.SetDefault("discovery.retry.attempts", 2)
	v.SetDefault("discovery.retry.initialBackoff", "250ms")
	v.SetDefault("discovery.retry.maxBackoff", "2s")
	v.SetDefault("discovery.retry.backoffFactor", 2.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", false)
}

// Validate checks the configuration for values the gateway cannot run with
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return status.Newf(status.GatewayStatus, status.InvalidArgument, format, args...)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port out of range: %d", c.Server.Port)
	}
	if c.Server.OrgHeader == "" {
		return invalid("server.orgHeader is required")
	}
	switch c.Wallet.Type {
	case WalletFileSystem, WalletLevelDB:
		if c.Wallet.Path == "" {
			return invalid("wallet.path is required for wallet type %s", c.Wallet.Type)
		}
	case WalletMemory:
	case WalletVault:
		if c.Wallet.Vault.Token == "" {
			return invalid("wallet.vault.token is required for wallet type vault")
		}
	default:
		return invalid("unsupported wallet type: %s", c.Wallet.Type)
	}
	if c.Identity.Admin.Label == "" || c.Identity.Admin.Secret == "" {
		return invalid("identity.admin.label and identity.admin.secret are required")
	}
	if c.Identity.Gateway.Label == "" {
		return invalid("identity.gateway.label is required")
	}
	if c.Share.Contract == "" || c.Share.SingleMethod == "" || c.Share.AllMethod == "" {
		return invalid("share.contract, share.singleMethod and share.allMethod are required")
	}
	if c.Discovery.Retry.Attempts < 0 {
		return invalid("discovery.retry.attempts must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"timeouts.ca":        c.Timeouts.CA,
		"timeouts.session":   c.Timeouts.Session,
		"timeouts.query":     c.Timeouts.Query,
		"timeouts.discovery": c.Timeouts.Discovery,
		"timeouts.endpoint":  c.Timeouts.Endpoint,
	} {
		if d <= 0 {
			return invalid("%s must be positive", name)
		}
	}
	return nil
}

// Address returns the host:port the HTTP gateway binds to
func (c *ServerConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
