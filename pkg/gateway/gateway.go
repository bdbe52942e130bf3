/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package gateway assembles the wallet, connection profiles, network
// sessions, the query dispatcher and the identity issuer from a single
// configuration. The executables under cmd/ are thin shells around it.
package gateway

import (
	"github.com/divvy/fabric-gateway/pkg/core/config"
	"github.com/divvy/fabric-gateway/pkg/issuer"
	"github.com/divvy/fabric-gateway/pkg/metrics"
	"github.com/divvy/fabric-gateway/pkg/profile"
	"github.com/divvy/fabric-gateway/pkg/query"
	"github.com/divvy/fabric-gateway/pkg/server"
	"github.com/divvy/fabric-gateway/pkg/session"
	"github.com/divvy/fabric-gateway/pkg/wallet"
	"github.com/pkg/errors"
)

// Gateway holds the components built from a Config
type Gateway struct {
	Config     *config.Config
	Metrics    *metrics.Metrics
	Wallets    *wallet.Registry
	Profiles   *profile.Loader
	Sessions   *session.Manager
	Dispatcher *query.Dispatcher
	Issuer     *issuer.Issuer
}

type options struct {
	backend   wallet.Backend
	connector session.Connector
	authority issuer.AuthorityFactory
	metrics   *metrics.Metrics
}

// Option configures New
type Option func(opts *options) error

// WithBackend replaces the wallet backend selected by the configuration
func WithBackend(b wallet.Backend) Option {
	return func(opts *options) error {
		opts.backend = b
		return nil
	}
}

// WithConnector replaces the Fabric SDK connector
func WithConnector(c session.Connector) Option {
	return func(opts *options) error {
		opts.connector = c
		return nil
	}
}

// WithAuthorityFactory replaces the Fabric CA client
func WithAuthorityFactory(f issuer.AuthorityFactory) Option {
	return func(opts *options) error {
		if f == nil {
			return errors.New("nil authority factory")
		}
		opts.authority = f
		return nil
	}
}

// WithMetrics instruments every component with m
func WithMetrics(m *metrics.Metrics) Option {
	return func(opts *options) error {
		opts.metrics = m
		return nil
	}
}

// New builds a Gateway from cfg
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	o := options{}
	for _, option := range opts {
		if err := option(&o); err != nil {
			return nil, errors.WithMessage(err, "Error in option passed to New")
		}
	}

	var wallets *wallet.Registry
	if o.backend != nil {
		wallets = wallet.NewRegistry(o.backend)
	} else {
		var err error
		if wallets, err = wallet.Open(cfg.Wallet); err != nil {
			return nil, err
		}
	}

	profiles := profile.NewLoader(cfg.Profiles.Path)

	sessionOpts := []session.Option{
		session.WithCATemplate(cfg.Identity.CATemplate),
		session.WithTimeout(cfg.Timeouts.Session),
	}
	if o.connector != nil {
		sessionOpts = append(sessionOpts, session.WithConnector(o.connector))
	}
	sessions := session.NewManager(wallets, profiles, sessionOpts...)

	dispatcher := query.New(
		query.WithMethods(query.Methods{Single: cfg.Share.SingleMethod, All: cfg.Share.AllMethod}),
		query.WithStrictDiscovery(cfg.Discovery.Strict),
		query.WithRetry(cfg.Discovery.Retry),
		query.WithEndpointTimeout(cfg.Timeouts.Endpoint),
		query.WithMetrics(o.metrics),
	)

	issuerOpts := []issuer.Option{
		issuer.WithAdmin(cfg.Identity.Admin.Label, cfg.Identity.Admin.Secret),
		issuer.WithUserRole(cfg.Identity.User.Role),
		issuer.WithMSPTemplate(cfg.Identity.MSPTemplate),
		issuer.WithCATemplate(cfg.Identity.CATemplate),
		issuer.WithTimeout(cfg.Timeouts.CA),
		issuer.WithMetrics(o.metrics),
	}
	if o.authority != nil {
		issuerOpts = append(issuerOpts, issuer.WithAuthorityFactory(o.authority))
	}

	return &Gateway{
		Config:     cfg,
		Metrics:    o.metrics,
		Wallets:    wallets,
		Profiles:   profiles,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Issuer:     issuer.New(wallets, profiles, sessions, issuerOpts...),
	}, nil
}

// Server returns the HTTP gateway serving this Gateway's organizations
func (g *Gateway) Server(opts ...server.Option) *server.Server {
	cfg := g.Config
	if g.Metrics != nil {
		opts = append([]server.Option{server.WithMetrics(g.Metrics)}, opts...)
	}
	return server.New(server.Config{
		Address:          cfg.Server.Address(),
		OrgHeader:        cfg.Server.OrgHeader,
		GatewayLabel:     cfg.Identity.Gateway.Label,
		Contract:         cfg.Share.Contract,
		ChannelTemplate:  cfg.Share.ChannelTemplate,
		QueryTimeout:     cfg.Timeouts.Query,
		DiscoveryTimeout: cfg.Timeouts.Discovery,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
	}, g.Sessions, g.Dispatcher, opts...)
}

// Close releases the wallet backend
func (g *Gateway) Close() error {
	return g.Wallets.Close()
}
