/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package session opens authenticated connections to an organization's
// ledger network. A Session is acquired per request or command and must be
// closed by the caller on every exit path; Use does that for you.
package session

import (
	"context"
	"time"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/profile"
	"github.com/divvy/fabric-gateway/pkg/wallet"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/logging"
	"github.com/pkg/errors"
)

var logger = logging.NewLogger("divvy/session")

// Session is an open connection to the network of one organization, acting
// as one wallet identity.
type Session interface {
	Org() string
	Label() string
	Identity() *wallet.Identity
	// Authority returns the organization's certificate authority
	Authority() (*profile.CertificateAuthority, error)
	Channel(ctx context.Context, name string) (Channel, error)
	// Endpoints lists the ledger endpoints found by discovery
	Endpoints(ctx context.Context) ([]string, error)
	// QueryChannels lists the channels endpoint has joined
	QueryChannels(ctx context.Context, endpoint string) ([]string, error)
	Close() error
}

// Channel is a ledger channel reachable from a session
type Channel interface {
	Name() string
	Contract(name string) Contract
}

// Contract is a deployed smart contract on a channel
type Contract interface {
	Name() string
	// Evaluate runs a read-only transaction; nothing is ordered or committed
	Evaluate(ctx context.Context, fn string, args ...string) ([]byte, error)
}

// Request carries everything a Connector needs to open a session
type Request struct {
	Org        string
	Label      string
	Identity   *wallet.Identity
	Profile    *profile.Profile
	CATemplate string
}

// Connector opens sessions against a network implementation
type Connector interface {
	Connect(ctx context.Context, req *Request) (Session, error)
}

// ConnectorFunc adapts a function to Connector
type ConnectorFunc func(ctx context.Context, req *Request) (Session, error)

// Connect calls f
func (f ConnectorFunc) Connect(ctx context.Context, req *Request) (Session, error) {
	return f(ctx, req)
}

// ProfileSource loads connection profiles
type ProfileSource interface {
	Load(org string) (*profile.Profile, error)
}

// Opener opens sessions
type Opener interface {
	Open(ctx context.Context, org, label string) (Session, error)
}

// Manager opens sessions from wallet identities and connection profiles
type Manager struct {
	wallets    wallet.Provider
	profiles   ProfileSource
	connector  Connector
	caTemplate string
	timeout    time.Duration
}

// Option configures a Manager
type Option func(m *Manager)

// WithConnector replaces the fabric-sdk-go connector
func WithConnector(c Connector) Option {
	return func(m *Manager) {
		m.connector = c
	}
}

// WithCATemplate sets the profile key template of the organization's CA
func WithCATemplate(template string) Option {
	return func(m *Manager) {
		m.caTemplate = template
	}
}

// WithTimeout bounds connection setup
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// NewManager returns a session manager
func NewManager(wallets wallet.Provider, profiles ProfileSource, opts ...Option) *Manager {
	m := &Manager{
		wallets:    wallets,
		profiles:   profiles,
		connector:  NewSDKConnector(),
		caTemplate: "ca.{org}.divvy.com",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open connects to the network of org as the identity stored under label.
// A missing identity fails with NotFound before any network activity.
func (m *Manager) Open(ctx context.Context, org, label string) (Session, error) {
	w, err := m.wallets.Wallet(org)
	if err != nil {
		return nil, err
	}
	if !w.Exists(label) {
		return nil, status.Newf(status.WalletStatus, status.NotFound,
			"an identity for the user %q does not exist in the wallet of %s", label, org)
	}
	id, err := w.Get(label)
	if err != nil {
		return nil, err
	}
	p, err := m.profiles.Load(org)
	if err != nil {
		return nil, err
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	s, err := m.connector.Connect(ctx, &Request{
		Org:        org,
		Label:      label,
		Identity:   id,
		Profile:    p,
		CATemplate: m.caTemplate,
	})
	if err != nil {
		if st := status.FromContext(status.GatewayStatus, ctx.Err(), "failed to connect to network of "+org); st != nil {
			return nil, st
		}
		return nil, errors.WithMessagef(err, "failed to connect to network of %s as %s", org, label)
	}
	logger.Debugf("opened session for %s as %s", org, label)
	return s, nil
}

// Use opens a session, runs fn and closes the session, even when fn panics.
// A close failure is logged, and returned only when fn succeeded.
func Use(ctx context.Context, opener Opener, org, label string, fn func(Session) error) (err error) {
	s, err := opener.Open(ctx, org, label)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			logger.Warnf("failed to close session for %s as %s: %s", org, label, cerr)
			if err == nil {
				err = cerr
			}
		}
	}()
	return fn(s)
}
