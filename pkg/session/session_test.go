/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/profile"
	"github.com/divvy/fabric-gateway/pkg/session"
	"github.com/divvy/fabric-gateway/pkg/session/mocksession"
	"github.com/divvy/fabric-gateway/pkg/wallet"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profileFunc func(org string) (*profile.Profile, error)

func (f profileFunc) Load(org string) (*profile.Profile, error) { return f(org) }

type fixture struct {
	wallets  *wallet.Registry
	profiles int
	connects int
	lastReq  *session.Request
	manager  *session.Manager
}

func newFixture(t *testing.T, connect func(ctx context.Context, req *session.Request) (session.Session, error)) *fixture {
	f := &fixture{wallets: wallet.NewRegistry(wallet.NewMemoryBackend())}
	profiles := profileFunc(func(org string) (*profile.Profile, error) {
		f.profiles++
		return profile.Parse(org, []byte(`{"client":{"organization":"`+org+`"}}`), "json")
	})
	connector := session.ConnectorFunc(func(ctx context.Context, req *session.Request) (session.Session, error) {
		f.connects++
		f.lastReq = req
		return connect(ctx, req)
	})
	f.manager = session.NewManager(f.wallets, profiles, session.WithConnector(connector), session.WithCATemplate("ca.{org}.test"))
	return f
}

func (f *fixture) put(t *testing.T, org, label string) *wallet.Identity {
	w, err := f.wallets.Wallet(org)
	require.NoError(t, err)
	id := wallet.NewX509Identity(org+"-msp", "testCert", "testPrivKey", "")
	require.NoError(t, w.Put(label, id))
	return id
}

func TestOpenMissingIdentity(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *session.Request) (session.Session, error) {
		return mocksession.NewMockSession(req.Org, req.Label), nil
	})

	_, err := f.manager.Open(context.Background(), "org1", "appUser")
	require.Error(t, err)
	assert.True(t, status.Is(err, status.NotFound), "unexpected error: %s", err)
	assert.Zero(t, f.connects, "no network activity for a missing identity")
	assert.Zero(t, f.profiles)
}

func TestOpen(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *session.Request) (session.Session, error) {
		s := mocksession.NewMockSession(req.Org, req.Label)
		s.ID = req.Identity
		return s, nil
	})
	id := f.put(t, "org1", "appUser")

	s, err := f.manager.Open(context.Background(), "org1", "appUser")
	require.NoError(t, err)
	assert.Equal(t, "org1", s.Org())
	assert.Equal(t, "appUser", s.Label())
	assert.Equal(t, id, s.Identity())

	require.NotNil(t, f.lastReq)
	assert.Equal(t, "ca.{org}.test", f.lastReq.CATemplate)
	assert.Equal(t, "org1", f.lastReq.Profile.ClientOrganization())
}

func TestOpenIdentityIsolatedByOrg(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *session.Request) (session.Session, error) {
		return mocksession.NewMockSession(req.Org, req.Label), nil
	})
	f.put(t, "org1", "appUser")

	_, err := f.manager.Open(context.Background(), "org2", "appUser")
	assert.True(t, status.Is(err, status.NotFound))
}

func TestOpenConnectorFailure(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req *session.Request) (session.Session, error) {
		return nil, status.New(status.LedgerStatus, status.Unavailable, "connection refused")
	})
	f.put(t, "org1", "appUser")

	_, err := f.manager.Open(context.Background(), "org1", "appUser")
	require.Error(t, err)
	assert.True(t, status.Is(err, status.Unavailable), "unexpected error: %s", err)
	assert.Contains(t, err.Error(), "failed to connect to network of org1 as appUser")
}

func TestOpenTimeout(t *testing.T) {
	wallets := wallet.NewRegistry(wallet.NewMemoryBackend())
	w, err := wallets.Wallet("org1")
	require.NoError(t, err)
	require.NoError(t, w.Put("appUser", wallet.NewX509Identity("org1-msp", "testCert", "testPrivKey", "")))

	connector := session.ConnectorFunc(func(ctx context.Context, req *session.Request) (session.Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	profiles := profileFunc(func(org string) (*profile.Profile, error) {
		return profile.Parse(org, []byte(`{}`), "json")
	})
	m := session.NewManager(wallets, profiles, session.WithConnector(connector), session.WithTimeout(20*time.Millisecond))

	_, err = m.Open(context.Background(), "org1", "appUser")
	require.Error(t, err)
	assert.True(t, status.Is(err, status.NetworkTimeout), "unexpected error: %s", err)
}

func TestUseClosesSession(t *testing.T) {
	s := mocksession.NewMockSession("org1", "appUser")
	opener := &mocksession.MockOpener{Session: s}

	err := session.Use(context.Background(), opener, "org1", "appUser", func(session.Session) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Closed())

	failure := errors.New("query failed")
	err = session.Use(context.Background(), opener, "org1", "appUser", func(session.Session) error {
		return failure
	})
	assert.Equal(t, failure, err)
	assert.Equal(t, 2, s.Closed())

	assert.Panics(t, func() {
		_ = session.Use(context.Background(), opener, "org1", "appUser", func(session.Session) error {
			panic("boom")
		})
	})
	assert.Equal(t, 3, s.Closed(), "the session is released when fn panics")

	assert.Equal(t, []string{"org1/appUser", "org1/appUser", "org1/appUser"}, opener.Opened())
}

func TestUseOpenFailure(t *testing.T) {
	opener := &mocksession.MockOpener{Err: status.New(status.WalletStatus, status.NotFound, "missing")}
	called := false
	err := session.Use(context.Background(), opener, "org1", "appUser", func(session.Session) error {
		called = true
		return nil
	})
	assert.True(t, status.Is(err, status.NotFound))
	assert.False(t, called)
}

type failingClose struct {
	*mocksession.MockSession
}

func (f failingClose) Close() error { return errors.New("close failed") }

type openerFunc func() (session.Session, error)

func (f openerFunc) Open(ctx context.Context, org, label string) (session.Session, error) { return f() }

func TestUseReportsCloseFailure(t *testing.T) {
	opener := openerFunc(func() (session.Session, error) {
		return failingClose{mocksession.NewMockSession("org1", "appUser")}, nil
	})

	err := session.Use(context.Background(), opener, "org1", "appUser", func(session.Session) error { return nil })
	assert.EqualError(t, err, "close failed")

	fnErr := errors.New("fn failed")
	err = session.Use(context.Background(), opener, "org1", "appUser", func(session.Session) error { return fnErr })
	assert.Equal(t, fnErr, err, "the error of fn takes precedence")
}
