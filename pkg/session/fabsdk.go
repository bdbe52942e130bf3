/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package session

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/profile"
	"github.com/divvy/fabric-gateway/pkg/wallet"
	"github.com/hyperledger/fabric-sdk-go/pkg/client/channel"
	mspclient "github.com/hyperledger/fabric-sdk-go/pkg/client/msp"
	"github.com/hyperledger/fabric-sdk-go/pkg/client/resmgmt"
	contextImpl "github.com/hyperledger/fabric-sdk-go/pkg/context"
	contextApi "github.com/hyperledger/fabric-sdk-go/pkg/common/providers/context"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/core"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/fab"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/providers/msp"
	sdkconfig "github.com/hyperledger/fabric-sdk-go/pkg/core/config"
	"github.com/hyperledger/fabric-sdk-go/pkg/fabsdk"
)

// SDKConnector opens sessions with fabric-sdk-go. Peer addresses are used as
// the profile and the network report them, and dynamic discovery stays on.
type SDKConnector struct{}

// NewSDKConnector returns the fabric-sdk-go connector
func NewSDKConnector() *SDKConnector {
	return &SDKConnector{}
}

// Connect creates an SDK instance for the profile and a signing identity
// from the wallet credentials.
func (c *SDKConnector) Connect(ctx context.Context, req *Request) (Session, error) {
	sdk, err := fabsdk.New(configProvider(req.Profile))
	if err != nil {
		return nil, ledgerError(ctx, err, status.Unknown, "failed to create SDK")
	}

	org := req.Profile.ClientOrganization()
	mspClient, err := mspclient.New(sdk.Context(), mspclient.WithOrg(org))
	if err != nil {
		sdk.Close()
		return nil, ledgerError(ctx, err, status.Unknown, "failed to create msp client")
	}
	signing, err := mspClient.CreateSigningIdentity(
		msp.WithCert([]byte(req.Identity.Certificate())),
		msp.WithPrivateKey([]byte(req.Identity.Key())),
	)
	if err != nil {
		sdk.Close()
		return nil, status.Wrap(status.WalletStatus, status.IOError, err, "failed to create signing identity for "+req.Label)
	}

	s := &sdkSession{
		req:     req,
		org:     org,
		sdk:     sdk,
		signing: signing,
		peers:   map[string]fab.Peer{},
	}
	s.discover = s.localPeers
	return s, nil
}

// configProvider hands the profile to the SDK with its entity matchers
// removed, so no host is ever mapped to another address.
func configProvider(p *profile.Profile) core.ConfigProvider {
	return func() ([]core.ConfigBackend, error) {
		backends, err := sdkconfig.FromRaw(p.Raw, p.Format)()
		if err != nil {
			return nil, err
		}
		wrapped := make([]core.ConfigBackend, len(backends))
		for i, b := range backends {
			wrapped[i] = verbatimBackend{b}
		}
		return wrapped, nil
	}
}

type verbatimBackend struct {
	core.ConfigBackend
}

func (b verbatimBackend) Lookup(key string) (interface{}, bool) {
	if k := strings.ToLower(key); k == "entitymatchers" || strings.HasPrefix(k, "entitymatchers.") {
		return nil, false
	}
	return b.ConfigBackend.Lookup(key)
}

type sdkSession struct {
	req     *Request
	org     string
	sdk     *fabsdk.FabricSDK
	signing msp.SigningIdentity

	// discover lists the peers currently known to the organization
	discover func(ctx context.Context) ([]fab.Peer, error)

	mu    sync.Mutex
	peers map[string]fab.Peer
	once  sync.Once
}

func (s *sdkSession) Org() string {
	return s.req.Org
}

func (s *sdkSession) Label() string {
	return s.req.Label
}

func (s *sdkSession) Identity() *wallet.Identity {
	return s.req.Identity
}

func (s *sdkSession) Authority() (*profile.CertificateAuthority, error) {
	return s.req.Profile.CertificateAuthority(s.req.CATemplate)
}

func (s *sdkSession) clientProvider() contextApi.ClientProvider {
	return s.sdk.Context(fabsdk.WithIdentity(s.signing), fabsdk.WithOrg(s.org))
}

func (s *sdkSession) Channel(ctx context.Context, name string) (Channel, error) {
	provider := s.sdk.ChannelContext(name, fabsdk.WithIdentity(s.signing), fabsdk.WithOrg(s.org))
	client, err := channel.New(provider)
	if err != nil {
		return nil, ledgerError(ctx, err, status.NotFound, "channel "+name+" is not available")
	}
	return &sdkChannel{name: name, client: client}, nil
}

func (s *sdkSession) Endpoints(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledgerError(ctx, err, status.Unavailable, "discovery aborted")
	}
	peers, err := s.discover(ctx)
	if err != nil {
		return nil, err
	}
	return s.remember(peers), nil
}

func (s *sdkSession) localPeers(ctx context.Context) ([]fab.Peer, error) {
	local, err := contextImpl.NewLocal(s.clientProvider())
	if err != nil {
		return nil, ledgerError(ctx, err, status.Unavailable, "failed to create local context")
	}
	peers, err := local.LocalDiscoveryService().GetPeers()
	if err != nil {
		return nil, ledgerError(ctx, err, status.Unavailable, "discovery failed")
	}
	return peers, nil
}

// remember caches peers by URL and returns their URLs sorted, without duplicates
func (s *sdkSession) remember(peers []fab.Peer) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(peers))
	urls := make([]string, 0, len(peers))
	for _, p := range peers {
		if _, ok := seen[p.URL()]; !ok {
			seen[p.URL()] = struct{}{}
			urls = append(urls, p.URL())
		}
		s.peers[p.URL()] = p
	}
	sort.Strings(urls)
	return urls
}

func (s *sdkSession) peer(ctx context.Context, endpoint string) (fab.Peer, error) {
	s.mu.Lock()
	p, ok := s.peers[endpoint]
	s.mu.Unlock()
	if ok {
		return p, nil
	}
	if _, err := s.Endpoints(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[endpoint]; ok {
		return p, nil
	}
	return nil, status.Newf(status.LedgerStatus, status.NotFound, "unknown endpoint %s", endpoint)
}

func (s *sdkSession) QueryChannels(ctx context.Context, endpoint string) ([]string, error) {
	p, err := s.peer(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	rc, err := resmgmt.New(s.clientProvider())
	if err != nil {
		return nil, ledgerError(ctx, err, status.Unavailable, "failed to create resource management client")
	}
	resp, err := rc.QueryChannels(resmgmt.WithTargets(p), resmgmt.WithParentContext(ctx))
	if err != nil {
		return nil, ledgerError(ctx, err, status.Unavailable, "failed to query channels of "+endpoint)
	}
	names := make([]string, 0, len(resp.Channels))
	for _, ch := range resp.Channels {
		names = append(names, ch.ChannelId)
	}
	return names, nil
}

func (s *sdkSession) Close() error {
	s.once.Do(s.sdk.Close)
	return nil
}

type sdkChannel struct {
	name   string
	client *channel.Client
}

func (c *sdkChannel) Name() string {
	return c.name
}

func (c *sdkChannel) Contract(name string) Contract {
	return &sdkContract{channel: c.name, name: name, client: c.client}
}

type sdkContract struct {
	channel string
	name    string
	client  *channel.Client
}

func (c *sdkContract) Name() string {
	return c.name
}

func (c *sdkContract) Evaluate(ctx context.Context, fn string, args ...string) ([]byte, error) {
	req := channel.Request{ChaincodeID: c.name, Fcn: fn, Args: make([][]byte, len(args))}
	for i, a := range args {
		req.Args[i] = []byte(a)
	}
	resp, err := c.client.Query(req, channel.WithParentContext(ctx))
	if err != nil {
		return nil, ledgerError(ctx, err, status.QueryFailed, "evaluation of "+c.name+"."+fn+" on "+c.channel+" failed")
	}
	return resp.Payload, nil
}
