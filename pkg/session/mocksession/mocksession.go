/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package mocksession provides in-memory sessions for tests
package mocksession

import (
	"context"
	"sync"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/profile"
	"github.com/divvy/fabric-gateway/pkg/session"
	"github.com/divvy/fabric-gateway/pkg/wallet"
)

// EvaluateFunc answers contract evaluations
type EvaluateFunc func(fn string, args []string) ([]byte, error)

// Invocation records one evaluation
type Invocation struct {
	Channel  string
	Contract string
	Fn       string
	Args     []string
}

// MockSession is a scripted session.Session
type MockSession struct {
	OrgName   string
	LabelName string
	ID        *wallet.Identity
	CA        *profile.CertificateAuthority

	// Contracts answers evaluations, keyed by channel then contract name.
	// A missing channel fails Channel with NotFound.
	Contracts map[string]map[string]EvaluateFunc

	EndpointList []string
	EndpointsErr error
	// Joined lists the channels of each endpoint; ChannelErrs fails endpoints
	Joined      map[string][]string
	ChannelErrs map[string]error

	mu          sync.Mutex
	invocations []Invocation
	queried     []string
	closed      int
}

// NewMockSession returns an empty session for org acting as label
func NewMockSession(org, label string) *MockSession {
	return &MockSession{
		OrgName:     org,
		LabelName:   label,
		Contracts:   map[string]map[string]EvaluateFunc{},
		Joined:      map[string][]string{},
		ChannelErrs: map[string]error{},
	}
}

// Org returns the organization
func (s *MockSession) Org() string { return s.OrgName }

// Label returns the identity label
func (s *MockSession) Label() string { return s.LabelName }

// Identity returns the identity
func (s *MockSession) Identity() *wallet.Identity { return s.ID }

// Authority returns CA or NotFound
func (s *MockSession) Authority() (*profile.CertificateAuthority, error) {
	if s.CA == nil {
		return nil, status.New(status.GatewayStatus, status.NotFound, "no certificate authority")
	}
	return s.CA, nil
}

// Channel returns a scripted channel
func (s *MockSession) Channel(ctx context.Context, name string) (session.Channel, error) {
	contracts, ok := s.Contracts[name]
	if !ok {
		return nil, status.Newf(status.LedgerStatus, status.NotFound, "channel %s is not available", name)
	}
	return &mockChannel{session: s, name: name, contracts: contracts}, nil
}

// Endpoints returns EndpointList
func (s *MockSession) Endpoints(ctx context.Context) ([]string, error) {
	if s.EndpointsErr != nil {
		return nil, s.EndpointsErr
	}
	return s.EndpointList, nil
}

// QueryChannels returns Joined[endpoint] or ChannelErrs[endpoint]
func (s *MockSession) QueryChannels(ctx context.Context, endpoint string) ([]string, error) {
	s.mu.Lock()
	s.queried = append(s.queried, endpoint)
	s.mu.Unlock()
	if err := s.ChannelErrs[endpoint]; err != nil {
		return nil, err
	}
	return s.Joined[endpoint], nil
}

// Close counts closes
func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Closed returns the number of Close calls
func (s *MockSession) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Invocations returns the recorded evaluations
func (s *MockSession) Invocations() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Invocation(nil), s.invocations...)
}

// Queried returns the endpoints asked for their channels, in order
func (s *MockSession) Queried() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queried...)
}

type mockChannel struct {
	session   *MockSession
	name      string
	contracts map[string]EvaluateFunc
}

func (c *mockChannel) Name() string { return c.name }

func (c *mockChannel) Contract(name string) session.Contract {
	return &mockContract{channel: c, name: name}
}

type mockContract struct {
	channel *mockChannel
	name    string
}

func (c *mockContract) Name() string { return c.name }

func (c *mockContract) Evaluate(ctx context.Context, fn string, args ...string) ([]byte, error) {
	s := c.channel.session
	s.mu.Lock()
	s.invocations = append(s.invocations, Invocation{Channel: c.channel.name, Contract: c.name, Fn: fn, Args: args})
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, status.FromContext(status.LedgerStatus, err, "evaluation aborted")
	}
	eval, ok := c.channel.contracts[c.name]
	if !ok {
		return nil, status.Newf(status.LedgerStatus, status.QueryFailed, "chaincode %s not found", c.name)
	}
	return eval(fn, args)
}

// MockOpener hands out Session, or fails with Err
type MockOpener struct {
	Session *MockSession
	Err     error

	mu     sync.Mutex
	opened []string
}

// Open returns the scripted session
func (o *MockOpener) Open(ctx context.Context, org, label string) (session.Session, error) {
	o.mu.Lock()
	o.opened = append(o.opened, org+"/"+label)
	o.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Session, nil
}

// Opened returns org/label of every Open call
func (o *MockOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}
