/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package query evaluates read-only contract queries through a session and
// discovers the channels joined by the endpoints a session can reach.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/divvy/fabric-gateway/pkg/common/errors/retry"
	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/metrics"
	"github.com/divvy/fabric-gateway/pkg/session"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/logging"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

var logger = logging.NewLogger("divvy/query")

// Query is one of SingleRecord, AllRecords or Invocation
type Query interface {
	invocation(m Methods) (fn string, args []string)
}

// SingleRecord selects one record of a channel by key
type SingleRecord struct {
	Channel string
	Key     string
}

func (q SingleRecord) invocation(m Methods) (string, []string) {
	return m.Single, []string{q.Channel, q.Key}
}

// AllRecords selects every record of a channel visible to a scope,
// normally the requesting organization
type AllRecords struct {
	Channel string
	Scope   string
}

func (q AllRecords) invocation(m Methods) (string, []string) {
	return m.All, []string{q.Channel, q.Scope}
}

// Invocation calls an arbitrary contract function with positional arguments
type Invocation struct {
	Method string
	Args   []string
}

func (q Invocation) invocation(Methods) (string, []string) {
	return q.Method, q.Args
}

// Methods names the contract functions behind SingleRecord and AllRecords
type Methods struct {
	Single string
	All    string
}

// DefaultMethods are the functions of the share contract
var DefaultMethods = Methods{Single: "queryShare", All: "queryAllShares"}

// ArgsFromPositions orders arguments keyed by position. Positions must be
// exactly 0..n-1.
func ArgsFromPositions(positions map[int]string) ([]string, error) {
	args := make([]string, len(positions))
	for pos, arg := range positions {
		if pos < 0 || pos >= len(positions) {
			return nil, status.Newf(status.GatewayStatus, status.InvalidArgument,
				"argument positions must be contiguous from 0, got %d of %d", pos, len(positions))
		}
		args[pos] = arg
	}
	return args, nil
}

// Result is the outcome of an evaluation
type Result struct {
	// Payload is the raw contract response
	Payload []byte
	// Value is Payload decoded as JSON. It is nil for EvaluateRaw.
	Value interface{}
}

// MarshalJSON writes the decoded value verbatim
func (r *Result) MarshalJSON() ([]byte, error) {
	if r.Value == nil {
		return r.Payload, nil
	}
	return json.Marshal(r.Value)
}

// Dispatcher evaluates queries and discovers channels
type Dispatcher struct {
	methods Methods
	strict  bool
	retry   retry.Opts
	metrics *metrics.Metrics

	endpointTimeout time.Duration
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithMethods overrides DefaultMethods
func WithMethods(m Methods) Option {
	return func(d *Dispatcher) {
		d.methods = m
	}
}

// WithStrictDiscovery makes DiscoverChannels fail on the first unreachable
// endpoint instead of reporting it
func WithStrictDiscovery(strict bool) Option {
	return func(d *Dispatcher) {
		d.strict = strict
	}
}

// WithRetry retries endpoints that fail with a transient status before
// counting them as unreachable
func WithRetry(opts retry.Opts) Option {
	return func(d *Dispatcher) {
		d.retry = opts
	}
}

// WithEndpointTimeout bounds each channel listing round trip. An endpoint
// that does not answer in time fails with NetworkTimeout and discovery moves
// on to the next one. Zero leaves only the caller's deadline.
func WithEndpointTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		d.endpointTimeout = timeout
	}
}

// WithMetrics records query and discovery outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New returns a Dispatcher
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{methods: DefaultMethods}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Evaluate runs q against contract on channel and decodes the response as
// JSON. A response that is not JSON fails with QueryFailed.
func (d *Dispatcher) Evaluate(ctx context.Context, s session.Session, channel, contract string, q Query) (*Result, error) {
	r, fn, err := d.evaluate(ctx, s, channel, contract, q)
	if err == nil {
		var v interface{}
		if jerr := json.Unmarshal(r.Payload, &v); jerr != nil {
			err = status.Wrap(status.GatewayStatus, status.QueryFailed, jerr, "contract returned a malformed result")
		} else {
			r.Value = v
		}
	}
	d.metrics.ObserveQuery(fn, err)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// EvaluateRaw runs q and returns the response undecoded
func (d *Dispatcher) EvaluateRaw(ctx context.Context, s session.Session, channel, contract string, q Query) (*Result, error) {
	r, fn, err := d.evaluate(ctx, s, channel, contract, q)
	d.metrics.ObserveQuery(fn, err)
	return r, err
}

func (d *Dispatcher) evaluate(ctx context.Context, s session.Session, channel, contract string, q Query) (*Result, string, error) {
	fn, args := q.invocation(d.methods)
	if fn == "" {
		return nil, fn, status.New(status.GatewayStatus, status.InvalidArgument, "no contract function given")
	}

	ch, err := s.Channel(ctx, channel)
	if err != nil {
		return nil, fn, err
	}
	logger.Debugf("evaluating %s.%s%v on %s as %s", contract, fn, args, channel, s.Label())
	payload, err := ch.Contract(contract).Evaluate(ctx, fn, args...)
	if err != nil {
		if _, ok := status.FromError(err); !ok {
			err = status.Wrap(status.LedgerStatus, status.QueryFailed, err, "")
		}
		return nil, fn, err
	}
	return &Result{Payload: payload}, fn, nil
}

// EndpointStatus is the discovery outcome of one endpoint
type EndpointStatus struct {
	Endpoint string   `json:"endpoint"`
	Channels []string `json:"channels"`
	Err      error    `json:"-"`
}

// MarshalJSON adds the error text
func (e EndpointStatus) MarshalJSON() ([]byte, error) {
	type report struct {
		Endpoint string   `json:"endpoint"`
		Channels []string `json:"channels"`
		Error    string   `json:"error,omitempty"`
	}
	r := report{Endpoint: e.Endpoint, Channels: e.Channels}
	if r.Channels == nil {
		r.Channels = []string{}
	}
	if e.Err != nil {
		r.Error = e.Err.Error()
	}
	return json.Marshal(r)
}

// Discovery is the union of the channels joined by every reachable endpoint
type Discovery struct {
	// Channels in first-seen order, without duplicates
	Channels  []string         `json:"channels"`
	Endpoints []EndpointStatus `json:"endpoints"`
}

// Unreachable lists the endpoints that could not be queried
func (d *Discovery) Unreachable() []string {
	var failed []string
	for _, e := range d.Endpoints {
		if e.Err != nil {
			failed = append(failed, e.Endpoint)
		}
	}
	return failed
}

// Err combines the errors of every unreachable endpoint
func (d *Discovery) Err() error {
	var err error
	for _, e := range d.Endpoints {
		if e.Err != nil {
			err = multierr.Append(err, errors.WithMessage(e.Err, e.Endpoint))
		}
	}
	return err
}

// DiscoverChannels asks every endpoint of s, one after another, for the
// channels it has joined. In strict mode the first failure fails the call;
// otherwise failures are recorded and the call fails only when no endpoint
// answered.
func (d *Dispatcher) DiscoverChannels(ctx context.Context, s session.Session) (*Discovery, error) {
	endpoints, err := s.Endpoints(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list endpoints")
	}

	result := &Discovery{Channels: []string{}}
	seen := make(map[string]struct{})
	answered := 0
	for _, endpoint := range endpoints {
		var channels []string
		err := retry.Invoke(ctx, d.retry, func() error {
			var err error
			channels, err = d.queryChannels(ctx, s, endpoint)
			return err
		})
		if err != nil {
			d.metrics.DiscoveryEndpointFailed()
			if d.strict {
				return nil, errors.WithMessagef(err, "failed to query channels of %s", endpoint)
			}
			logger.Warnf("failed to query channels of %s: %s", endpoint, err)
			result.Endpoints = append(result.Endpoints, EndpointStatus{Endpoint: endpoint, Err: err})
			continue
		}
		answered++
		result.Endpoints = append(result.Endpoints, EndpointStatus{Endpoint: endpoint, Channels: channels})
		for _, ch := range channels {
			if _, ok := seen[ch]; ok {
				continue
			}
			seen[ch] = struct{}{}
			result.Channels = append(result.Channels, ch)
		}
	}

	if len(endpoints) > 0 && answered == 0 {
		return nil, status.Wrap(status.LedgerStatus, status.Unavailable, result.Err(), "no endpoint answered")
	}
	return result, nil
}

func (d *Dispatcher) queryChannels(ctx context.Context, s session.Session, endpoint string) ([]string, error) {
	if d.endpointTimeout <= 0 {
		return s.QueryChannels(ctx, endpoint)
	}
	ectx, cancel := context.WithTimeout(ctx, d.endpointTimeout)
	defer cancel()

	channels, err := s.QueryChannels(ectx, endpoint)
	if err != nil && ctx.Err() == nil && ectx.Err() != nil && status.CodeOf(err) != status.NetworkTimeout {
		err = status.FromContext(status.LedgerStatus, ectx.Err(), fmt.Sprintf("%s did not answer within %s", endpoint, d.endpointTimeout))
	}
	return channels, err
}
