/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package server exposes share queries and channel discovery over HTTP.
// Every request opens a session as the gateway identity of the organization
// named in the request header and releases it before responding.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/metrics"
	"github.com/divvy/fabric-gateway/pkg/query"
	"github.com/divvy/fabric-gateway/pkg/session"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/logging"
	"github.com/pkg/errors"
)

var logger = logging.NewLogger("divvy/server")

const (
	channelKey  = "channel"
	shareKeyKey = "shareKey"

	// UnreachableHeader lists the endpoints skipped by a partial discovery
	UnreachableHeader = "X-Unreachable-Endpoints"
)

// Config configures the HTTP gateway
type Config struct {
	// Address is the host:port to listen on
	Address string
	// OrgHeader names the request header carrying the organization
	OrgHeader string
	// GatewayLabel is the wallet label every session is opened with
	GatewayLabel string
	// Contract is the share contract name
	Contract string
	// ChannelTemplate maps a request to a ledger channel. {org} expands to
	// the organization and {channel} to the channel path parameter.
	ChannelTemplate string

	QueryTimeout     time.Duration
	DiscoveryTimeout time.Duration
	ShutdownTimeout  time.Duration
}

// Server is the HTTP gateway
type Server struct {
	cfg        Config
	sessions   session.Opener
	dispatcher *query.Dispatcher
	metrics    *metrics.Metrics
	accessLog  io.Writer
	router     *mux.Router

	// panics is where recovered panics and their stacks are reported
	panics handlers.RecoveryHandlerLogger
}

// Option configures a Server
type Option func(*Server)

// WithMetrics records request metrics and serves them on /metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAccessLog writes an Apache combined log line per request to w
func WithAccessLog(w io.Writer) Option {
	return func(s *Server) {
		s.accessLog = w
	}
}

// New returns a Server routing requests to dispatcher through sessions
func New(cfg Config, sessions session.Opener, dispatcher *query.Dispatcher, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		sessions:   sessions,
		dispatcher: dispatcher,
		router:     mux.NewRouter(),
		panics:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(s.instrument)
	for _, base := range []string{"/shares", "/share"} {
		s.router.HandleFunc(base+"/{"+channelKey+"}", s.serveShares).Methods(http.MethodGet)
		s.router.HandleFunc(base+"/{"+channelKey+"}/{"+shareKeyKey+"}", s.serveShares).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/channels", s.serveChannels).Methods(http.MethodGet)
	s.router.HandleFunc("/channel", s.serveChannels).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", serveHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return s
}

// Handler returns the root handler with panic recovery and access logging
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(s.panics), handlers.PrintRecoveryStack(true))(h)
	if s.accessLog != nil {
		h = handlers.CombinedLoggingHandler(s.accessLog, h)
	}
	return h
}

// Run listens on the configured address and serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.cfg.Address)
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done, then shuts down gracefully within
// the configured shutdown timeout
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{Handler: s.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Server running on http://%s", l.Addr())
		errCh <- srv.Serve(l)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	logger.Info("Shutting down server")
	if err := srv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "graceful shutdown failed")
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "server failed")
	}
	return nil
}

// ledgerChannel returns the ledger channel serving channel for org
func (s *Server) ledgerChannel(org, channel string) string {
	template := s.cfg.ChannelTemplate
	if template == "" {
		template = "{org}-channel"
	}
	return strings.NewReplacer("{org}", org, "{channel}", channel).Replace(template)
}

func (s *Server) org(req *http.Request) (string, error) {
	org := req.Header.Get(s.cfg.OrgHeader)
	if org == "" {
		return "", status.Newf(status.GatewayStatus, status.InvalidArgument, "missing %s header", s.cfg.OrgHeader)
	}
	return org, nil
}

func (s *Server) serveShares(resp http.ResponseWriter, req *http.Request) {
	org, err := s.org(req)
	if err != nil {
		sendError(resp, err)
		return
	}

	vars := mux.Vars(req)
	var q query.Query = query.AllRecords{Channel: vars[channelKey], Scope: org}
	if key, ok := vars[shareKeyKey]; ok {
		q = query.SingleRecord{Channel: vars[channelKey], Key: key}
	}

	ctx, cancel := withTimeout(req.Context(), s.cfg.QueryTimeout)
	defer cancel()

	var result *query.Result
	err = session.Use(ctx, s.sessions, org, s.cfg.GatewayLabel, func(ss session.Session) error {
		var err error
		result, err = s.dispatcher.Evaluate(ctx, ss, s.ledgerChannel(org, vars[channelKey]), s.cfg.Contract, q)
		return err
	})
	if err != nil {
		sendError(resp, err)
		return
	}
	sendJSON(resp, result)
}

func (s *Server) serveChannels(resp http.ResponseWriter, req *http.Request) {
	org, err := s.org(req)
	if err != nil {
		sendError(resp, err)
		return
	}

	ctx, cancel := withTimeout(req.Context(), s.cfg.DiscoveryTimeout)
	defer cancel()

	var discovery *query.Discovery
	err = session.Use(ctx, s.sessions, org, s.cfg.GatewayLabel, func(ss session.Session) error {
		var err error
		discovery, err = s.dispatcher.DiscoverChannels(ctx, ss)
		return err
	})
	if err != nil {
		sendError(resp, err)
		return
	}

	if unreachable := discovery.Unreachable(); len(unreachable) > 0 {
		resp.Header().Set(UnreachableHeader, strings.Join(unreachable, ","))
	}
	if req.URL.Query().Get("detail") == "true" {
		sendJSON(resp, discovery)
		return
	}
	sendJSON(resp, discovery.Channels)
}

func serveHealth(resp http.ResponseWriter, _ *http.Request) {
	resp.Header().Set("Content-Type", "text/plain; charset=utf-8")
	resp.WriteHeader(http.StatusOK)
	io.WriteString(resp, "ok")
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sendJSON(resp http.ResponseWriter, content interface{}) {
	body, err := json.Marshal(content)
	if err != nil {
		sendError(resp, status.Wrap(status.GatewayStatus, status.QueryFailed, err, "failed to encode response"))
		return
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(http.StatusOK)
	if _, err := resp.Write(body); err != nil {
		logger.Warnf("failed to write response: %s", err)
	}
}

// sendError writes the error text as plain text. Bad requests get 400,
// everything else 500.
func sendError(resp http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if status.Is(err, status.InvalidArgument) {
		code = http.StatusBadRequest
	}
	msg := status.Message(err)
	logger.Debugf("request failed with %d: %s", code, err)
	resp.Header().Set("Content-Type", "text/plain; charset=utf-8")
	resp.WriteHeader(code)
	io.WriteString(resp, msg)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		route := req.URL.Path
		if r := mux.CurrentRoute(req); r != nil {
			if tpl, err := r.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: resp, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)
		s.metrics.ObserveHTTP(route, rec.code, time.Since(start))
	})
}
