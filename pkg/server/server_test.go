/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/metrics"
	"github.com/divvy/fabric-gateway/pkg/query"
	"github.com/divvy/fabric-gateway/pkg/session/mocksession"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orgHeader = "x-divvy-org"

func testConfig() Config {
	return Config{
		OrgHeader:        orgHeader,
		GatewayLabel:     "appUser",
		Contract:         "share",
		ChannelTemplate:  "{org}-channel",
		QueryTimeout:     time.Second,
		DiscoveryTimeout: time.Second,
		ShutdownTimeout:  time.Second,
	}
}

func newTestSession() *mocksession.MockSession {
	s := mocksession.NewMockSession("org1", "appUser")
	s.Contracts["org1-channel"] = map[string]mocksession.EvaluateFunc{
		"share": func(fn string, args []string) ([]byte, error) {
			switch fn {
			case "queryShare":
				if args[1] == "s1" {
					return []byte(`{"owner":"org1","amount":10}`), nil
				}
				return nil, errors.Errorf("%s does not exist", args[1])
			case "queryAllShares":
				return []byte(`[{"Key":"s1"},{"Key":"s2"}]`), nil
			}
			return nil, errors.Errorf("function %s not found", fn)
		},
	}
	s.EndpointList = []string{"peer0:7051", "peer1:7051"}
	s.Joined["peer0:7051"] = []string{"A", "B"}
	s.Joined["peer1:7051"] = []string{"B", "C"}
	return s
}

func newTestServer(opener *mocksession.MockOpener, opts ...Option) *Server {
	return New(testConfig(), opener, query.New(), opts...)
}

func get(t *testing.T, h http.Handler, path, org string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if org != "" {
		req.Header.Set(orgHeader, org)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetShare(t *testing.T) {
	s := newTestSession()
	opener := &mocksession.MockOpener{Session: s}
	h := newTestServer(opener).Handler()

	rec := get(t, h, "/shares/c1/s1", "org1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"owner":"org1","amount":10}`, rec.Body.String())

	assert.Equal(t, []string{"org1/appUser"}, opener.Opened())
	assert.Equal(t, 1, s.Closed())
	inv := s.Invocations()
	require.Len(t, inv, 1)
	assert.Equal(t, mocksession.Invocation{Channel: "org1-channel", Contract: "share", Fn: "queryShare", Args: []string{"c1", "s1"}}, inv[0])
}

func TestGetAllShares(t *testing.T) {
	s := newTestSession()
	h := newTestServer(&mocksession.MockOpener{Session: s}).Handler()

	for _, path := range []string{"/shares/c1", "/share/c1"} {
		rec := get(t, h, path, "org1")
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.JSONEq(t, `[{"Key":"s1"},{"Key":"s2"}]`, rec.Body.String())
	}
	for _, inv := range s.Invocations() {
		assert.Equal(t, "queryAllShares", inv.Fn)
		assert.Equal(t, []string{"c1", "org1"}, inv.Args, "all records are scoped to the requesting organization")
	}
	assert.Equal(t, 2, s.Closed())
}

func TestGetUnknownShare(t *testing.T) {
	s := newTestSession()
	h := newTestServer(&mocksession.MockOpener{Session: s}).Handler()

	rec := get(t, h, "/shares/c1/nope", "org1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nope does not exist", rec.Body.String())
	assert.Equal(t, 1, s.Closed(), "the session is released on failure")
}

func TestMissingOrgHeader(t *testing.T) {
	opener := &mocksession.MockOpener{Session: newTestSession()}
	h := newTestServer(opener).Handler()

	for _, path := range []string{"/shares/c1/s1", "/channels"} {
		rec := get(t, h, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Contains(t, rec.Body.String(), orgHeader)
	}
	assert.Empty(t, opener.Opened())
}

func TestSessionFailure(t *testing.T) {
	opener := &mocksession.MockOpener{Err: status.New(status.WalletStatus, status.NotFound, `identity "appUser" not found`)}
	h := newTestServer(opener).Handler()

	rec := get(t, h, "/shares/c1/s1", "org2")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, `identity "appUser" not found`, rec.Body.String())
	assert.Equal(t, []string{"org2/appUser"}, opener.Opened())
}

func TestChannelTemplate(t *testing.T) {
	s := newTestSession()
	s.Contracts["c1"] = s.Contracts["org1-channel"]
	cfg := testConfig()
	cfg.ChannelTemplate = "{channel}"
	h := New(cfg, &mocksession.MockOpener{Session: s}, query.New()).Handler()

	rec := get(t, h, "/shares/c1/s1", "org1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", s.Invocations()[0].Channel)
}

func TestGetChannels(t *testing.T) {
	s := newTestSession()
	h := newTestServer(&mocksession.MockOpener{Session: s}).Handler()

	for _, path := range []string{"/channels", "/channel"} {
		rec := get(t, h, path, "org1")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `["A","B","C"]`, rec.Body.String())
		assert.Empty(t, rec.Header().Get(UnreachableHeader))
	}
	assert.Equal(t, 2, s.Closed())
}

func TestGetChannelsPartial(t *testing.T) {
	s := newTestSession()
	s.EndpointList = append(s.EndpointList, "peer2:7051")
	s.ChannelErrs["peer2:7051"] = status.New(status.LedgerStatus, status.Unavailable, "connection refused")
	h := newTestServer(&mocksession.MockOpener{Session: s}).Handler()

	rec := get(t, h, "/channels", "org1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `["A","B","C"]`, rec.Body.String())
	assert.Equal(t, "peer2:7051", rec.Header().Get(UnreachableHeader))

	rec = get(t, h, "/channels?detail=true", "org1")
	require.Equal(t, http.StatusOK, rec.Code)
	var report struct {
		Channels  []string `json:"channels"`
		Endpoints []struct {
			Endpoint string   `json:"endpoint"`
			Channels []string `json:"channels"`
			Error    string   `json:"error"`
		} `json:"endpoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, []string{"A", "B", "C"}, report.Channels)
	require.Len(t, report.Endpoints, 3)
	assert.Equal(t, "peer2:7051", report.Endpoints[2].Endpoint)
	assert.Contains(t, report.Endpoints[2].Error, "connection refused")
}

func TestGetChannelsFailed(t *testing.T) {
	s := newTestSession()
	s.EndpointsErr = status.New(status.LedgerStatus, status.Unavailable, "no peers")
	h := newTestServer(&mocksession.MockOpener{Session: s}).Handler()

	rec := get(t, h, "/channels", "org1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "no peers", rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	m := metrics.New()
	h := newTestServer(&mocksession.MockOpener{Session: newTestSession()}, WithMetrics(m)).Handler()

	rec := get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	get(t, h, "/shares/c1/s1", "org1")

	rec = get(t, h, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `divvy_http_requests_total{code="200",route="/shares/{channel}/{shareKey}"} 1`)
	assert.Contains(t, rec.Body.String(), `divvy_ledger_queries_total{method="queryShare",outcome="OK"} 1`)
}

func TestMetricsDisabled(t *testing.T) {
	h := newTestServer(&mocksession.MockOpener{Session: newTestSession()}).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics", "").Code)
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	h := newTestServer(&mocksession.MockOpener{Session: newTestSession()}, WithAccessLog(&buf)).Handler()

	get(t, h, "/healthz", "")
	assert.Contains(t, buf.String(), `"GET /healthz HTTP/1.1" 200`)
}

func TestRecoversFromPanic(t *testing.T) {
	s := newTestSession()
	s.Contracts["org1-channel"]["share"] = func(string, []string) ([]byte, error) {
		panic("contract exploded")
	}
	srv := newTestServer(&mocksession.MockOpener{Session: s})
	panics := &panicLog{}
	srv.panics = panics

	rec := get(t, srv.Handler(), "/shares/c1/s1", "org1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, s.Closed(), "the session is released when the handler panics")
	require.Len(t, panics.lines, 2)
	assert.Contains(t, panics.lines[0], "contract exploded")
	assert.Contains(t, panics.lines[1], "goroutine", "the stack trace is logged")
}

type panicLog struct {
	lines []string
}

func (l *panicLog) Println(v ...interface{}) {
	l.lines = append(l.lines, fmt.Sprint(v...))
}

func TestServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := newTestServer(&mocksession.MockOpener{Session: newTestSession()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, l) }()

	resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(string(body)))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
