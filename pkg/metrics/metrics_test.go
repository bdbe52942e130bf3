/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New()

	m.ObserveCA("enroll", nil)
	m.ObserveCA("enroll", status.New(status.CAServerStatus, status.EnrollmentRejected, "denied"))
	m.ObserveCA("register", nil)
	m.ObserveQuery("queryShare", status.New(status.LedgerStatus, status.QueryFailed, "no share"))
	m.ObserveHTTP("shares", 200, 10*time.Millisecond)
	m.DiscoveryEndpointFailed()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.caRequests.WithLabelValues("enroll", "OK")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.caRequests.WithLabelValues("enroll", "ENROLLMENT_REJECTED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ledgerQueries.WithLabelValues("queryShare", "QUERY_FAILED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.httpRequests.WithLabelValues("shares", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.discoveryFailures))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveCA("enroll", nil)
		m.ObserveQuery("queryShare", nil)
		m.ObserveHTTP("shares", 200, time.Second)
		m.DiscoveryEndpointFailed()
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveCA("register", nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `divvy_ca_requests_total{op="register",outcome="OK"} 1`)
}
