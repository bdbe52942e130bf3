/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/stretchr/testify/assert"
)

var fast = Opts{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2}

func failing(n int, err error) (func() error, *int) {
	calls := 0
	return func() error {
		calls++
		if calls <= n {
			return err
		}
		return nil
	}, &calls
}

func TestInvokeRetriesTransient(t *testing.T) {
	fn, calls := failing(2, status.New(status.LedgerStatus, status.Unavailable, "connection refused"))
	assert.NoError(t, Invoke(context.Background(), fast, fn))
	assert.Equal(t, 3, *calls)
}

func TestInvokeGivesUp(t *testing.T) {
	transient := status.New(status.LedgerStatus, status.NetworkTimeout, "deadline exceeded")
	fn, calls := failing(10, transient)
	assert.Equal(t, transient, Invoke(context.Background(), fast, fn))
	assert.Equal(t, 4, *calls, "first call plus three retries")
}

func TestInvokePermanent(t *testing.T) {
	for _, err := range []error{
		status.New(status.LedgerStatus, status.QueryFailed, "bad request"),
		fmt.Errorf("unknown"),
	} {
		fn, calls := failing(10, err)
		assert.Equal(t, err, Invoke(context.Background(), fast, fn))
		assert.Equal(t, 1, *calls)
	}
}

func TestInvokeNone(t *testing.T) {
	fn, calls := failing(1, status.New(status.LedgerStatus, status.Unavailable, ""))
	assert.Error(t, Invoke(context.Background(), None, fn))
	assert.Equal(t, 1, *calls)
}

func TestInvokeContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := Opts{Attempts: 5, InitialBackoff: time.Hour, BackoffFactor: 1}
	fn, calls := failing(10, status.New(status.LedgerStatus, status.Unavailable, ""))
	assert.Error(t, Invoke(ctx, slow, fn))
	assert.Equal(t, 1, *calls)
}

func TestBackoffPeriod(t *testing.T) {
	o := Opts{InitialBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second, BackoffFactor: 3.34}
	initial := float64(o.InitialBackoff)
	assert.Equal(t, o.InitialBackoff, o.backoff(0), "Expected initial backoff on first attempt")
	assert.Equal(t, time.Duration(initial*3.34), o.backoff(1), "Expected initial backoff multiplied by backoff factor on second attempt")
	assert.Equal(t, time.Duration(initial*3.34*3.34), o.backoff(2), "Expected exponential backoff")
	assert.Equal(t, o.MaxBackoff, o.backoff(3), "Expected max backoff")
}
