/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package retry repeats operations that fail with a transient status.
// Whether a status is transient is decided by status.Code.Retryable.
package retry

import (
	"context"
	"time"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/hyperledger/fabric-sdk-go/pkg/common/logging"
)

var logger = logging.NewLogger("divvy/retry")

// Opts defines the retry parameters
type Opts struct {
	// Attempts is the number of retries after the first call. Zero disables
	// retries.
	Attempts int `mapstructure:"attempts"`
	// InitialBackoff is the wait before the first retry
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	// MaxBackoff caps every wait
	MaxBackoff time.Duration `mapstructure:"maxBackoff"`
	// BackoffFactor multiplies the wait after every retry. For example, a
	// factor of 2.5 waits InitialBackoff * 2.5 * 2.5 before the third retry.
	BackoffFactor float64 `mapstructure:"backoffFactor"`
}

// None disables retries
var None = Opts{}

// Invoke calls fn until it succeeds, fails with an error that is not
// retryable, the attempts are exhausted or ctx is done. The last error is
// returned.
func Invoke(ctx context.Context, opts Opts, fn func() error) error {
	var err error
	for retries := 0; ; retries++ {
		if err = fn(); err == nil {
			if retries > 0 {
				logger.Debugf("Success on attempt #%d", retries+1)
			}
			return nil
		}
		if retries >= opts.Attempts || !status.CodeOf(err).Retryable() {
			return err
		}

		wait := opts.backoff(retries)
		logger.Debugf("Attempt #%d failed with [%s], retrying in %s", retries+1, err, wait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// backoff returns the wait before retry number retries+1
func (o Opts) backoff(retries int) time.Duration {
	backoff, max := float64(o.InitialBackoff), float64(o.MaxBackoff)
	for j := 0; j < retries && (max <= 0 || backoff < max); j++ {
		backoff *= o.BackoffFactor
	}
	if max > 0 && backoff > max {
		backoff = max
	}
	return time.Duration(backoff)
}
