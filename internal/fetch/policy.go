// Copyright (C) 2025 TG Studio
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package fetch

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the retry behavior of the fetch client. The zero
// value is not useful; start from DefaultRetryPolicy and override per
// source.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// Multiplier scales the delay after each retry.
	Multiplier float64
	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration
}

// DefaultRetryPolicy matches the source defaults: three retries,
// one second base delay doubling per attempt, capped at thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   30 * time.Second,
	}
}

// WithMaxRetries returns a copy of the policy with the retry count
// replaced. Values below zero are clamped to zero.
func (p RetryPolicy) WithMaxRetries(n int) RetryPolicy {
	p.MaxRetries = max(n, 0)
	return p
}

func (p RetryPolicy) maxTries() uint {
	return uint(max(p.MaxRetries, 0)) + 1
}

// backOff builds the delay schedule. Randomization is disabled so the
// schedule is exactly base, base*multiplier, ... capped at MaxDelay.
func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0
	return b
}

// Schedule returns the first n retry delays the policy would produce.
// Exposed so the bounds can be asserted without any network involved.
func (p RetryPolicy) Schedule(n int) []time.Duration {
	b := p.backOff()
	delays := make([]time.Duration, 0, n)
	for range n {
		delays = append(delays, b.NextBackOff())
	}
	return delays
}

// retryableStatus reports whether an HTTP status counts as transient:
// 429 plus the retryable 5xx family. Other 4xx fail immediately.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
