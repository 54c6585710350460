// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import (
	"math"
	"time"
)

// MaxRetryInterval caps the delay of DefaultRetryInterval.
const MaxRetryInterval = 24 * time.Hour

// BackoffFunc returns how long to wait before retrying a job that has
// failed count times. It is configurable per Locker via SetRetryInterval
// and per job class via the RetryInterval class option.
type BackoffFunc func(count int) time.Duration

// DefaultRetryInterval is the default backoff function. It waits
// count^4 + 3 seconds, capped at MaxRetryInterval.
func DefaultRetryInterval(count int) time.Duration {
	if count < 0 {
		count = 0
	}
	secs := math.Pow(float64(count), 4) + 3
	if secs >= MaxRetryInterval.Seconds() {
		return MaxRetryInterval
	}
	return time.Duration(secs * float64(time.Second))
}

// ExponentialBackoff returns a BackoffFunc doubling initial with every
// failure, capped at max.
func ExponentialBackoff(initial, max time.Duration) BackoffFunc {
	return func(count int) time.Duration {
		if count < 1 {
			count = 1
		}
		d := float64(initial) * math.Pow(2, float64(count-1))
		if max > 0 && d >= float64(max) {
			return max
		}
		return time.Duration(d)
	}
}

// ConstantBackoff returns a BackoffFunc that always waits d.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}
