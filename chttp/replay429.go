// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//  http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package chttp

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	cloudant "github.com/cloudant/java-cloudant-sub004"
)

// Defaults for Replay429Config.
const (
	DefaultInitialBackoff = 250 * time.Millisecond
	DefaultMax429Retries  = 3
)

// maxRetryAfter caps the delay honored from a Retry-After header.
const maxRetryAfter = time.Hour

// Replay429Config configures a Replay429Interceptor.
type Replay429Config struct {
	// InitialBackoff is the delay before the first replay. Each further
	// replay doubles the delay.
	InitialBackoff time.Duration `validate:"gte=0"`

	// MaxRetries is the maximum number of replays triggered by this
	// interceptor for one logical request.
	MaxRetries int `validate:"gte=0"`

	// PreferRetryAfter makes the interceptor use the server's Retry-After
	// header, when present, instead of the exponential schedule.
	PreferRetryAfter bool

	// Clock is used to sleep between attempts. Defaults to the real clock.
	Clock clockwork.Clock `validate:"-"`

	// Logger receives debug output.
	Logger logrus.FieldLogger `validate:"-"`
}

// DefaultReplay429Config returns the default configuration: 250ms initial
// backoff, 3 replays, and Retry-After honored.
func DefaultReplay429Config() Replay429Config {
	return Replay429Config{
		InitialBackoff:   DefaultInitialBackoff,
		MaxRetries:       DefaultMax429Retries,
		PreferRetryAfter: true,
	}
}

// Replay429Interceptor replays requests which were rejected with 429 Too
// Many Requests, after an exponentially increasing delay.
type Replay429Interceptor struct {
	key   InterceptorKey
	cfg   Replay429Config
	clock clockwork.Clock
	log   logrus.FieldLogger
}

var _ ResponseInterceptor = (*Replay429Interceptor)(nil)

// NewReplay429Interceptor returns a new Replay429Interceptor.
func NewReplay429Interceptor(cfg Replay429Config) (*Replay429Interceptor, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, &cloudant.Error{Status: http.StatusBadRequest, Message: "invalid 429 replay configuration", Err: err}
	}
	i := &Replay429Interceptor{
		key:   NewInterceptorKey("replay-429"),
		cfg:   cfg,
		clock: cfg.Clock,
		log:   cfg.Logger,
	}
	if i.clock == nil {
		i.clock = clockwork.NewRealClock()
	}
	if i.log == nil {
		i.log = discardLogger()
	}
	return i, nil
}

const (
	stateAttempt = "attempt"
	stateBackoff = "backoff"
)

// newBackOff returns the exponential schedule for one logical request:
// InitialBackoff * 2^n, without jitter or elapsed-time limit.
func (i *Replay429Interceptor) newBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(i.cfg.InitialBackoff),
		backoff.WithMultiplier(2), // nolint:gomnd
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxRetryAfter),
		backoff.WithMaxElapsedTime(0),
	)
}

// InterceptResponse waits and flags the request for replay on a 429
// response, as long as both this interceptor's and the Connection's retry
// allowances permit.
func (i *Replay429Interceptor) InterceptResponse(rc *RequestContext) error {
	resp := rc.Response
	if resp.StatusCode != http.StatusTooManyRequests {
		return nil
	}
	attempt, _ := StateValue[int](rc, i.key, stateAttempt)
	if attempt >= i.cfg.MaxRetries || rc.Connection().RetriesRemaining() <= 0 {
		return nil
	}
	bo, ok := StateValue[*backoff.ExponentialBackOff](rc, i.key, stateBackoff)
	if !ok {
		bo = i.newBackOff()
		rc.SetState(i.key, stateBackoff, bo)
	}
	delay := bo.NextBackOff()
	if i.cfg.PreferRetryAfter {
		if d, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			delay = d
		}
	}
	i.log.WithFields(logrus.Fields{
		"url":     rc.Request.URL.Redacted(),
		"attempt": attempt + 1,
		"delay":   delay,
	}).Debug("too many requests; backing off")

	CloseBody(resp.Body)
	resp.Body = http.NoBody

	select {
	case <-i.clock.After(delay):
	case <-rc.Context().Done():
		return &InterceptorError{
			Status:  http.StatusTooManyRequests,
			Message: fmt.Sprintf("request cancelled during %s backoff", delay),
			Err:     rc.Context().Err(),
		}
	}
	rc.SetState(i.key, stateAttempt, attempt+1)
	rc.SetReplay(true)
	return nil
}

// retryAfter parses a Retry-After header given as an integer number of
// seconds.
func retryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	if secs >= int64(maxRetryAfter/time.Second) {
		return maxRetryAfter, true
	}
	return time.Duration(secs) * time.Second, true
}
