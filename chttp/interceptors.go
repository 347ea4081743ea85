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
	"time"

	"github.com/google/uuid"
)

// TimeoutInterceptor bounds each physical attempt. Connect limits the time
// spent establishing the TCP connection, which requires the client to use a
// transport created by NewTransport. Read limits the time spent waiting for
// the first byte of the response; it does not bound reading the response
// body. Neither spans multiple attempts.
type TimeoutInterceptor struct {
	Connect time.Duration
	Read    time.Duration
}

var _ RequestInterceptor = TimeoutInterceptor{}

// InterceptRequest sets the timeouts for the current attempt.
func (t TimeoutInterceptor) InterceptRequest(rc *RequestContext) error {
	if t.Connect > 0 {
		rc.ConnectTimeout = t.Connect
	}
	if t.Read > 0 {
		rc.ReadTimeout = t.Read
	}
	return nil
}

type userAgentInterceptor struct {
	c *Client
}

func (i userAgentInterceptor) InterceptRequest(rc *RequestContext) error {
	rc.Request.Header.Set("User-Agent", i.c.userAgent())
	return nil
}

// HeaderRequestID is the header used to correlate all attempts of a logical
// request.
const HeaderRequestID = "X-Request-ID"

// RequestIDInterceptor sets the X-Request-ID header. The same ID is sent on
// every attempt of a logical request, so that replays can be correlated in
// server logs. An ID already present on the request is left untouched.
type RequestIDInterceptor struct {
	key InterceptorKey
}

var _ RequestInterceptor = (*RequestIDInterceptor)(nil)

// NewRequestIDInterceptor returns a new RequestIDInterceptor.
func NewRequestIDInterceptor() *RequestIDInterceptor {
	return &RequestIDInterceptor{key: NewInterceptorKey("request-id")}
}

const stateRequestID = "id"

// InterceptRequest sets the request ID header.
func (i *RequestIDInterceptor) InterceptRequest(rc *RequestContext) error {
	if rc.Request.Header.Get(HeaderRequestID) != "" {
		return nil
	}
	id, ok := StateValue[string](rc, i.key, stateRequestID)
	if !ok {
		id = uuid.NewString()
		rc.SetState(i.key, stateRequestID, id)
	}
	rc.Request.Header.Set(HeaderRequestID, id)
	return nil
}
