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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	cloudant "github.com/cloudant/java-cloudant-sub004"
)

// DefaultRetries is the default maximum number of physical attempts made for
// one logical request.
const DefaultRetries = 10

// Connection represents one logical HTTP request. Executing it may result in
// several physical attempts, when a response interceptor asks for the
// request to be replayed.
//
// A Connection is not safe for concurrent use, and must not be executed more
// than once.
type Connection struct {
	// Method is the HTTP method.
	Method string

	// URL is the target URL. If it contains user credentials, they are
	// removed and sent as HTTP Basic Auth instead.
	URL *url.URL

	// ContentType, if set, is sent as the Content-Type header.
	ContentType string

	// Header contains static headers, applied to each attempt before the
	// request interceptors run. Interceptors may override them.
	Header http.Header

	// Body is the request body, or nil.
	Body BodySource

	client *http.Client
	log    logrus.FieldLogger
	clock  clockwork.Clock

	retries  int
	attempts int
	executed int32
	urlAuth  bool

	requestInterceptors  []RequestInterceptor
	responseInterceptors []ResponseInterceptor
}

// NewConnection returns a new Connection which sends requests with client.
// If client is nil, http.DefaultClient is used.
func NewConnection(client *http.Client, method string, target *url.URL) *Connection {
	if client == nil {
		client = http.DefaultClient
	}
	u := *target
	if target.User != nil {
		user := *target.User
		u.User = &user
	}
	return &Connection{
		Method:  method,
		URL:     &u,
		Header:  http.Header{},
		client:  client,
		log:     discardLogger(),
		clock:   clockwork.NewRealClock(),
		retries: DefaultRetries,
	}
}

// AddRequestInterceptors appends interceptors to the request interceptor
// list. They run in the order added.
func (c *Connection) AddRequestInterceptors(interceptors ...RequestInterceptor) {
	c.requestInterceptors = append(c.requestInterceptors, interceptors...)
}

// AddResponseInterceptors appends interceptors to the response interceptor
// list. They run in the order added.
func (c *Connection) AddResponseInterceptors(interceptors ...ResponseInterceptor) {
	c.responseInterceptors = append(c.responseInterceptors, interceptors...)
}

// AddInterceptors adds each of interceptors to the request and/or response
// interceptor list, according to the interfaces it implements.
func (c *Connection) AddInterceptors(interceptors ...interface{}) {
	reqs, resps := splitInterceptors(interceptors)
	c.AddRequestInterceptors(reqs...)
	c.AddResponseInterceptors(resps...)
}

// SetRetries sets the maximum number of physical attempts. Values below 1
// are treated as 1.
func (c *Connection) SetRetries(n int) {
	if n < 1 {
		n = 1
	}
	c.retries = n
}

// SetLogger sets the logger used for debug output.
func (c *Connection) SetLogger(log logrus.FieldLogger) {
	if log != nil {
		c.log = log
	}
}

// RetriesRemaining returns the number of attempts that may still be made
// after the current one.
func (c *Connection) RetriesRemaining() int {
	return c.retries
}

// Attempts returns the number of physical attempts made so far.
func (c *Connection) Attempts() int {
	return c.attempts
}

// Execute sends the request, replaying it as long as a response interceptor
// asks for it and the retry budget allows. The returned response is the one
// from the last attempt, whatever its status code. An error is returned
// only for transport failures, or when an interceptor aborts the request.
func (c *Connection) Execute(ctx context.Context) (*http.Response, error) {
	if c.Method == "" {
		return nil, errors.New("chttp: method required")
	}
	if c.URL == nil {
		return nil, &cloudant.Error{Status: http.StatusBadRequest, Message: "chttp: URL required"}
	}
	if !atomic.CompareAndSwapInt32(&c.executed, 0, 1) {
		return nil, errors.New("chttp: connection already executed")
	}
	c.installURLAuth()

	var rc *RequestContext
	for {
		c.retries--
		c.attempts++

		req, err := c.newRequest(ctx)
		if err != nil {
			return nil, err
		}
		if rc == nil {
			rc = newRequestContext(c, req)
		} else {
			rc = rc.next(req)
		}

		for _, ri := range c.requestInterceptors {
			if err := ri.InterceptRequest(rc); err != nil {
				return nil, interceptorFailure(err)
			}
		}
		if err := c.setBody(rc.Request); err != nil {
			return nil, err
		}

		resp, err := c.do(rc)
		if err != nil {
			return nil, err
		}
		rc.Response = resp

		for _, ri := range c.responseInterceptors {
			if err := ri.InterceptResponse(rc); err != nil {
				if rc.Response != nil && rc.Response.Body != nil {
					CloseBody(rc.Response.Body)
				}
				return nil, interceptorFailure(err)
			}
		}

		if !rc.Replay() || c.retries <= 0 {
			if rc.Replay() {
				c.log.WithFields(c.logFields(rc)).Debug("replay requested, but no retries remain")
			}
			return rc.Response, nil
		}
		c.log.WithFields(c.logFields(rc)).Debug("replaying request")
		if rc.Response.Body != nil {
			CloseBody(rc.Response.Body)
		}
	}
}

func (c *Connection) logFields(rc *RequestContext) logrus.Fields {
	f := logrus.Fields{
		"method":  c.Method,
		"url":     c.URL.Redacted(),
		"attempt": rc.Attempt(),
	}
	if rc.Response != nil {
		f["status"] = rc.Response.StatusCode
	}
	return f
}

// installURLAuth moves credentials embedded in the URL to a basic auth
// interceptor at the front of the request interceptor list.
func (c *Connection) installURLAuth() {
	if c.urlAuth || c.URL.User == nil {
		return
	}
	c.urlAuth = true
	password, _ := c.URL.User.Password()
	auth := &basicAuth{
		Username: c.URL.User.Username(),
		Password: password,
	}
	c.URL.User = nil
	c.requestInterceptors = append([]RequestInterceptor{auth}, c.requestInterceptors...)
}

func (c *Connection) newRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL.String(), nil)
	if err != nil {
		return nil, &cloudant.Error{Status: http.StatusBadRequest, Err: err}
	}
	u := *c.URL
	req.URL = &u
	for k, v := range c.Header {
		req.Header[k] = append([]string(nil), v...)
	}
	if c.ContentType != "" {
		req.Header.Set("Content-Type", c.ContentType)
	}
	return req, nil
}

// setBody attaches a fresh reader for the body to req. A known length is
// sent with a Content-Length header, an unknown one with chunked encoding.
func (c *Connection) setBody(req *http.Request) error {
	if c.Body == nil {
		return nil
	}
	body, err := c.Body.Reader()
	if err != nil {
		return &cloudant.Error{Status: http.StatusBadRequest, Message: "chttp: unable to read request body", Err: err}
	}
	switch n := c.Body.Len(); {
	case n == 0:
		_ = body.Close()
		req.Body = http.NoBody
		req.ContentLength = 0
	case n > 0:
		req.Body = body
		req.ContentLength = n
	default:
		req.Body = body
		req.ContentLength = -1
	}
	req.GetBody = c.Body.Reader
	return nil
}

// do performs a single round trip, honoring the attempt's timeouts. The read
// timeout covers the wait for the first byte of the response; once it has
// arrived, the timeout can no longer cancel the attempt, and reading the body
// is bounded only by the request's own context.
func (c *Connection) do(rc *RequestContext) (*http.Response, error) {
	req := rc.Request
	ctx := req.Context()
	if rc.ConnectTimeout > 0 {
		ctx = withConnectTimeout(ctx, rc.ConnectTimeout)
	}
	ctx, cancel := context.WithCancel(ctx)

	var (
		mu       sync.Mutex
		answered bool
		expired  bool
	)
	var timer clockwork.Timer
	if rc.ReadTimeout > 0 {
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			GotFirstResponseByte: func() {
				mu.Lock()
				answered = true
				mu.Unlock()
			},
		})
		timer = c.clock.AfterFunc(rc.ReadTimeout, func() {
			mu.Lock()
			defer mu.Unlock()
			if !answered {
				expired = true
				cancel()
			}
		})
	}
	resp, err := c.client.Do(req.WithContext(ctx))
	if timer != nil {
		timer.Stop()
	}
	mu.Lock()
	answered = true
	timedOut := expired
	mu.Unlock()

	if timedOut {
		if err == nil {
			CloseBody(resp.Body)
			err = context.Canceled
		}
		cancel()
		return nil, fullError(http.StatusGatewayTimeout,
			fmt.Errorf("no response within %s: %w", rc.ReadTimeout, err))
	}
	if err != nil {
		cancel()
		return nil, netError(err)
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelBody releases the attempt's context when the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// CloseBody drains and closes a response body, so that the underlying
// connection may be reused.
func CloseBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
