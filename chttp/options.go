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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	cloudant "github.com/cloudant/java-cloudant-sub004"
)

// Options are optional parameters which may be sent with a request.
type Options struct {
	// Accept sets the request's Accept header. Defaults to "application/json".
	// To specify any, use "*/*".
	Accept string

	// ContentType sets the requests's Content-Type header. Defaults to "application/json".
	ContentType string

	// ContentLength, if set, is the length of the body returned by GetBody.
	ContentLength int64

	// Body sets the body of the request. It is buffered in memory, unless it
	// implements io.Seeker, so that it can be replayed.
	Body io.ReadCloser

	// GetBody is a function to set the body, and is called again for every
	// replay. If set, Body is ignored.
	GetBody func() (io.ReadCloser, error)

	// JSON is an arbitrary data type which is marshaled to the request's body.
	// It an error to set both Body and JSON on the same request.
	JSON interface{}

	// FullCommit adds the X-Couch-Full-Commit: true header to requests
	FullCommit bool

	// IfNoneMatch adds the If-None-Match header. The value will be quoted if
	// it is not already.
	IfNoneMatch string

	// Query is appended to the exiting url, if present. If the passed url
	// already contains query parameters, the values in Query are appended.
	// No merging takes place.
	Query url.Values

	// Header is a list of default headers to be set on the request.
	Header http.Header

	// NoGzip disables gzip compression on the request body.
	NoGzip bool

	// Retries, if positive, overrides the client's maximum number of attempts
	// for this request.
	Retries int
}

// NewOptions applies opts to a new Options value.
func NewOptions(opts ...cloudant.Option) *Options {
	o := &Options{}
	cloudant.Options(opts).Apply(o)
	return o
}

func (o *Options) bodySource() (BodySource, error) {
	if o == nil {
		return nil, nil
	}
	switch {
	case o.JSON != nil && (o.Body != nil || o.GetBody != nil):
		return nil, &cloudant.Error{Status: http.StatusBadRequest, Err: errors.New("chttp: both Body and JSON set")}
	case o.GetBody != nil:
		length := o.ContentLength
		if length == 0 {
			length = -1
		}
		return FuncBody(o.GetBody, length), nil
	case o.Body != nil:
		return ReaderBody(o.Body), nil
	case o.JSON != nil:
		return JSONBody(o.JSON), nil
	}
	return nil, nil
}

type optionNoRequestCompression struct{}

var _ cloudant.Option = optionNoRequestCompression{}

func (optionNoRequestCompression) Apply(target interface{}) {
	if client, ok := target.(*Client); ok {
		client.noGzip = true
	}
}

func (optionNoRequestCompression) String() string { return "NoRequestCompression" }

// OptionNoRequestCompression instructs the client not to use gzip
// compression for request bodies sent to the server.
func OptionNoRequestCompression() cloudant.Option {
	return optionNoRequestCompression{}
}

type optionUserAgent string

func (a optionUserAgent) Apply(target interface{}) {
	if client, ok := target.(*Client); ok {
		client.UserAgents = append(client.UserAgents, string(a))
	}
}

func (a optionUserAgent) String() string {
	return fmt.Sprintf("[UserAgent:%s]", string(a))
}

// OptionUserAgent may be passed as an option when creating a client object,
// to append to the default User-Agent header sent on all requests.
func OptionUserAgent(ua string) cloudant.Option {
	return optionUserAgent(ua)
}

type optionFullCommit struct{}

func (optionFullCommit) Apply(target interface{}) {
	if o, ok := target.(*Options); ok {
		o.FullCommit = true
	}
}

func (optionFullCommit) String() string {
	return "[FullCommit]"
}

// OptionFullCommit sets the `X-Couch-Full-Commit` header on the request.
func OptionFullCommit() cloudant.Option {
	return optionFullCommit{}
}

type optionIfNoneMatch string

func (o optionIfNoneMatch) Apply(target interface{}) {
	if opts, ok := target.(*Options); ok {
		opts.IfNoneMatch = string(o)
	}
}

func (o optionIfNoneMatch) String() string {
	return fmt.Sprintf("[If-None-Match: %s]", string(o))
}

// OptionIfNoneMatch sets the `If-None-Match` header on the request.
func OptionIfNoneMatch(value string) cloudant.Option {
	return optionIfNoneMatch(value)
}

type optionRetries int

func (o optionRetries) Apply(target interface{}) {
	switch t := target.(type) {
	case *Client:
		t.retries = int(o)
		if t.retries < 1 {
			t.retries = 1
		}
	case *Options:
		t.Retries = int(o)
	}
}

func (o optionRetries) String() string {
	return fmt.Sprintf("[Retries:%d]", int(o))
}

// OptionRetries sets the maximum number of physical attempts made for a
// single logical request. When passed to [New], it applies to every
// request; it may also be passed to [NewOptions] for a single request.
func OptionRetries(n int) cloudant.Option {
	return optionRetries(n)
}

type optionReplay429 Replay429Config

func (o optionReplay429) Apply(target interface{}) {
	if client, ok := target.(*Client); ok {
		cfg := Replay429Config(o)
		client.replay429 = &cfg
	}
}

func (o optionReplay429) String() string {
	return fmt.Sprintf("[Replay429:initial=%s,max=%d,preferRetryAfter=%t]", o.InitialBackoff, o.MaxRetries, o.PreferRetryAfter)
}

// OptionReplay429 enables replaying of requests rejected with 429 Too Many
// Requests, with the given configuration.
func OptionReplay429(cfg Replay429Config) cloudant.Option {
	return optionReplay429(cfg)
}

type optionTimeouts TimeoutInterceptor

func (o optionTimeouts) Apply(target interface{}) {
	if client, ok := target.(*Client); ok {
		t := TimeoutInterceptor(o)
		client.timeouts = &t
	}
}

func (o optionTimeouts) String() string {
	return fmt.Sprintf("[Timeouts:connect=%s,read=%s]", o.Connect, o.Read)
}

// OptionTimeouts sets the connect and read timeouts applied to every
// physical attempt.
func OptionTimeouts(connect, read time.Duration) cloudant.Option {
	return optionTimeouts{Connect: connect, Read: read}
}

type optionLogger struct {
	log logrus.FieldLogger
}

func (o optionLogger) Apply(target interface{}) {
	if client, ok := target.(*Client); ok && o.log != nil {
		client.log = o.log
	}
}

func (optionLogger) String() string { return "[Logger]" }

// OptionLogger sets the logger used for debug output of the request
// pipeline.
func OptionLogger(log logrus.FieldLogger) cloudant.Option {
	return optionLogger{log: log}
}

type optionRequestID struct{}

func (optionRequestID) Apply(target interface{}) {
	if client, ok := target.(*Client); ok {
		client.requestID = true
	}
}

func (optionRequestID) String() string { return "[RequestID]" }

// OptionRequestID enables the X-Request-ID header, set to the same value on
// every attempt of a logical request.
func OptionRequestID() cloudant.Option {
	return optionRequestID{}
}

type optionInterceptors []interface{}

func (o optionInterceptors) Apply(target interface{}) {
	if client, ok := target.(*Client); ok {
		client.extra = append(client.extra, o...)
	}
}

func (o optionInterceptors) String() string {
	return fmt.Sprintf("[Interceptors:%d]", len(o))
}

// OptionInterceptors adds custom interceptors to every request made by the
// client. Each value must implement RequestInterceptor, ResponseInterceptor,
// or both. They run after the built-in interceptors.
func OptionInterceptors(interceptors ...interface{}) cloudant.Option {
	return optionInterceptors(interceptors)
}

// CookieAuth provides CouchDB [Cookie auth]. Cookie Auth is the default
// authentication method if credentials are included in the connection URL
// passed to [New]. You may also pass this option as an argument to the same
// function, if you need to provide your auth credentials outside of the URL.
//
// [Cookie auth]: http://docs.couchdb.org/en/2.0.0/api/server/authn.html#cookie-authentication
func CookieAuth(username, password string) cloudant.Option {
	return &cookieAuth{
		Username: username,
		Password: password,
	}
}

// IAMAuth provides IAM session authentication, as supported by IBM
// Cloudant.
func IAMAuth(cfg IAMConfig) cloudant.Option {
	return &iamAuth{IAMConfig: cfg}
}

// BasicAuth provides HTTP Basic Auth for a client. Pass this option to [New]
// to use Basic Authentication.
func BasicAuth(username, password string) cloudant.Option {
	return &basicAuth{
		Username: username,
		Password: password,
	}
}

// JWTAuth provides JWT based auth for a client. Pass this option to [New] to
// use JWT authentication
func JWTAuth(token string) cloudant.Option {
	return &jwtAuth{
		Token: token,
	}
}

// ProxyAuth provides support for CouchDB's [proxy authentication]. Pass this
// option to [New] to use proxy authentication.
//
// [proxy authentication]: https://docs.couchdb.org/en/stable/api/server/authn.html#proxy-authentication
func ProxyAuth(username, secret string, roles []string, headers ...map[string]string) cloudant.Option {
	httpHeader := http.Header{}
	for _, h := range headers {
		for k, v := range h {
			httpHeader.Set(k, v)
		}
	}
	return &proxyAuth{
		Username: username,
		Secret:   secret,
		Roles:    roles,
		Headers:  httpHeader,
	}
}
