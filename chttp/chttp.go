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

// Package chttp provides the HTTP request pipeline used to communicate with
// CouchDB and Cloudant servers.
//
// Each logical request is represented by a [Connection]. Executing it runs
// the registered request interceptors, sends the request, and runs the
// response interceptors, which may ask for the request to be replayed, for
// instance after renewing an expired session or backing off from a 429
// response.
package chttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	cloudant "github.com/cloudant/java-cloudant-sub004"
)

const (
	typeJSON = "application/json"
	typeForm = "application/x-www-form-urlencoded"
)

// The default UserAgent values
const (
	UserAgent = "Cloudant chttp"
	Version   = cloudant.Version
)

// authenticator is implemented by the authentication options.
type authenticator interface {
	Authenticate(*Client) error
}

// Client represents a client connection. It embeds an *http.Client
type Client struct {
	// UserAgents is appended to set the User-Agent header. Typically it should
	// contain pairs of product name and version.
	UserAgents []string

	*http.Client

	rawDSN   string
	dsn      *url.URL
	basePath string
	auth     authenticator
	log      logrus.FieldLogger
	retries  int

	timeouts  *TimeoutInterceptor
	requestID bool
	replay429 *Replay429Config
	extra     []interface{}

	interceptors []interface{}

	// noGzip will be set to true if the server fails on gzip-encoded requests.
	noGzip bool
}

// New returns a connection to a remote CouchDB server. If credentials are
// included in the URL, requests will be authenticated using Cookie Auth. To
// use HTTP BasicAuth or some other authentication mechanism, do not specify
// credentials in the URL, and instead pass the appropriate option.
func New(client *http.Client, dsn string, opts ...cloudant.Option) (*Client, error) {
	dsnURL, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Transport: NewTransport(TransportOptions{})}
	}
	user := dsnURL.User
	dsnURL.User = nil
	c := &Client{
		Client:   client,
		dsn:      dsnURL,
		basePath: strings.TrimSuffix(dsnURL.Path, "/"),
		rawDSN:   dsn,
		log:      discardLogger(),
		retries:  DefaultRetries,
		UserAgents: []string{
			fmt.Sprintf("Cloudant/%s", cloudant.Version),
		},
	}
	options := cloudant.Options(opts)
	var auth authenticator
	if user != nil {
		password, _ := user.Password()
		auth = &cookieAuth{
			Username: user.Username(),
			Password: password,
		}
	}
	options.Apply(&auth)
	options.Apply(c)

	c.addInterceptors(userAgentInterceptor{c: c})
	if c.timeouts != nil {
		c.addInterceptors(*c.timeouts)
	}
	if c.requestID {
		c.addInterceptors(NewRequestIDInterceptor())
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return nil, err
		}
	}
	if c.replay429 != nil {
		cfg := *c.replay429
		if cfg.Logger == nil {
			cfg.Logger = c.log
		}
		i, err := NewReplay429Interceptor(cfg)
		if err != nil {
			return nil, err
		}
		c.addInterceptors(i)
	}
	c.addInterceptors(c.extra...)
	return c, nil
}

func parseDSN(dsn string) (*url.URL, error) {
	if dsn == "" {
		return nil, fullError(http.StatusBadRequest, errors.New("no URL specified"))
	}
	if !strings.HasPrefix(dsn, "http://") && !strings.HasPrefix(dsn, "https://") {
		dsn = "http://" + dsn
	}
	dsnURL, err := url.Parse(dsn)
	if err != nil {
		return nil, fullError(http.StatusBadRequest, err)
	}
	if dsnURL.Path == "" {
		dsnURL.Path = "/"
	}
	return dsnURL, nil
}

// DSN returns the unparsed DSN used to connect.
func (c *Client) DSN() string {
	return c.rawDSN
}

// Auth authenticates using the provided authenticator.
func (c *Client) Auth(a authenticator) error {
	if c.auth != nil {
		return errors.New("auth already set")
	}
	if err := a.Authenticate(c); err != nil {
		return err
	}
	c.auth = a
	return nil
}

// SessionInterceptor returns the client's cookie session interceptor, or nil
// if the client does not use session authentication.
func (c *Client) SessionInterceptor() *CookieSessionInterceptor {
	for _, i := range c.interceptors {
		if s, ok := i.(*CookieSessionInterceptor); ok {
			return s
		}
	}
	return nil
}

func (c *Client) addInterceptors(interceptors ...interface{}) {
	c.interceptors = append(c.interceptors, interceptors...)
}

// endpoint returns the absolute URL of path on the server.
func (c *Client) endpoint(path string) *url.URL {
	u := *c.dsn
	u.Path = c.path(path)
	u.RawPath = ""
	u.RawQuery = ""
	return &u
}

func (c *Client) path(path string) string {
	if c.basePath != "" {
		return c.basePath + "/" + strings.TrimPrefix(path, "/")
	}
	return path
}

// fullPathMatches returns true if the target resolves to match path.
func (c *Client) fullPathMatches(path, target string) bool {
	p, err := url.Parse(path)
	if err != nil {
		// should be impossible
		return false
	}
	p.RawQuery = ""
	t := new(url.URL)
	*t = *c.dsn // shallow copy
	t.Path = c.path(target)
	t.RawQuery = ""
	return t.String() == p.String()
}

// NewConnection returns a new Connection to the CouchDB server, for the
// specified path, carrying all of the client's interceptors. The host,
// schema, etc, of the specified path are ignored.
func (c *Client) NewConnection(method, path string, opts *Options) (*Connection, error) {
	reqPath, err := url.Parse(c.path(path))
	if err != nil {
		return nil, fullError(http.StatusBadRequest, err)
	}
	u := *c.dsn // Make a copy
	u.Path = reqPath.Path
	u.RawPath = reqPath.RawPath
	u.RawQuery = reqPath.RawQuery
	setQuery(&u, opts)

	conn := NewConnection(c.Client, method, &u)
	conn.SetLogger(c.log)
	conn.SetRetries(c.retries)
	if opts != nil && opts.Retries > 0 {
		conn.SetRetries(opts.Retries)
	}
	setHeaders(conn, opts)
	body, err := opts.bodySource()
	if err != nil {
		return nil, err
	}
	if body != nil && c.shouldCompressBody(u.String(), opts) {
		body = gzipBody{src: body}
		conn.Header.Set("Content-Encoding", "gzip")
	}
	conn.Body = body
	conn.AddInterceptors(c.interceptors...)
	return conn, nil
}

func (c *Client) shouldCompressBody(path string, opts *Options) bool {
	if c.noGzip || (opts != nil && opts.NoGzip) {
		return false
	}
	// /_session only supports compression from CouchDB 3.2.
	for _, target := range []string{"/_session", "/_iam_session"} {
		if c.fullPathMatches(path, target) {
			return false
		}
	}
	return true
}

// DoReq does an HTTP request. An error is returned only if there was an error
// processing the request. In particular, an error status code, such as 400
// or 500, does _not_ cause an error to be returned.
func (c *Client) DoReq(ctx context.Context, method, path string, opts *Options) (*http.Response, error) {
	if method == "" {
		return nil, errors.New("chttp: method required")
	}
	conn, err := c.NewConnection(method, path, opts)
	if err != nil {
		return nil, err
	}
	return conn.Execute(ctx)
}

// DoError is the same as DoReq(), followed by checking the response error. This
// method is meant for cases where the only information you need from the
// response is the status code. It unconditionally closes the response body.
func (c *Client) DoError(ctx context.Context, method, path string, opts *Options) (*http.Response, error) {
	res, err := c.DoReq(ctx, method, path, opts)
	if err != nil {
		return res, err
	}
	if res.Body != nil {
		defer CloseBody(res.Body)
	}
	err = ResponseError(res)
	return res, err
}

// DoJSON combines [Client.DoReq], [ResponseError], and [DecodeJSON], and
// closes the response body.
func (c *Client) DoJSON(ctx context.Context, method, path string, opts *Options, i interface{}) error {
	res, err := c.DoReq(ctx, method, path, opts)
	if err != nil {
		return err
	}
	if res.Body != nil {
		defer CloseBody(res.Body)
	}
	if err = ResponseError(res); err != nil {
		return err
	}
	return DecodeJSON(res, i)
}

// DecodeJSON unmarshals the response body into i. This method consumes and
// closes the response body.
func DecodeJSON(r *http.Response, i interface{}) error {
	defer CloseBody(r.Body)
	if err := json.NewDecoder(r.Body).Decode(i); err != nil {
		return &cloudant.Error{Status: http.StatusBadGateway, Err: err}
	}
	return nil
}

func setHeaders(conn *Connection, opts *Options) {
	accept := typeJSON
	contentType := typeJSON
	if opts != nil {
		if opts.Accept != "" {
			accept = opts.Accept
		}
		if opts.ContentType != "" {
			contentType = opts.ContentType
		}
		if opts.FullCommit {
			conn.Header.Add("X-Couch-Full-Commit", "true")
		}
		if opts.IfNoneMatch != "" {
			inm := "\"" + strings.Trim(opts.IfNoneMatch, "\"") + "\""
			conn.Header.Set("If-None-Match", inm)
		}
		for k, v := range opts.Header {
			if _, ok := conn.Header[k]; !ok {
				conn.Header[k] = v
			}
		}
	}
	conn.Header.Set("Accept", accept)
	conn.ContentType = contentType
}

func setQuery(u *url.URL, opts *Options) {
	if opts == nil || len(opts.Query) == 0 {
		return
	}
	if u.RawQuery == "" {
		u.RawQuery = opts.Query.Encode()
		return
	}
	u.RawQuery = strings.Join([]string{u.RawQuery, opts.Query.Encode()}, "&")
}

// ETag returns the unquoted ETag value, and a bool indicating whether it was
// found.
func ETag(resp *http.Response) (string, bool) {
	if resp == nil {
		return "", false
	}
	etag, ok := resp.Header["Etag"]
	if !ok {
		etag, ok = resp.Header["ETag"] // nolint: staticcheck
	}
	if !ok {
		return "", false
	}
	return strings.Trim(etag[0], `"`), ok
}

// GetRev extracts the revision from the response's Etag header, or failing
// that, from the `_rev` field of the body.
func GetRev(resp *http.Response) (rev string, err error) {
	if err = ResponseError(resp); err != nil {
		return "", err
	}
	rev, ok := ETag(resp)
	if ok {
		return rev, nil
	}
	return extractRev(resp)
}

// extractRev reads the `_rev` field from the body, restoring resp.Body
// afterwards so that normal decoding can take place.
func extractRev(resp *http.Response) (string, error) {
	if resp == nil || resp.Request == nil || resp.Request.Method == http.MethodHead {
		return "", errors.New("unable to determine document revision")
	}
	buf := &bytes.Buffer{}
	r := io.TeeReader(resp.Body, buf)
	defer func() {
		// Restore the original resp.Body
		resp.Body = struct {
			io.Reader
			io.Closer
		}{
			Reader: io.MultiReader(buf, resp.Body),
			Closer: resp.Body,
		}
	}()
	rev, err := readRev(r)
	if err != nil {
		return "", fmt.Errorf("unable to determine document revision: %w", err)
	}
	return rev, nil
}

// readRev searches r for a `_rev` field, and returns its value without reading
// the rest of the JSON stream.
func readRev(r io.Reader) (string, error) {
	dec := json.NewDecoder(r)
	tk, err := dec.Token()
	if err != nil {
		return "", err
	}
	if tk != json.Delim('{') {
		return "", fmt.Errorf("Expected %q token, found %q", '{', tk)
	}
	for dec.More() {
		tk, err = dec.Token()
		if err != nil {
			return "", err
		}
		if tk == "_rev" {
			tk, err = dec.Token()
			if err != nil {
				return "", err
			}
			if value, ok := tk.(string); ok {
				return value, nil
			}
			return "", fmt.Errorf("found %q in place of _rev value", tk)
		}
	}

	return "", errors.New("_rev key not found in response body")
}

func (c *Client) userAgent() string {
	ua := fmt.Sprintf("%s/%s (Language=%s; Platform=%s/%s)",
		UserAgent, Version, runtime.Version(), runtime.GOARCH, runtime.GOOS)
	return strings.Join(append([]string{ua}, c.UserAgents...), " ")
}
