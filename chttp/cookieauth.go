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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/ajg/form"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	cloudant "github.com/cloudant/java-cloudant-sub004"
)

// DefaultMaxRenewals is the default number of times a session may be renewed
// during a single logical request.
const DefaultMaxRenewals = 1

var credentialsExpiredRE = regexp.MustCompile(`(?si)"error"\s*:\s*"credentials_expired"`)

// Per-request state keys used by CookieSessionInterceptor.
const (
	stateFreshness      = "freshness"
	stateRenewals       = "renewals"
	stateBadCredentials = "bad-credentials"
)

// acquireFunc obtains a new session for the request in rc, and returns the
// cookies to store.
type acquireFunc func(rc *RequestContext) ([]*http.Cookie, error)

// CookieSessionInterceptor attaches session cookies to requests, and renews
// the session transparently when the server reports it as invalid or
// expired. A single instance may be shared by any number of concurrent
// Connections; at most one of them renews the session at any time, and the
// others reuse the result.
type CookieSessionInterceptor struct {
	key         InterceptorKey
	cache       *sessionCache
	acquire     acquireFunc
	maxRenewals int
	log         logrus.FieldLogger
}

var (
	_ RequestInterceptor  = (*CookieSessionInterceptor)(nil)
	_ ResponseInterceptor = (*CookieSessionInterceptor)(nil)
)

func newCookieSessionInterceptor(name string, sessionURL *url.URL, acquire acquireFunc) *CookieSessionInterceptor {
	return &CookieSessionInterceptor{
		key:         NewInterceptorKey(name),
		cache:       newSessionCache(sessionURL),
		acquire:     acquire,
		maxRenewals: DefaultMaxRenewals,
		log:         discardLogger(),
	}
}

// SetLogger sets the logger used for debug output.
func (i *CookieSessionInterceptor) SetLogger(log logrus.FieldLogger) {
	if log != nil {
		i.log = log
	}
}

// SetMaxRenewals sets how many times the session may be renewed for a
// single logical request, before an unauthorized response is passed through
// to the caller.
func (i *CookieSessionInterceptor) SetMaxRenewals(n int) {
	i.maxRenewals = n
}

// SessionURL returns the URL of the session endpoint.
func (i *CookieSessionInterceptor) SessionURL() *url.URL {
	u := *i.cache.sessionURL
	return &u
}

// Cookies returns the cookies currently stored for u.
func (i *CookieSessionInterceptor) Cookies(u *url.URL) []*http.Cookie {
	i.cache.mu.RLock()
	defer i.cache.mu.RUnlock()
	return i.cache.jar.Cookies(u)
}

// InterceptRequest acquires a session if there is none yet, and sets the
// Cookie header.
func (i *CookieSessionInterceptor) InterceptRequest(rc *RequestContext) error {
	if bad, _ := StateValue[bool](rc, i.key, stateBadCredentials); !bad {
		err := i.cache.ensure(func() ([]*http.Cookie, error) {
			i.log.WithField("url", i.cache.sessionURL.Redacted()).Debug("requesting session")
			return i.acquire(rc)
		})
		switch {
		case isBadCredentials(err):
			i.log.WithField("url", i.cache.sessionURL.Redacted()).Warn("session credentials rejected; continuing without session")
			rc.SetState(i.key, stateBadCredentials, true)
		case err != nil:
			return err
		}
	}
	header, freshness := i.cache.cookieHeader(rc.Request.URL)
	rc.SetState(i.key, stateFreshness, freshness)
	if header != "" {
		rc.Request.Header.Set("Cookie", header)
	}
	return nil
}

// InterceptResponse renews the session and flags the request for replay when
// the server rejects the session. Other responses are checked for rotated
// session cookies.
func (i *CookieSessionInterceptor) InterceptResponse(rc *RequestContext) error {
	resp := rc.Response
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		i.cache.store(rc.Request.URL, resp.Cookies())
		return nil
	}
	body, err := readAndRestore(resp)
	if err != nil {
		return &InterceptorError{Status: resp.StatusCode, Message: "failed to read error response", Err: err}
	}
	if resp.StatusCode == http.StatusForbidden && !credentialsExpiredRE.MatchString(body) {
		return &InterceptorError{
			Status:          http.StatusForbidden,
			DeserializeBody: true,
			Message:         body,
		}
	}
	if bad, _ := StateValue[bool](rc, i.key, stateBadCredentials); bad {
		return nil
	}
	renewals, _ := StateValue[int](rc, i.key, stateRenewals)
	if renewals >= i.maxRenewals {
		i.log.WithField("status", resp.StatusCode).Debug("session renewal allowance exhausted")
		return nil
	}
	stale, _ := StateValue[uuid.UUID](rc, i.key, stateFreshness)
	renewed, err := i.cache.renew(stale, func() ([]*http.Cookie, error) {
		i.log.WithFields(logrus.Fields{
			"url":    i.cache.sessionURL.Redacted(),
			"status": resp.StatusCode,
		}).Debug("renewing session")
		return i.acquire(rc)
	})
	switch {
	case isBadCredentials(err):
		rc.SetState(i.key, stateBadCredentials, true)
		return nil
	case err != nil:
		return err
	}
	if !renewed {
		i.log.Debug("session already renewed by another request")
	}
	rc.SetState(i.key, stateRenewals, renewals+1)
	rc.SetReplay(true)
	return nil
}

// sessionConnection returns a Connection to target, carrying the
// interceptors of the original request, except for the session interceptor
// itself.
func (i *CookieSessionInterceptor) sessionConnection(rc *RequestContext, target *url.URL) *Connection {
	orig := rc.Connection()
	conn := NewConnection(orig.client, http.MethodPost, target)
	conn.SetLogger(orig.log)
	for _, ri := range orig.requestInterceptors {
		if ri != RequestInterceptor(i) {
			conn.AddRequestInterceptors(ri)
		}
	}
	for _, ri := range orig.responseInterceptors {
		if ri != ResponseInterceptor(i) {
			conn.AddResponseInterceptors(ri)
		}
	}
	return conn
}

// postSession sends a session request, and returns the cookies set by a
// successful response.
func postSession(ctx context.Context, conn *Connection) ([]*http.Cookie, error) {
	conn.Header.Set("Accept", typeJSON)
	resp, err := conn.Execute(ctx)
	if err != nil {
		return nil, &InterceptorError{Message: "session request failed", Err: err}
	}
	defer CloseBody(resp.Body)
	if err := sessionResponseError(resp); err != nil {
		return nil, err
	}
	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &InterceptorError{Status: http.StatusBadGateway, Message: "invalid session response", Err: err}
	}
	if !result.OK {
		return nil, &InterceptorError{Status: http.StatusBadGateway, Message: "session response did not indicate success"}
	}
	return resp.Cookies(), nil
}

// sessionResponseError maps a failed session or token response to an error.
func sessionResponseError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errBadCredentials
	case resp.StatusCode < 200 || resp.StatusCode >= 300: // nolint:gomnd
		body, _ := readAndRestore(resp)
		return &InterceptorError{
			Status:          resp.StatusCode,
			DeserializeBody: true,
			Message:         strings.TrimSpace(body),
		}
	}
	return nil
}

// cookieAuth provides CouchDB Cookie auth services as described at
// http://docs.couchdb.org/en/2.0.0/api/server/authn.html#cookie-authentication
type cookieAuth struct {
	Username string `form:"name"`
	Password string `form:"password"`
}

var (
	_ authenticator   = &cookieAuth{}
	_ cloudant.Option = (*cookieAuth)(nil)
)

func (a *cookieAuth) Apply(target interface{}) {
	if auth, ok := target.(*authenticator); ok {
		// Clone this so that it's safe to re-use the same option to multiple
		// client connections.
		*auth = &cookieAuth{
			Username: a.Username,
			Password: a.Password,
		}
	}
}

func (a *cookieAuth) String() string {
	return fmt.Sprintf("[CookieAuth{user:%s,pass:%s}]", a.Username, strings.Repeat("*", len(a.Password)))
}

// Authenticate installs a CouchDB session interceptor on the client.
func (a *cookieAuth) Authenticate(c *Client) error {
	i := NewCouchSessionInterceptor(c.endpoint("/_session"), a.Username, a.Password)
	i.SetLogger(c.log)
	c.addInterceptors(i)
	return nil
}

// NewCouchSessionInterceptor returns a session interceptor which logs in by
// POSTing username and password to sessionURL, normally the server's
// /_session endpoint, and uses the AuthSession cookie.
func NewCouchSessionInterceptor(sessionURL *url.URL, username, password string) *CookieSessionInterceptor {
	creds := cookieAuth{Username: username, Password: password}
	var i *CookieSessionInterceptor
	i = newCookieSessionInterceptor("couch-session", sessionURL, func(rc *RequestContext) ([]*http.Cookie, error) {
		body, err := form.EncodeToString(creds)
		if err != nil {
			return nil, &InterceptorError{Status: http.StatusBadRequest, Message: "unable to encode credentials", Err: err}
		}
		conn := i.sessionConnection(rc, sessionURL)
		conn.ContentType = typeForm
		conn.Body = StringBody(body)
		return postSession(rc.Context(), conn)
	})
	return i
}
