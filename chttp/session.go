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
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"
)

// errBadCredentials is returned by a session acquisition function when the
// server rejects the credentials outright. It is never retried.
var errBadCredentials = &InterceptorError{
	Status:  http.StatusUnauthorized,
	Message: "session request rejected: bad credentials",
}

// sessionCache holds the cookies of one session interceptor. It is shared by
// every Connection using that interceptor.
//
// The freshness token changes every time the session is (re-)acquired. A
// request records the token in use when it was sent, so that when it fails
// it can tell whether another request has already renewed the session in the
// meantime.
type sessionCache struct {
	mu         sync.RWMutex
	jar        http.CookieJar
	sessionURL *url.URL
	freshness  uuid.UUID
}

func newSessionCache(sessionURL *url.URL) *sessionCache {
	// cookiejar.New never returns an error
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &sessionCache{
		jar:        jar,
		sessionURL: sessionURL,
		freshness:  uuid.New(),
	}
}

// hasSession must be called with mu held.
func (s *sessionCache) hasSession() bool {
	return len(s.jar.Cookies(s.sessionURL)) > 0
}

// cookieHeader returns the Cookie header value for target, and the current
// freshness token.
func (s *sessionCache) cookieHeader(target *url.URL) (string, uuid.UUID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cookies := s.jar.Cookies(target)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; "), s.freshness
}

// ensure acquires a session if none is cached. Concurrent callers wait for
// the first one, and then reuse its session.
func (s *sessionCache) ensure(acquire func() ([]*http.Cookie, error)) error {
	s.mu.RLock()
	ok := s.hasSession()
	s.mu.RUnlock()
	if ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasSession() {
		return nil
	}
	return s.acquireLocked(acquire)
}

// renew replaces the session, unless it has changed since stale was
// observed. It returns true if a network round trip was made.
func (s *sessionCache) renew(stale uuid.UUID, acquire func() ([]*http.Cookie, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freshness != stale && s.hasSession() {
		return false, nil
	}
	return true, s.acquireLocked(acquire)
}

func (s *sessionCache) acquireLocked(acquire func() ([]*http.Cookie, error)) error {
	cookies, err := acquire()
	if err != nil {
		return err
	}
	if len(cookies) == 0 {
		return &InterceptorError{
			Status:  http.StatusBadGateway,
			Message: "session request succeeded, but no session cookie was returned",
		}
	}
	s.jar.SetCookies(s.sessionURL, cookies)
	s.freshness = uuid.New()
	return nil
}

// store records cookies sent by the server on an ordinary response, to track
// server-side rotation of the session cookie.
func (s *sessionCache) store(target *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jar.SetCookies(target, cookies)
}

func isBadCredentials(err error) bool {
	return errors.Is(err, errBadCredentials)
}
