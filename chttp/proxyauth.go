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
	"crypto/hmac"
	"crypto/sha1" // nolint:gosec
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"

	cloudant "github.com/cloudant/java-cloudant-sub004"
)

type proxyAuth struct {
	Username string
	Secret   string
	Roles    []string
	Headers  http.Header

	once  sync.Once
	token string
}

var (
	_ authenticator      = &proxyAuth{}
	_ RequestInterceptor = &proxyAuth{}
	_ cloudant.Option    = (*proxyAuth)(nil)
)

func (a *proxyAuth) Apply(target interface{}) {
	if auth, ok := target.(*authenticator); ok {
		*auth = &proxyAuth{
			Username: a.Username,
			Secret:   a.Secret,
			Roles:    a.Roles,
			Headers:  a.Headers,
		}
	}
}

func (a *proxyAuth) String() string {
	return fmt.Sprintf("[ProxyAuth{username:%s,secret:%s}]", a.Username, strings.Repeat("*", len(a.Secret)))
}

func (a *proxyAuth) header(header string) string {
	if h := a.Headers.Get(header); h != "" {
		return http.CanonicalHeaderKey(h)
	}
	return header
}

// genToken returns the X-Auth-CouchDB-Token value. See
// https://docs.couchdb.org/en/stable/config/auth.html#couch_httpd_auth/x_auth_token
func (a *proxyAuth) genToken() string {
	if a.Secret == "" {
		return ""
	}
	a.once.Do(func() {
		h := hmac.New(sha1.New, []byte(a.Secret))
		_, _ = h.Write([]byte(a.Username))
		a.token = hex.EncodeToString(h.Sum(nil))
	})
	return a.token
}

// InterceptRequest sets the proxy auth headers.
func (a *proxyAuth) InterceptRequest(rc *RequestContext) error {
	if token := a.genToken(); token != "" {
		rc.Request.Header.Set(a.header("X-Auth-CouchDB-Token"), token)
	}

	rc.Request.Header.Set(a.header("X-Auth-CouchDB-UserName"), a.Username)
	rc.Request.Header.Set(a.header("X-Auth-CouchDB-Roles"), strings.Join(a.Roles, ","))
	return nil
}

// Authenticate allows authentication via ProxyAuth.
func (a *proxyAuth) Authenticate(c *Client) error {
	c.addInterceptors(a)
	return nil
}
