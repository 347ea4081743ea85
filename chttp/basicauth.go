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
	"strings"

	cloudant "github.com/cloudant/java-cloudant-sub004"
)

// basicAuth provides HTTP Basic Auth for a client.
type basicAuth struct {
	Username string
	Password string
}

var (
	_ authenticator      = &basicAuth{}
	_ RequestInterceptor = &basicAuth{}
	_ cloudant.Option    = (*basicAuth)(nil)
)

func (a *basicAuth) Apply(target interface{}) {
	if auth, ok := target.(*authenticator); ok {
		// Clone this so that it's safe to re-use the same option to multiple
		// client connections.
		*auth = &basicAuth{
			Username: a.Username,
			Password: a.Password,
		}
	}
}

func (a *basicAuth) String() string {
	return fmt.Sprintf("[BasicAuth{user:%s,pass:%s}]", a.Username, strings.Repeat("*", len(a.Password)))
}

// InterceptRequest sets HTTP Basic Auth on outbound requests.
func (a *basicAuth) InterceptRequest(rc *RequestContext) error {
	rc.Request.SetBasicAuth(a.Username, a.Password)
	return nil
}

// Authenticate sets HTTP Basic Auth headers for the client.
func (a *basicAuth) Authenticate(c *Client) error {
	c.addInterceptors(a)
	return nil
}

type jwtAuth struct {
	Token string
}

var (
	_ authenticator      = &jwtAuth{}
	_ RequestInterceptor = &jwtAuth{}
	_ cloudant.Option    = (*jwtAuth)(nil)
)

func (a *jwtAuth) Apply(target interface{}) {
	if auth, ok := target.(*authenticator); ok {
		*auth = &jwtAuth{
			Token: a.Token,
		}
	}
}

func (a *jwtAuth) String() string {
	token := a.Token
	const unmaskedLen = 3
	if len(token) > unmaskedLen {
		token = token[:unmaskedLen] + strings.Repeat("*", len(token)-unmaskedLen)
	}
	return fmt.Sprintf("[JWTAuth{token:%s}]", token)
}

// InterceptRequest sets the bearer token.
func (a *jwtAuth) InterceptRequest(rc *RequestContext) error {
	rc.Request.Header.Set("Authorization", "Bearer "+a.Token)
	return nil
}

// Authenticate performs authentication against CouchDB.
func (a *jwtAuth) Authenticate(c *Client) error {
	c.addInterceptors(a)
	return nil
}
