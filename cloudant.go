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

// Package cloudant holds the types shared by the Cloudant/CouchDB HTTP client
// packages. The request pipeline itself lives in the chttp sub-package.
package cloudant

import "strings"

// Version is the version of this library.
const Version = "0.9.0"

// Session cookie names issued by the server.
const (
	// SessionCookieName is the name of the CouchDB session cookie.
	SessionCookieName = "AuthSession"
	// IAMSessionCookieName is the name of the cookie issued by /_iam_session.
	IAMSessionCookieName = "IAMSession"
)

// Option is a client or request option. Each option knows which targets it
// applies to, and silently ignores any others.
type Option interface {
	// Apply applies the option to target, if target is of the expected type.
	Apply(target interface{})
	// String returns a human-readable representation of the option, with any
	// secrets masked.
	String() string
}

// Options combines multiple options into one.
type Options []Option

var _ Option = Options(nil)

// Apply applies each option in turn.
func (o Options) Apply(target interface{}) {
	for _, opt := range o {
		if opt != nil {
			opt.Apply(target)
		}
	}
}

func (o Options) String() string {
	parts := make([]string, 0, len(o))
	for _, opt := range o {
		if opt != nil {
			parts = append(parts, opt.String())
		}
	}
	return strings.Join(parts, ",")
}
