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

// Package nettest starts HTTP test servers which are shut down automatically
// when the calling test completes.
package nettest

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// NewHTTPTestServer wraps [httptest.NewServer].
func NewHTTPTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(handler)
	t.Cleanup(s.Close)
	return s
}

// NewTLSTestServer wraps [httptest.NewTLSServer]. The server's certificate is
// self-signed; use the returned server's Client or Certificate to trust it.
func NewTLSTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	s := httptest.NewTLSServer(handler)
	t.Cleanup(s.Close)
	return s
}
