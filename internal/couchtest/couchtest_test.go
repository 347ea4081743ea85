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

package couchtest

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gitlab.com/flimzy/testy"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	s := New(t)
	s.AddUser("bob", "abc123")
	s.AddAPIKey("key123", "bob")
	return s
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Jar: jar}
}

func do(t *testing.T, c *http.Client, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	if req.Method != http.MethodHead {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode, body
}

func newRequest(t *testing.T, method, target, contentType, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, target, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func TestPostSession(t *testing.T) {
	type tt struct {
		contentType string
		body        string
		status      int
		want        map[string]interface{}
	}

	tests := testy.NewTable()
	tests.Add("form", tt{
		contentType: "application/x-www-form-urlencoded",
		body:        url.Values{"name": {"bob"}, "password": {"abc123"}}.Encode(),
		status:      http.StatusOK,
		want:        map[string]interface{}{"ok": true, "name": "bob", "roles": []interface{}{}},
	})
	tests.Add("json", tt{
		contentType: typeJSON,
		body:        `{"name":"bob","password":"abc123"}`,
		status:      http.StatusOK,
		want:        map[string]interface{}{"ok": true, "name": "bob", "roles": []interface{}{}},
	})
	tests.Add("bad password", tt{
		contentType: typeJSON,
		body:        `{"name":"bob","password":"wrong"}`,
		status:      http.StatusUnauthorized,
		want:        map[string]interface{}{"error": "unauthorized", "reason": "Name or password is incorrect."},
	})
	tests.Add("no name", tt{
		contentType: typeJSON,
		body:        `{"password":"abc123"}`,
		status:      http.StatusBadRequest,
		want:        map[string]interface{}{"error": "bad_request", "reason": "request body must contain a username"},
	})
	tests.Add("bad content type", tt{
		contentType: "text/plain",
		body:        "bob",
		status:      http.StatusUnsupportedMediaType,
		want:        map[string]interface{}{"error": "bad_content_type", "reason": "Content-Type must be 'application/x-www-form-urlencoded' or 'application/json'"},
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		s := newServer(t)
		status, body := do(t, newClient(t), newRequest(t, http.MethodPost, s.URL+"/_session", tt.contentType, tt.body))
		if status != tt.status {
			t.Errorf("Unexpected status: %d", status)
		}
		if d := cmp.Diff(tt.want, body); d != "" {
			t.Error(d)
		}
	})
}

func TestSessionCookie(t *testing.T) {
	s := newServer(t)
	c := newClient(t)

	status, _ := do(t, c, newRequest(t, http.MethodGet, s.URL+"/", "", ""))
	if status != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", status)
	}

	do(t, c, newRequest(t, http.MethodPost, s.URL+"/_session", typeJSON, `{"name":"bob","password":"abc123"}`))
	status, body := do(t, c, newRequest(t, http.MethodGet, s.URL+"/_session", "", ""))
	if status != http.StatusOK {
		t.Fatalf("Unexpected status: %d", status)
	}
	want := map[string]interface{}{
		"ok":      true,
		"userCtx": map[string]interface{}{"name": "bob", "roles": []interface{}{}},
	}
	if d := cmp.Diff(want, body); d != "" {
		t.Error(d)
	}

	s.ExpireSessions(http.StatusForbidden)
	status, body = do(t, c, newRequest(t, http.MethodGet, s.URL+"/", "", ""))
	if status != http.StatusForbidden || body["error"] != "credentials_expired" {
		t.Errorf("Unexpected response to expired session: %d %v", status, body)
	}

	s.ExpireSessions(http.StatusUnauthorized)
	status, _ = do(t, c, newRequest(t, http.MethodGet, s.URL+"/", "", ""))
	if status != http.StatusUnauthorized {
		t.Errorf("Unexpected response to expired session: %d", status)
	}
}

func TestBasicAuth(t *testing.T) {
	type tt struct {
		user, password string
		status         int
	}

	tests := testy.NewTable()
	tests.Add("valid", tt{user: "bob", password: "abc123", status: http.StatusOK})
	tests.Add("wrong password", tt{user: "bob", password: "nope", status: http.StatusUnauthorized})
	tests.Add("unknown user", tt{user: "alice", password: "abc123", status: http.StatusUnauthorized})

	tests.Run(t, func(t *testing.T, tt tt) {
		s := newServer(t)
		req := newRequest(t, http.MethodGet, s.URL+"/", "", "")
		req.SetBasicAuth(tt.user, tt.password)
		status, _ := do(t, http.DefaultClient, req)
		if status != tt.status {
			t.Errorf("Unexpected status: %d", status)
		}
	})
}

func TestIAMFlow(t *testing.T) {
	s := newServer(t)
	c := newClient(t)

	form := url.Values{
		"grant_type":    {"urn:ibm:params:oauth:grant-type:apikey"},
		"response_type": {"cloud_iam"},
		"apikey":        {"key123"},
	}.Encode()
	status, token := do(t, c, newRequest(t, http.MethodPost, s.TokenURL(), "application/x-www-form-urlencoded", form))
	if status != http.StatusOK {
		t.Fatalf("Unexpected token status: %d", status)
	}
	accessToken, _ := token["access_token"].(string)
	if accessToken == "" {
		t.Fatalf("No access token in %v", token)
	}

	status, _ = do(t, c, newRequest(t, http.MethodPost, s.URL+"/_iam_session", typeJSON, `{"access_token":"`+accessToken+`"}`))
	if status != http.StatusOK {
		t.Fatalf("Unexpected session status: %d", status)
	}
	status, body := do(t, c, newRequest(t, http.MethodGet, s.URL+"/_session", "", ""))
	if status != http.StatusOK {
		t.Fatalf("Unexpected status: %d", status)
	}
	if name := body["userCtx"].(map[string]interface{})["name"]; name != "bob" {
		t.Errorf("Unexpected user: %v", name)
	}

	status, _ = do(t, c, newRequest(t, http.MethodPost, s.URL+"/_iam_session", typeJSON, `{"access_token":"bogus"}`))
	if status != http.StatusUnauthorized {
		t.Errorf("Expected 401 for an unknown access token, got %d", status)
	}
	bad := url.Values{"grant_type": {"urn:ibm:params:oauth:grant-type:apikey"}, "response_type": {"cloud_iam"}, "apikey": {"nope"}}.Encode()
	status, _ = do(t, c, newRequest(t, http.MethodPost, s.TokenURL(), "application/x-www-form-urlencoded", bad))
	if status != http.StatusUnauthorized {
		t.Errorf("Expected 401 for an unknown API key, got %d", status)
	}
}

func TestIAMTokenForm(t *testing.T) {
	tests := []struct {
		name   string
		form   url.Values
		status int
	}{
		{
			name:   "missing response type",
			form:   url.Values{"grant_type": {"urn:ibm:params:oauth:grant-type:apikey"}, "apikey": {"key123"}},
			status: http.StatusBadRequest,
		},
		{
			name:   "wrong response type",
			form:   url.Values{"grant_type": {"urn:ibm:params:oauth:grant-type:apikey"}, "response_type": {"code"}, "apikey": {"key123"}},
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown field",
			form:   url.Values{"grant_type": {"urn:ibm:params:oauth:grant-type:apikey"}, "response_type": {"cloud_iam"}, "apikey": {"key123"}, "scope": {"x"}},
			status: http.StatusBadRequest,
		},
		{
			name:   "valid",
			form:   url.Values{"grant_type": {"urn:ibm:params:oauth:grant-type:apikey"}, "response_type": {"cloud_iam"}, "apikey": {"key123"}},
			status: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t)
			status, _ := do(t, newClient(t), newRequest(t, http.MethodPost, s.TokenURL(), "application/x-www-form-urlencoded", tt.form.Encode()))
			if status != tt.status {
				t.Errorf("Unexpected status: %d, want %d", status, tt.status)
			}
		})
	}
}

func TestThrottle(t *testing.T) {
	s := newServer(t)
	s.Throttle(2, "3")

	for i := 0; i < 2; i++ {
		req := newRequest(t, http.MethodGet, s.URL+"/", "", "")
		req.SetBasicAuth("bob", "abc123")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusTooManyRequests {
			t.Errorf("request %d: unexpected status: %d", i+1, resp.StatusCode)
		}
		if got := resp.Header.Get("Retry-After"); got != "3" {
			t.Errorf("Unexpected Retry-After: %q", got)
		}
	}
	req := newRequest(t, http.MethodGet, s.URL+"/", "", "")
	req.SetBasicAuth("bob", "abc123")
	if status, _ := do(t, http.DefaultClient, req); status != http.StatusOK {
		t.Errorf("Unexpected status after throttling: %d", status)
	}
	if got := s.Count(http.MethodGet, "/"); got != 3 {
		t.Errorf("Unexpected request count: %d", got)
	}
}

func TestRotateCookies(t *testing.T) {
	s := newServer(t)
	s.RotateCookies(true)
	c := newClient(t)
	do(t, c, newRequest(t, http.MethodPost, s.URL+"/_session", typeJSON, `{"name":"bob","password":"abc123"}`))

	resp, err := c.Get(s.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	var rotated bool
	for _, cookie := range resp.Cookies() {
		if cookie.Name == SessionCookieName {
			rotated = true
		}
	}
	if !rotated {
		t.Error("Expected a fresh session cookie")
	}
}

func TestDocuments(t *testing.T) {
	s := newServer(t)
	c := newClient(t)
	auth := func(req *http.Request) *http.Request {
		req.SetBasicAuth("bob", "abc123")
		return req
	}

	if status, _ := do(t, c, auth(newRequest(t, http.MethodPut, s.URL+"/db", "", ""))); status != http.StatusCreated {
		t.Fatalf("Unexpected status creating db: %d", status)
	}
	if status, _ := do(t, c, auth(newRequest(t, http.MethodPut, s.URL+"/db", "", ""))); status != http.StatusPreconditionFailed {
		t.Errorf("Unexpected status re-creating db: %d", status)
	}

	status, created := do(t, c, auth(newRequest(t, http.MethodPut, s.URL+"/db/foo", typeJSON, `{"value":1}`)))
	if status != http.StatusCreated {
		t.Fatalf("Unexpected status: %d", status)
	}
	rev, _ := created["rev"].(string)
	if !strings.HasPrefix(rev, "1-") {
		t.Errorf("Unexpected rev: %s", rev)
	}

	if status, _ := do(t, c, auth(newRequest(t, http.MethodPut, s.URL+"/db/foo", typeJSON, `{"value":2}`))); status != http.StatusConflict {
		t.Errorf("Expected a conflict, got %d", status)
	}

	status, updated := do(t, c, auth(newRequest(t, http.MethodPut, s.URL+"/db/foo?rev="+rev, typeJSON, `{"value":2}`)))
	if status != http.StatusCreated {
		t.Fatalf("Unexpected status: %d", status)
	}
	rev2, _ := updated["rev"].(string)
	if !strings.HasPrefix(rev2, "2-") {
		t.Errorf("Unexpected rev: %s", rev2)
	}

	status, doc := do(t, c, auth(newRequest(t, http.MethodGet, s.URL+"/db/foo", "", "")))
	if status != http.StatusOK {
		t.Fatalf("Unexpected status: %d", status)
	}
	want := map[string]interface{}{"_id": "foo", "_rev": rev2, "value": float64(2)}
	if d := cmp.Diff(want, doc); d != "" {
		t.Error(d)
	}

	status, posted := do(t, c, auth(newRequest(t, http.MethodPost, s.URL+"/db", typeJSON, `{"value":3}`)))
	if status != http.StatusCreated || posted["id"] == "" {
		t.Errorf("Unexpected response to POST: %d %v", status, posted)
	}

	if status, _ := do(t, c, auth(newRequest(t, http.MethodDelete, s.URL+"/db/foo?rev="+rev2, "", ""))); status != http.StatusOK {
		t.Errorf("Unexpected status deleting: %d", status)
	}
	if status, _ := do(t, c, auth(newRequest(t, http.MethodHead, s.URL+"/db/foo", "", ""))); status != http.StatusNotFound {
		t.Errorf("Expected deleted document to be missing, got %d", status)
	}
	if status, _ := do(t, c, auth(newRequest(t, http.MethodGet, s.URL+"/nodb/foo", "", ""))); status != http.StatusNotFound {
		t.Errorf("Expected missing database, got %d", status)
	}
	if status, _ := do(t, c, auth(newRequest(t, http.MethodGet, s.URL+"/forbidden/foo", "", ""))); status != http.StatusForbidden {
		t.Errorf("Expected forbidden, got %d", status)
	}
}

func TestRecordsGzipBodies(t *testing.T) {
	s := newServer(t)
	s.AddDB("db")
	req := newRequest(t, http.MethodPut, s.URL+"/db/gz", typeJSON, gzipString(t, `{"x":true}`))
	req.Header.Set("Content-Encoding", "gzip")
	req.SetBasicAuth("bob", "abc123")
	if status, _ := do(t, http.DefaultClient, req); status != http.StatusCreated {
		t.Fatalf("Unexpected status: %d", status)
	}
	reqs := s.Requests()
	if got := reqs[len(reqs)-1].Body; got != `{"x":true}` {
		t.Errorf("Unexpected recorded body: %q", got)
	}
}

func gzipString(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}
