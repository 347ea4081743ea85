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

// Package couchtest provides a minimal fake CouchDB server, with CouchDB
// session, IAM session and basic authentication, for use in tests.
package couchtest

import (
	"bytes"
	"compress/gzip"
	"crypto/hmac"
	"crypto/sha1" // nolint:gosec
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/monoculum/formam/v3"
	"gitlab.com/flimzy/httpe"
	"golang.org/x/crypto/pbkdf2"

	"github.com/cloudant/java-cloudant-sub004/internal/nettest"
)

// Cookie names issued by the server.
const (
	SessionCookieName    = "AuthSession"
	IAMSessionCookieName = "IAMSession"
)

// TokenPath is the path of the fake IAM token endpoint.
const TokenPath = "/identity/token"

const (
	typeJSON   = "application/json"
	iterations = 10
	keyLength  = 20
)

// Request is a record of a request received by the server.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

type user struct {
	salt       string
	derivedKey string
}

// Server is a fake CouchDB server.
type Server struct {
	*httptest.Server

	formDecoder *formam.Decoder

	mu            sync.Mutex
	users         map[string]user
	apiKeys       map[string]string
	tokens        map[string]string
	secret        string
	expiredStatus int
	throttle      int
	retryAfter    string
	rotate        bool
	requests      []Request
	dbs           map[string]map[string]map[string]interface{}
}

// New starts a new fake server, which is closed when the test completes.
func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		formDecoder: formam.NewDecoder(&formam.DecoderOptions{
			TagName: "form",
		}),
		users:         map[string]user{},
		apiKeys:       map[string]string{},
		tokens:        map[string]string{},
		secret:        uuid.NewString(),
		expiredStatus: http.StatusUnauthorized,
		dbs:           map[string]map[string]map[string]interface{}{},
	}
	mux := chi.NewMux()
	s.routes(mux)
	s.Server = nettest.NewHTTPTestServer(t, mux)
	return s
}

// AddUser registers a user with the given password.
func (s *Server) AddUser(name, password string) {
	salt := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[name] = user{
		salt:       salt,
		derivedKey: hashPassword(password, salt),
	}
}

// AddAPIKey registers an IAM API key for the named user.
func (s *Server) AddAPIKey(key, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[key] = name
}

// ExpireSessions invalidates all sessions issued so far. Requests presenting
// an old session cookie are rejected with status, which should be
// http.StatusUnauthorized, or http.StatusForbidden for a
// "credentials_expired" error.
func (s *Server) ExpireSessions(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = uuid.NewString()
	s.expiredStatus = status
}

// Throttle causes the next n requests, other than session requests, to be
// rejected with 429 Too Many Requests. retryAfter, if not empty, is sent as
// the Retry-After header.
func (s *Server) Throttle(n int, retryAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.throttle = n
	s.retryAfter = retryAfter
}

// RotateCookies makes the server issue a fresh session cookie with every
// authenticated response.
func (s *Server) RotateCookies(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate = rotate
}

// Requests returns all requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns the number of requests received for method and path.
func (s *Server) Count(method, path string) int {
	var n int
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

// TokenURL returns the URL of the fake IAM token endpoint.
func (s *Server) TokenURL() string {
	return s.URL + TokenPath
}

func hashPassword(password, salt string) string {
	return fmt.Sprintf("%x", pbkdf2.Key([]byte(password), []byte(salt), iterations, keyLength, sha1.New))
}

// createToken returns a session token for name, signed with secret. Each
// call returns a different token.
func createToken(name, secret string) string {
	msg := name + ":" + uuid.NewString()
	return base64.RawURLEncoding.EncodeToString([]byte(msg + ":" + sign(msg, secret)))
}

// validToken returns the name encoded in token, and whether its signature
// matches secret.
func validToken(token, secret string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", false
	}
	i := bytes.LastIndexByte(raw, ':')
	if i < 0 {
		return "", false
	}
	msg, mac := string(raw[:i]), string(raw[i+1:])
	name, _, _ := strings.Cut(msg, ":")
	return name, hmac.Equal([]byte(mac), []byte(sign(msg, secret)))
}

func sign(msg, secret string) string {
	h := hmac.New(sha1.New, []byte(secret))
	_, _ = h.Write([]byte(msg))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Server) routes(mux *chi.Mux) {
	mux.Use(
		s.record,
		httpe.ToMiddleware(handleErrors),
	)
	mux.Post(TokenPath, httpe.ToHandler(s.iamToken()).ServeHTTP)
	mux.Post("/_session", httpe.ToHandler(s.postSession()).ServeHTTP)
	mux.Post("/_iam_session", httpe.ToHandler(s.postIAMSession()).ServeHTTP)

	auth := mux.With(
		httpe.ToMiddleware(s.throttleMiddleware),
		httpe.ToMiddleware(s.authMiddleware),
	)
	auth.Get("/", httpe.ToHandler(s.root()).ServeHTTP)
	auth.Get("/_session", httpe.ToHandler(s.getSession()).ServeHTTP)
	auth.Delete("/_session", httpe.ToHandler(s.deleteSession()).ServeHTTP)
	auth.Put("/{db}", httpe.ToHandler(s.createDB()).ServeHTTP)
	auth.Post("/{db}", httpe.ToHandler(s.postDoc()).ServeHTTP)
	auth.Get("/{db}/{docid}", httpe.ToHandler(s.getDoc()).ServeHTTP)
	auth.Head("/{db}/{docid}", httpe.ToHandler(s.getDoc()).ServeHTTP)
	auth.Put("/{db}/{docid}", httpe.ToHandler(s.putDoc()).ServeHTTP)
	auth.Delete("/{db}/{docid}", httpe.ToHandler(s.deleteDoc()).ServeHTTP)
}

// record logs every request, including its body, which is restored for the
// handlers.
func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var src io.Reader = r.Body
		if r.Header.Get("Content-Encoding") == "gzip" {
			if gz, err := gzip.NewReader(r.Body); err == nil {
				src = gz
			}
		}
		body, _ := io.ReadAll(src)
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Header: r.Header.Clone(),
			Body:   string(body),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) bind(r *http.Request, v interface{}) error {
	ct := strings.TrimSpace(strings.Split(r.Header.Get("Content-Type"), ";")[0])
	switch ct {
	case typeJSON:
		defer r.Body.Close()
		return json.NewDecoder(r.Body).Decode(v)
	case "application/x-www-form-urlencoded":
		defer r.Body.Close()
		if err := r.ParseForm(); err != nil {
			return err
		}
		if err := s.formDecoder.Decode(r.Form, v); err != nil {
			return &couchError{status: http.StatusBadRequest, Err: "bad_request", Reason: err.Error()}
		}
		return nil
	}
	return &couchError{status: http.StatusUnsupportedMediaType, Err: "bad_content_type", Reason: "Content-Type must be 'application/x-www-form-urlencoded' or 'application/json'"}
}

func serveJSON(w http.ResponseWriter, status int, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", typeJSON)
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}
