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
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gitlab.com/flimzy/httpe"
)

type couchError struct {
	status int
	Err    string `json:"error"`
	Reason string `json:"reason"`
}

func (e *couchError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.status, e.Err, e.Reason)
}

var (
	errUnauthorized = &couchError{status: http.StatusUnauthorized, Err: "unauthorized", Reason: "You are not authorized to access this db."}
	errBadPassword  = &couchError{status: http.StatusUnauthorized, Err: "unauthorized", Reason: "Name or password is incorrect."}
	errExpired      = &couchError{status: http.StatusForbidden, Err: "credentials_expired", Reason: "Session expired"}
	errForbidden    = &couchError{status: http.StatusForbidden, Err: "forbidden", Reason: "You are not allowed to access this db."}
	errTooMany      = &couchError{status: http.StatusTooManyRequests, Err: "too_many_requests", Reason: "You've exceeded your current limit."}
	errNoDB         = &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "Database does not exist."}
	errMissing      = &couchError{status: http.StatusNotFound, Err: "not_found", Reason: "missing"}
	errConflict     = &couchError{status: http.StatusConflict, Err: "conflict", Reason: "Document update conflict."}
	errDBExists     = &couchError{status: http.StatusPreconditionFailed, Err: "file_exists", Reason: "The database could not be created, the file already exists."}
)

func handleErrors(next httpe.HandlerWithError) httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		err := next.ServeHTTPWithError(w, r)
		if err == nil {
			return nil
		}
		ce := &couchError{}
		if !errors.As(err, &ce) {
			ce = &couchError{
				status: http.StatusInternalServerError,
				Err:    "internal_server_error",
				Reason: err.Error(),
			}
		}
		return serveJSON(w, ce.status, ce)
	})
}

type contextKey struct{ name string }

var userContextKey = &contextKey{"userCtx"}

func (s *Server) throttleMiddleware(next httpe.HandlerWithError) httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		throttled := s.throttle > 0
		if throttled {
			s.throttle--
		}
		retryAfter := s.retryAfter
		s.mu.Unlock()
		if !throttled {
			return next.ServeHTTPWithError(w, r)
		}
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		return errTooMany
	})
}

// authMiddleware authenticates the request by session cookie or basic auth.
func (s *Server) authMiddleware(next httpe.HandlerWithError) httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		name, err := s.authenticate(w, r)
		if err != nil {
			return err
		}
		if strings.HasPrefix(r.URL.Path, "/forbidden") {
			return errForbidden
		}
		r = r.WithContext(context.WithValue(r.Context(), userContextKey, name))
		return next.ServeHTTPWithError(w, r)
	})
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cookieName := range []string{SessionCookieName, IAMSessionCookieName} {
		cookie, err := r.Cookie(cookieName)
		if err != nil {
			continue
		}
		name, ok := validToken(cookie.Value, s.secret)
		if !ok {
			if s.expiredStatus == http.StatusForbidden {
				return "", errExpired
			}
			return "", errUnauthorized
		}
		if s.rotate {
			setSessionCookie(w, cookieName, createToken(name, s.secret))
		}
		return name, nil
	}
	if username, password, ok := r.BasicAuth(); ok {
		if !s.validUser(username, password) {
			return "", errBadPassword
		}
		return username, nil
	}
	return "", errUnauthorized
}

// validUser must be called with s.mu held.
func (s *Server) validUser(name, password string) bool {
	u, ok := s.users[name]
	return ok && hashPassword(password, u.salt) == u.derivedKey
}

func setSessionCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   600, // nolint:gomnd
		HttpOnly: true,
	})
}

func (s *Server) postSession() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var authData struct {
			Name     *string `form:"name" json:"name"`
			Password string  `form:"password" json:"password"`
		}
		if err := s.bind(r, &authData); err != nil {
			return err
		}
		if authData.Name == nil {
			return &couchError{status: http.StatusBadRequest, Err: "bad_request", Reason: "request body must contain a username"}
		}
		s.mu.Lock()
		valid := s.validUser(*authData.Name, authData.Password)
		token := createToken(*authData.Name, s.secret)
		s.mu.Unlock()
		if !valid {
			return errBadPassword
		}
		w.Header().Set("Cache-Control", "must-revalidate")
		setSessionCookie(w, SessionCookieName, token)
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"ok":    true,
			"name":  *authData.Name,
			"roles": []string{},
		})
	})
}

func (s *Server) iamToken() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var req struct {
			GrantType    string `form:"grant_type"`
			ResponseType string `form:"response_type"`
			APIKey       string `form:"apikey"`
		}
		if err := s.bind(r, &req); err != nil {
			return err
		}
		if req.GrantType != "urn:ibm:params:oauth:grant-type:apikey" {
			return &couchError{status: http.StatusBadRequest, Err: "invalid_grant", Reason: "unsupported grant type"}
		}
		if req.ResponseType != "cloud_iam" {
			return &couchError{status: http.StatusBadRequest, Err: "invalid_request", Reason: "unsupported response type"}
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		name, ok := s.apiKeys[req.APIKey]
		if !ok {
			return &couchError{status: http.StatusUnauthorized, Err: "invalid_apikey", Reason: "Provided API key could not be found."}
		}
		token := uuid.NewString()
		s.tokens[token] = name
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  token,
			"refresh_token": "not_supported",
			"token_type":    "Bearer",
			"expires_in":    3600, // nolint:gomnd
		})
	})
}

func (s *Server) postIAMSession() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var req struct {
			AccessToken string `json:"access_token"`
		}
		if err := s.bind(r, &req); err != nil {
			return err
		}
		s.mu.Lock()
		name, ok := s.tokens[req.AccessToken]
		token := createToken(name, s.secret)
		s.mu.Unlock()
		if !ok {
			return errUnauthorized
		}
		setSessionCookie(w, IAMSessionCookieName, token)
		return serveJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	})
}

func (s *Server) root() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"couchdb": "Welcome",
			"version": "3.3.3",
			"vendor":  map[string]string{"name": "couchtest"},
		})
	})
}

func (s *Server) getSession() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		name, _ := r.Context().Value(userContextKey).(string)
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true,
			"userCtx": map[string]interface{}{
				"name":  name,
				"roles": []string{},
			},
		})
	})
}

func (s *Server) deleteSession() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookieName,
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
		})
		return serveJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	})
}

func (s *Server) createDB() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db := chi.URLParam(r, "db")
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.dbs[db]; ok {
			return errDBExists
		}
		s.dbs[db] = map[string]map[string]interface{}{}
		return serveJSON(w, http.StatusCreated, map[string]interface{}{"ok": true})
	})
}

func (s *Server) postDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var doc map[string]interface{}
		if err := s.bind(r, &doc); err != nil {
			return err
		}
		id, _ := doc["_id"].(string)
		if id == "" {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		return s.store(w, chi.URLParam(r, "db"), id, doc)
	})
}

func (s *Server) putDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		var doc map[string]interface{}
		if err := s.bind(r, &doc); err != nil {
			return err
		}
		if rev := r.URL.Query().Get("rev"); rev != "" {
			doc["_rev"] = rev
		}
		return s.store(w, chi.URLParam(r, "db"), chi.URLParam(r, "docid"), doc)
	})
}

// store saves doc, checking its revision against the current one.
func (s *Server) store(w http.ResponseWriter, db, id string, doc map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.dbs[db]
	if !ok {
		return errNoDB
	}
	rev, _ := doc["_rev"].(string)
	seq := 0
	if current, ok := docs[id]; ok {
		if current["_rev"] != rev {
			return errConflict
		}
		seq = revSeq(rev)
	} else if rev != "" {
		return errConflict
	}
	newRev := fmt.Sprintf("%d-%s", seq+1, strings.ReplaceAll(uuid.NewString(), "-", ""))
	doc["_id"] = id
	doc["_rev"] = newRev
	docs[id] = doc
	w.Header().Set("ETag", strconv.Quote(newRev))
	return serveJSON(w, http.StatusCreated, map[string]interface{}{
		"ok":  true,
		"id":  id,
		"rev": newRev,
	})
}

func revSeq(rev string) int {
	prefix, _, _ := strings.Cut(rev, "-")
	n, _ := strconv.Atoi(prefix)
	return n
}

func (s *Server) getDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		s.mu.Lock()
		docs, ok := s.dbs[chi.URLParam(r, "db")]
		var doc map[string]interface{}
		if ok {
			doc = docs[chi.URLParam(r, "docid")]
		}
		s.mu.Unlock()
		switch {
		case !ok:
			return errNoDB
		case doc == nil:
			return errMissing
		}
		w.Header().Set("ETag", strconv.Quote(doc["_rev"].(string)))
		return serveJSON(w, http.StatusOK, doc)
	})
}

func (s *Server) deleteDoc() httpe.HandlerWithError {
	return httpe.HandlerWithErrorFunc(func(w http.ResponseWriter, r *http.Request) error {
		db, id := chi.URLParam(r, "db"), chi.URLParam(r, "docid")
		s.mu.Lock()
		defer s.mu.Unlock()
		docs, ok := s.dbs[db]
		if !ok {
			return errNoDB
		}
		current, ok := docs[id]
		if !ok {
			return errMissing
		}
		rev := r.URL.Query().Get("rev")
		if current["_rev"] != rev {
			return errConflict
		}
		delete(docs, id)
		newRev := fmt.Sprintf("%d-%s", revSeq(rev)+1, strings.ReplaceAll(uuid.NewString(), "-", ""))
		return serveJSON(w, http.StatusOK, map[string]interface{}{
			"ok":  true,
			"id":  id,
			"rev": newRev,
		})
	})
}

// AddDB creates an empty database.
func (s *Server) AddDB(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dbs[name]; !ok {
		s.dbs[name] = map[string]map[string]interface{}{}
	}
}
