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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httptrace"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"gitlab.com/flimzy/testy"
)

// recorder is an http.Handler which records the requests it receives, and
// responds with status.
type recorder struct {
	mu       sync.Mutex
	status   int
	requests []recordedRequest
}

type recordedRequest struct {
	Header           http.Header
	Body             string
	ContentLength    int64
	TransferEncoding []string
	User             string
	Password         string
}

func (h *recorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	user, pass, _ := r.BasicAuth()
	h.mu.Lock()
	h.requests = append(h.requests, recordedRequest{
		Header:           r.Header.Clone(),
		Body:             string(body),
		ContentLength:    r.ContentLength,
		TransferEncoding: r.TransferEncoding,
		User:             user,
		Password:         pass,
	})
	status := h.status
	h.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (h *recorder) recorded() []recordedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedRequest(nil), h.requests...)
}

func newRecorder(t *testing.T, status int) (*recorder, *url.URL) {
	t.Helper()
	h := &recorder{status: status}
	s := httptest.NewServer(h)
	t.Cleanup(s.Close)
	u, err := url.Parse(s.URL + "/db/doc")
	if err != nil {
		t.Fatal(err)
	}
	return h, u
}

// replayN returns a response interceptor which requests n replays.
func replayN(n int) ResponseInterceptor {
	return ResponseInterceptorFunc(func(rc *RequestContext) error {
		if rc.Attempt() <= n {
			rc.SetReplay(true)
		}
		return nil
	})
}

func TestConnectionExecuteAttempts(t *testing.T) {
	type tt struct {
		retries  int
		replays  int
		expected int
	}

	tests := testy.NewTable()
	tests.Add("no replay", tt{retries: 10, replays: 0, expected: 1})
	tests.Add("replays within budget", tt{retries: 10, replays: 3, expected: 4})
	tests.Add("replays equal budget", tt{retries: 3, replays: 3, expected: 3})
	tests.Add("budget exhausted", tt{retries: 2, replays: 5, expected: 2})
	tests.Add("budget of one", tt{retries: 1, replays: 5, expected: 1})
	tests.Add("zero budget treated as one", tt{retries: 0, replays: 5, expected: 1})

	tests.Run(t, func(t *testing.T, tt tt) {
		h, u := newRecorder(t, http.StatusOK)
		conn := NewConnection(nil, http.MethodGet, u)
		conn.SetRetries(tt.retries)
		conn.AddResponseInterceptors(replayN(tt.replays))
		resp, err := conn.Execute(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		CloseBody(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Unexpected status: %d", resp.StatusCode)
		}
		if got := conn.Attempts(); got != tt.expected {
			t.Errorf("Expected %d attempts, got %d", tt.expected, got)
		}
		if got := len(h.recorded()); got != tt.expected {
			t.Errorf("Expected %d requests on the server, got %d", tt.expected, got)
		}
	})
}

func TestConnectionRetriesRemaining(t *testing.T) {
	_, u := newRecorder(t, http.StatusOK)
	conn := NewConnection(nil, http.MethodGet, u)
	conn.SetRetries(3)
	var remaining []int
	conn.AddResponseInterceptors(ResponseInterceptorFunc(func(rc *RequestContext) error {
		remaining = append(remaining, rc.Connection().RetriesRemaining())
		rc.SetReplay(true)
		return nil
	}))
	resp, err := conn.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	CloseBody(resp.Body)
	if d := cmp.Diff([]int{2, 1, 0}, remaining); d != "" {
		t.Error(d)
	}
}

func TestConnectionBodyReplayed(t *testing.T) {
	const payload = `{"_id":"foo","value":"bar"}`
	type tt struct {
		body          BodySource
		contentLength int64
		chunked       bool
	}

	tests := testy.NewTable()
	tests.Add("bytes", tt{
		body:          StringBody(payload),
		contentLength: int64(len(payload)),
	})
	tests.Add("seeker", tt{
		body:          ReaderBody(strings.NewReader(payload)),
		contentLength: int64(len(payload)),
	})
	tests.Add("plain reader, buffered on first use", tt{
		body:          ReaderBody(struct{ io.Reader }{strings.NewReader(payload)}),
		contentLength: int64(len(payload)),
	})
	tests.Add("func, unknown length", tt{
		body: FuncBody(func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(payload)), nil
		}, -1),
		chunked: true,
	})
	tests.Add("json", tt{
		body:    JSONBody(map[string]string{"_id": "foo", "value": "bar"}),
		chunked: true,
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		h, u := newRecorder(t, http.StatusOK)
		conn := NewConnection(nil, http.MethodPut, u)
		conn.ContentType = typeJSON
		conn.Body = tt.body
		conn.AddResponseInterceptors(replayN(2))
		resp, err := conn.Execute(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		CloseBody(resp.Body)
		reqs := h.recorded()
		if len(reqs) != 3 {
			t.Fatalf("Expected 3 requests, got %d", len(reqs))
		}
		for i, req := range reqs {
			if d := cmp.Diff(payload, strings.TrimSpace(req.Body)); d != "" {
				t.Errorf("attempt %d body:\n%s", i+1, d)
			}
			if got := req.Header.Get("Content-Type"); got != typeJSON {
				t.Errorf("attempt %d: unexpected content type %q", i+1, got)
			}
			if tt.chunked {
				if d := cmp.Diff([]string{"chunked"}, req.TransferEncoding); d != "" {
					t.Errorf("attempt %d transfer encoding:\n%s", i+1, d)
				}
				continue
			}
			if req.ContentLength != tt.contentLength {
				t.Errorf("attempt %d: expected Content-Length %d, got %d", i+1, tt.contentLength, req.ContentLength)
			}
		}
	})
}

func TestConnectionURLCredentials(t *testing.T) {
	h, u := newRecorder(t, http.StatusOK)
	u.User = url.UserPassword("bob", "abc123")
	conn := NewConnection(nil, http.MethodGet, u)
	if u.User == nil {
		t.Fatal("NewConnection must not modify the caller's URL")
	}
	conn.AddResponseInterceptors(replayN(1))
	resp, err := conn.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	CloseBody(resp.Body)
	for i, req := range h.recorded() {
		if req.User != "bob" || req.Password != "abc123" {
			t.Errorf("attempt %d: unexpected credentials %q:%q", i+1, req.User, req.Password)
		}
	}
	if got := len(conn.requestInterceptors); got != 1 {
		t.Errorf("Expected basic auth to be installed once, found %d interceptors", got)
	}
}

func TestConnectionHeaderPrecedence(t *testing.T) {
	h, u := newRecorder(t, http.StatusOK)
	conn := NewConnection(nil, http.MethodGet, u)
	conn.Header.Set("X-Static", "static")
	conn.Header.Set("X-Override", "static")
	conn.AddRequestInterceptors(RequestInterceptorFunc(func(rc *RequestContext) error {
		rc.Request.Header.Set("X-Override", "interceptor")
		return nil
	}))
	resp, err := conn.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	CloseBody(resp.Body)
	req := h.recorded()[0]
	want := map[string]string{
		"X-Static":   "static",
		"X-Override": "interceptor",
	}
	got := map[string]string{
		"X-Static":   req.Header.Get("X-Static"),
		"X-Override": req.Header.Get("X-Override"),
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Error(d)
	}
}

func TestConnectionInterceptorOrder(t *testing.T) {
	_, u := newRecorder(t, http.StatusOK)
	var calls []string
	record := func(name string) func(*RequestContext) error {
		return func(*RequestContext) error {
			calls = append(calls, name)
			return nil
		}
	}
	conn := NewConnection(nil, http.MethodGet, u)
	conn.AddInterceptors(
		RequestInterceptorFunc(record("req1")),
		ResponseInterceptorFunc(record("resp1")),
		RequestInterceptorFunc(record("req2")),
		ResponseInterceptorFunc(record("resp2")),
		"not an interceptor",
	)
	resp, err := conn.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	CloseBody(resp.Body)
	if d := cmp.Diff([]string{"req1", "req2", "resp1", "resp2"}, calls); d != "" {
		t.Error(d)
	}
}

func TestConnectionErrors(t *testing.T) {
	type tt struct {
		conn   func(t *testing.T) *Connection
		status int
		err    string
	}

	tests := testy.NewTable()
	tests.Add("no method", func(t *testing.T) interface{} {
		_, u := newRecorder(t, http.StatusOK)
		return tt{
			conn: func(*testing.T) *Connection {
				return NewConnection(nil, "", u)
			},
			status: http.StatusInternalServerError,
			err:    "chttp: method required",
		}
	})
	tests.Add("no URL", tt{
		conn: func(*testing.T) *Connection {
			conn := NewConnection(nil, http.MethodGet, &url.URL{})
			conn.URL = nil
			return conn
		},
		status: http.StatusBadRequest,
		err:    "chttp: URL required",
	})
	tests.Add("request interceptor error", func(t *testing.T) interface{} {
		_, u := newRecorder(t, http.StatusOK)
		return tt{
			conn: func(*testing.T) *Connection {
				conn := NewConnection(nil, http.MethodGet, u)
				conn.AddRequestInterceptors(RequestInterceptorFunc(func(*RequestContext) error {
					return &InterceptorError{Status: http.StatusTeapot, Message: "nope"}
				}))
				return conn
			},
			status: http.StatusTeapot,
			err:    "nope",
		}
	})
	tests.Add("response interceptor error", func(t *testing.T) interface{} {
		_, u := newRecorder(t, http.StatusOK)
		return tt{
			conn: func(*testing.T) *Connection {
				conn := NewConnection(nil, http.MethodGet, u)
				conn.AddResponseInterceptors(ResponseInterceptorFunc(func(*RequestContext) error {
					return errors.New("response rejected")
				}))
				return conn
			},
			status: http.StatusInternalServerError,
			err:    "response rejected",
		}
	})
	tests.Add("interceptor I/O error", func(t *testing.T) interface{} {
		_, u := newRecorder(t, http.StatusOK)
		return tt{
			conn: func(*testing.T) *Connection {
				conn := NewConnection(nil, http.MethodGet, u)
				conn.AddResponseInterceptors(ResponseInterceptorFunc(func(*RequestContext) error {
					return &InterceptorError{
						Status:  http.StatusUnauthorized,
						Message: "session request failed",
						Err:     &url.Error{Op: "Post", URL: "http://example.com/_session", Err: io.ErrUnexpectedEOF},
					}
				}))
				return conn
			},
			status: http.StatusBadGateway,
			err:    `Post "http://example.com/_session": unexpected EOF`,
		}
	})
	tests.Add("connection refused", func(t *testing.T) interface{} {
		s := httptest.NewServer(http.NotFoundHandler())
		u, _ := url.Parse(s.URL)
		s.Close()
		return tt{
			conn: func(*testing.T) *Connection {
				return NewConnection(nil, http.MethodGet, u)
			},
			status: http.StatusBadGateway,
			err:    "connect: connection refused",
		}
	})

	tests.Run(t, func(t *testing.T, tt tt) {
		conn := tt.conn(t)
		_, err := conn.Execute(context.Background())
		statusErrorRE(t, regexp.QuoteMeta(tt.err), tt.status, err)
	})
}

func TestConnectionExecuteOnce(t *testing.T) {
	_, u := newRecorder(t, http.StatusOK)
	conn := NewConnection(nil, http.MethodGet, u)
	resp, err := conn.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	CloseBody(resp.Body)
	_, err = conn.Execute(context.Background())
	if !testy.ErrorMatches("chttp: connection already executed", err) {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestConnectionReadTimeout(t *testing.T) {
	release := make(chan struct{})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer s.Close()
	defer close(release)
	u, _ := url.Parse(s.URL)

	conn := NewConnection(nil, http.MethodGet, u)
	conn.AddRequestInterceptors(TimeoutInterceptor{Read: 50 * time.Millisecond})
	_, err := conn.Execute(context.Background())
	statusErrorRE(t, `no response within 50ms`, http.StatusGatewayTimeout, err)
}

func TestConnectionReadTimeoutAfterFirstByte(t *testing.T) {
	const timeout = time.Second
	release := make(chan struct{})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer s.Close()
	u, _ := url.Parse(s.URL)

	clock := clockwork.NewFakeClock()
	conn := NewConnection(nil, http.MethodGet, u)
	conn.clock = clock
	conn.AddRequestInterceptors(TimeoutInterceptor{Read: timeout})

	// The deadline passes as soon as the response starts to arrive.
	ctx := httptrace.WithClientTrace(context.Background(), &httptrace.ClientTrace{
		GotFirstResponseByte: func() { clock.Advance(timeout) },
	})
	resp, err := conn.Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer CloseBody(resp.Body)
	// Give the expired timer's callback a chance to run before the body is
	// sent.
	time.Sleep(50 * time.Millisecond)
	close(release)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Unexpected error reading body: %s", err)
	}
	if d := cmp.Diff(`{"ok":true}`, string(body)); d != "" {
		t.Error(d)
	}
}

func TestConnectionReadTimeoutFakeClock(t *testing.T) {
	const timeout = time.Second
	release := make(chan struct{})
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer s.Close()
	defer close(release)
	u, _ := url.Parse(s.URL)

	clock := clockwork.NewFakeClock()
	conn := NewConnection(nil, http.MethodGet, u)
	conn.clock = clock
	conn.AddRequestInterceptors(TimeoutInterceptor{Read: timeout})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := clock.BlockUntilContext(ctx, 1); err == nil {
			clock.Advance(timeout)
		}
	}()
	_, err := conn.Execute(context.Background())
	statusErrorRE(t, `no response within 1s`, http.StatusGatewayTimeout, err)
}

func TestConnectionErrorResponseReturned(t *testing.T) {
	_, u := newRecorder(t, http.StatusNotFound)
	conn := NewConnection(nil, http.MethodGet, u)
	conn.AddResponseInterceptors(replayN(100))
	conn.SetRetries(2)
	resp, err := conn.Execute(context.Background())
	if err != nil {
		t.Fatalf("Exhausted budget should not produce an error, got %s", err)
	}
	defer CloseBody(resp.Body)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected the last response, got status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if d := cmp.Diff(`{"ok":true}`, string(body)); d != "" {
		t.Error(d)
	}
}
