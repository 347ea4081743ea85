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
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var keySeq uint64

// InterceptorKey is an opaque handle identifying one interceptor instance. It
// is used to namespace the per-request state an interceptor keeps in a
// [RequestContext]. Two keys are equal only if they were returned by the same
// call to [NewInterceptorKey].
type InterceptorKey struct {
	id   uint64
	name string
}

// NewInterceptorKey returns a new, unique key. name is used only for
// debugging output.
func NewInterceptorKey(name string) InterceptorKey {
	return InterceptorKey{
		id:   atomic.AddUint64(&keySeq, 1),
		name: name,
	}
}

func (k InterceptorKey) String() string {
	return fmt.Sprintf("%s#%d", k.name, k.id)
}

// interceptorState holds the state of all interceptors for one logical
// request. It is shared by every RequestContext derived from the same first
// attempt.
type interceptorState struct {
	mu    sync.RWMutex
	state map[InterceptorKey]map[string]interface{}
}

func (s *interceptorState) set(key InterceptorKey, name string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.state = make(map[InterceptorKey]map[string]interface{})
	}
	m, ok := s.state[key]
	if !ok {
		m = make(map[string]interface{})
		s.state[key] = m
	}
	m[name] = value
}

func (s *interceptorState) get(key InterceptorKey, name string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key][name]
	return v, ok
}

// RequestContext carries the state of a single physical attempt of a logical
// request through the interceptor pipeline.
//
// Interceptor state stored with SetState survives replays of the same logical
// request, but is never shared between two Connections.
type RequestContext struct {
	// Request is the request for the current attempt. Request interceptors
	// may modify it freely.
	Request *http.Request

	// Response is the response for the current attempt. It is nil while
	// request interceptors run.
	Response *http.Response

	// ConnectTimeout and ReadTimeout, when non-zero, bound the time spent
	// establishing the connection and waiting for the first byte of the
	// response in this attempt.
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	conn    *Connection
	attempt int
	replay  bool
	state   *interceptorState
}

func newRequestContext(conn *Connection, req *http.Request) *RequestContext {
	return &RequestContext{
		Request: req,
		conn:    conn,
		attempt: 1,
		state:   &interceptorState{},
	}
}

// next returns the context for the following attempt. The interceptor state
// is shared with rc, the replay flag is reset.
func (rc *RequestContext) next(req *http.Request) *RequestContext {
	return &RequestContext{
		Request: req,
		conn:    rc.conn,
		attempt: rc.attempt + 1,
		state:   rc.state,
	}
}

// Context returns the request's context.
func (rc *RequestContext) Context() context.Context {
	if rc.Request == nil {
		return context.Background()
	}
	return rc.Request.Context()
}

// Connection returns the Connection executing this request.
func (rc *RequestContext) Connection() *Connection {
	return rc.conn
}

// Attempt returns the 1-based number of the current physical attempt.
func (rc *RequestContext) Attempt() int {
	return rc.attempt
}

// Replay reports whether an interceptor has asked for the request to be sent
// again.
func (rc *RequestContext) Replay() bool {
	return rc.replay
}

// SetReplay sets or clears the replay flag. It is only meaningful for
// response interceptors.
func (rc *RequestContext) SetReplay(replay bool) {
	rc.replay = replay
}

// SetState stores value under name, in the namespace of key.
func (rc *RequestContext) SetState(key InterceptorKey, name string, value interface{}) {
	rc.state.set(key, name, value)
}

// State returns the value stored under name, in the namespace of key.
func (rc *RequestContext) State(key InterceptorKey, name string) (interface{}, bool) {
	return rc.state.get(key, name)
}

// StateValue returns the value stored under name, in the namespace of key, if
// it exists and is of type T.
func StateValue[T any](rc *RequestContext, key InterceptorKey, name string) (T, bool) {
	v, ok := rc.State(key, name)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
