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

// RequestInterceptor is called before each physical attempt of a request is
// sent. It may modify rc.Request, for instance to add headers.
//
// Returning an error aborts the request.
type RequestInterceptor interface {
	InterceptRequest(rc *RequestContext) error
}

// ResponseInterceptor is called after the response headers of each physical
// attempt have been received. It may call rc.SetReplay(true) to have the
// request sent again.
//
// Returning an error aborts the request. The response body is closed in that
// case.
type ResponseInterceptor interface {
	InterceptResponse(rc *RequestContext) error
}

// RequestInterceptorFunc adapts a function to the RequestInterceptor
// interface.
type RequestInterceptorFunc func(*RequestContext) error

var _ RequestInterceptor = RequestInterceptorFunc(nil)

// InterceptRequest calls f(rc).
func (f RequestInterceptorFunc) InterceptRequest(rc *RequestContext) error {
	return f(rc)
}

// ResponseInterceptorFunc adapts a function to the ResponseInterceptor
// interface.
type ResponseInterceptorFunc func(*RequestContext) error

var _ ResponseInterceptor = ResponseInterceptorFunc(nil)

// InterceptResponse calls f(rc).
func (f ResponseInterceptorFunc) InterceptResponse(rc *RequestContext) error {
	return f(rc)
}

// splitInterceptors sorts interceptors by capability. A value implementing
// both interfaces ends up in both lists. Values implementing neither are
// ignored.
func splitInterceptors(interceptors []interface{}) ([]RequestInterceptor, []ResponseInterceptor) {
	var reqs []RequestInterceptor
	var resps []ResponseInterceptor
	for _, i := range interceptors {
		if r, ok := i.(RequestInterceptor); ok {
			reqs = append(reqs, r)
		}
		if r, ok := i.(ResponseInterceptor); ok {
			resps = append(resps, r)
		}
	}
	return reqs, resps
}
