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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"

	cloudant "github.com/cloudant/java-cloudant-sub004"
)

// HTTPError is an error that represents an HTTP transport error.
type HTTPError struct {
	// Response is the HTTP response received by the client.  The response body
	// should already be closed, but the response and request headers and other
	// metadata will typically be in tact for debugging purposes.
	Response *http.Response `json:"-"`

	// ErrorID is the server-supplied error identifier, such as "not_found".
	ErrorID string `json:"error"`

	// Reason is the server-supplied error reason.
	Reason string `json:"reason"`
}

func (e *HTTPError) Error() string {
	if e.Reason == "" {
		return http.StatusText(e.HTTPStatus())
	}
	if statusText := http.StatusText(e.HTTPStatus()); statusText != "" {
		return fmt.Sprintf("%s: %s", statusText, e.Reason)
	}
	return e.Reason
}

// HTTPStatus returns the embedded status code.
func (e *HTTPError) HTTPStatus() int {
	return e.Response.StatusCode
}

// ResponseError returns an error from an *http.Response if the status code
// indicates an error.
func ResponseError(resp *http.Response) error {
	if resp.StatusCode < 400 { // nolint:gomnd
		return nil
	}
	if resp.Body != nil {
		defer CloseBody(resp.Body)
	}
	httpErr := &HTTPError{
		Response: resp,
	}
	if resp.Request != nil && resp.Request.Method != http.MethodHead && resp.ContentLength != 0 {
		if ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); ct == typeJSON {
			_ = json.NewDecoder(resp.Body).Decode(httpErr)
		}
	}
	return httpErr
}

// InterceptorError is returned by an interceptor to abort the request
// pipeline.
type InterceptorError struct {
	// Status is the HTTP status that caused the failure, if any.
	Status int

	// DeserializeBody indicates that the message is a server response body,
	// which callers may decode for error details.
	DeserializeBody bool

	// Message is a human-readable description. When DeserializeBody is set,
	// it holds the raw response body.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *InterceptorError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return http.StatusText(e.HTTPStatus())
}

// HTTPStatus returns the status associated with the error, or 500.
func (e *InterceptorError) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

func (e *InterceptorError) Unwrap() error {
	return e.Err
}

// isIOError reports whether err was caused by a network or stream failure.
func isIOError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	var netErr net.Error
	return errors.As(err, &urlErr) ||
		errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// interceptorFailure converts an error returned by an interceptor into the
// error returned to the caller. An InterceptorError wrapping an I/O failure
// is reported as a plain transport error.
func interceptorFailure(err error) error {
	var ie *InterceptorError
	if errors.As(err, &ie) && isIOError(ie.Err) {
		return netError(ie.Err)
	}
	return err
}

func fullError(status int, err error) error {
	return &cloudant.Error{Status: status, Err: err}
}

func netError(err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// If this error was generated by EncodeBody, it may have an embedded
		// status code (!= 500), which we should honor.
		status := cloudant.HTTPStatus(urlErr.Err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		return fullError(status, err)
	}
	if status := cloudant.HTTPStatus(err); status != http.StatusInternalServerError {
		return err
	}
	return fullError(http.StatusBadGateway, err)
}
