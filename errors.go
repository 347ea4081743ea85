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

package cloudant

import (
	"errors"
	"net/http"
)

// Error represents an error returned by the client, bundled with an HTTP
// status code.
type Error struct {
	// Status is the HTTP status code associated with this error. For errors
	// generated locally, this is a best guess at the appropriate status.
	Status int

	// Message is a message to prefix the wrapped error with, if any.
	Message string

	// Err is the underlying error, if any.
	Err error
}

var _ interface {
	error
	HTTPStatus() int
} = &Error{}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.msg()
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) msg() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Status != 0:
		return http.StatusText(e.Status)
	}
	return "unknown error"
}

// HTTPStatus returns the HTTP status code associated with the error, or 500
// if none is set.
func (e *Error) HTTPStatus() int {
	if e.Status == 0 {
		return http.StatusInternalServerError
	}
	return e.Status
}

// Unwrap satisfies the errors wrapper interface.
func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code embedded in the error, or 500
// (internal server error) if there was no specified status code. If err is
// nil, HTTPStatus returns 0.
func HTTPStatus(err error) int {
	if err == nil {
		return 0
	}
	var coder interface {
		HTTPStatus() int
	}
	if errors.As(err, &coder) {
		return coder.HTTPStatus()
	}
	return http.StatusInternalServerError
}
