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

// Package errors maps failures to process exit statuses, loosely following
// sysexits(3). HTTP 4xx responses map to 10-99 by subtracting 390 from the
// status code, so that 404 exits with 14.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	pkgerrors "github.com/pkg/errors"
)

// Exit statuses used by couchreq.
const (
	// ErrUsage means the command line or configuration could not be used.
	ErrUsage = 2
	// ErrServer means the server failed with a 5xx status other than a
	// gateway error.
	ErrServer = 4

	ErrUnauthorized    = http.StatusUnauthorized - httpOffset    // 11
	ErrForbidden       = http.StatusForbidden - httpOffset       // 13
	ErrNotFound        = http.StatusNotFound - httpOffset        // 14
	ErrConflict        = http.StatusConflict - httpOffset        // 19
	ErrTooManyRequests = http.StatusTooManyRequests - httpOffset // 39

	// ErrData means an input or configuration file is malformed.
	ErrData = 65
	// ErrNoInput means an input file could not be opened.
	ErrNoInput = 66
	// ErrUnavailable means the server could not be reached, or a gateway
	// reported it unreachable.
	ErrUnavailable = 69
	// ErrProtocol means the server sent something other than the expected
	// JSON.
	ErrProtocol = 76
)

const httpOffset = 390

// exitError carries the exit status for err.
type exitError struct {
	err    error
	status int
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// WithCode attaches an exit status to err.
func WithCode(err error, status int) error {
	return &exitError{err: err, status: status}
}

// Wrapf annotates err with a message and an exit status. If err is nil, nil
// is returned.
func Wrapf(status int, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &exitError{err: pkgerrors.Wrapf(err, format, args...), status: status}
}

// Code returns an error with the given exit status. A single error argument
// is wrapped; a single nil returns nil; anything else is formatted with
// fmt.Sprint.
func Code(status int, args ...interface{}) error {
	if len(args) == 1 {
		switch a := args[0].(type) {
		case nil:
			return nil
		case error:
			return &exitError{err: a, status: status}
		}
	}
	return &exitError{err: errors.New(fmt.Sprint(args...)), status: status}
}

// Codef is Code with fmt.Errorf formatting.
func Codef(status int, format string, args ...interface{}) error {
	return &exitError{err: fmt.Errorf(format, args...), status: status}
}

// ExitStatus returns the process exit status for err: an explicit status if
// one was attached, otherwise one derived from the kind of failure. Errors
// that match no rule, and nil, give 0.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.status
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrUnavailable
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return ErrProtocol
	}
	var coder interface{ HTTPStatus() int }
	if errors.As(err, &coder) {
		return httpExitStatus(coder.HTTPStatus())
	}
	return 0
}

func httpExitStatus(status int) int {
	switch {
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return ErrUnavailable
	case status >= 400 && status < 500:
		return status - httpOffset
	}
	return ErrServer
}

// Is calls errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
