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
	"fmt"
	"net/http"
	"testing"

	"gitlab.com/flimzy/testy"
)

func TestErrorError(t *testing.T) {
	type tst struct {
		err    *Error
		want   string
		status int
	}
	tests := testy.NewTable()
	tests.Add("empty", tst{
		err:    &Error{},
		want:   "unknown error",
		status: http.StatusInternalServerError,
	})
	tests.Add("status only", tst{
		err:    &Error{Status: http.StatusNotFound},
		want:   "Not Found",
		status: http.StatusNotFound,
	})
	tests.Add("message only", tst{
		err:    &Error{Status: http.StatusBadRequest, Message: "bad thing"},
		want:   "bad thing",
		status: http.StatusBadRequest,
	})
	tests.Add("wrapped", tst{
		err:    &Error{Status: http.StatusBadGateway, Err: errors.New("boom")},
		want:   "boom",
		status: http.StatusBadGateway,
	})
	tests.Add("wrapped with message", tst{
		err:    &Error{Status: http.StatusUnauthorized, Message: "session", Err: errors.New("boom")},
		want:   "session: boom",
		status: http.StatusUnauthorized,
	})

	tests.Run(t, func(t *testing.T, tt tst) {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Unexpected error: %q, want %q", got, tt.want)
		}
		if got := tt.err.HTTPStatus(); got != tt.status {
			t.Errorf("Unexpected status: %d, want %d", got, tt.status)
		}
	})
}

func TestHTTPStatus(t *testing.T) {
	inner := errors.New("inner")
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "plain", err: errors.New("foo"), want: http.StatusInternalServerError},
		{name: "coder", err: &Error{Status: http.StatusConflict}, want: http.StatusConflict},
		{name: "wrapped coder", err: fmt.Errorf("ctx: %w", &Error{Status: http.StatusForbidden, Err: inner}), want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("Unexpected status: %d, want %d", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := fmt.Errorf("outer: %w", &Error{Status: http.StatusBadGateway, Err: inner})
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to find the wrapped error")
	}
	var e *Error
	if !errors.As(err, &e) || e.Status != http.StatusBadGateway {
		t.Errorf("Unexpected As result: %v", e)
	}
}
