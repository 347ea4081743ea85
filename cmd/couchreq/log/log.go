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

// Package log handles logging for the command line tool.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the standard logger interface.
type Logger interface {
	// SetOut sets the destination for normal output.
	SetOut(io.Writer)
	// SetErr sets the destination for error output.
	SetErr(io.Writer)
	// SetDebug turns debug mode on or off.
	SetDebug(bool)
	// Debug logs debug output.
	Debug(...any)
	// Debug logs formatted debug output.
	Debugf(string, ...any)
	// Info logs normal priority messages.
	Info(...any)
	// Infof logs formatted normal priority messages.
	Infof(string, ...any)
	// Error logs error messages.
	Error(...any)
	// Errorf logs formatted error messages.
	Errorf(string, ...any)
	// FieldLogger returns the structured logger handed to the HTTP client.
	// It writes to the error output, and only when debug mode is on.
	FieldLogger() logrus.FieldLogger
}

// lineFormatter writes the bare message, followed by any fields as
// key=value pairs.
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(e.Message))
	for _, k := range sortedKeys(e.Data) {
		sb.WriteString(" " + k + "=")
		sb.WriteString(toString(e.Data[k]))
	}
	sb.WriteByte('\n')
	return []byte(sb.String()), nil
}

type logger struct {
	stdout *logrus.Logger
	stderr *logrus.Logger
}

var _ Logger = &logger{}

func newLogrus(w io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(lineFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// New returns a new logger instance.
func New() Logger {
	return &logger{
		stdout: newLogrus(os.Stdout),
		stderr: newLogrus(os.Stderr),
	}
}

func (l *logger) SetOut(out io.Writer) { l.stdout.SetOutput(out) }
func (l *logger) SetErr(err io.Writer) { l.stderr.SetOutput(err) }

func (l *logger) SetDebug(debug bool) {
	if debug {
		l.stderr.SetLevel(logrus.DebugLevel)
		return
	}
	l.stderr.SetLevel(logrus.InfoLevel)
}

func (l *logger) Debug(args ...any) {
	l.stderr.Debug(args...)
}

func (l *logger) Debugf(format string, args ...any) {
	l.stderr.Debugf(format, args...)
}

func (l *logger) Info(args ...any) {
	l.stdout.Info(args...)
}

func (l *logger) Infof(format string, args ...any) {
	l.stdout.Infof(format, args...)
}

func (l *logger) Error(args ...any) {
	l.stderr.Error(args...)
}

func (l *logger) Errorf(format string, args ...any) {
	l.stderr.Errorf(format, args...)
}

func (l *logger) FieldLogger() logrus.FieldLogger {
	return l.stderr
}
