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

// Package output renders response bodies.
package output

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/pflag"

	"github.com/cloudant/java-cloudant-sub004/cmd/couchreq/errors"
)

// Formatter manages output formatting.
type Formatter struct {
	mu      sync.Mutex
	formats map[string]Format

	out       io.Writer
	format    string
	output    string
	overwrite bool
}

// New returns an output formatter instance, with the raw, json and yaml
// formats registered. raw is the default.
func New() *Formatter {
	f := &Formatter{
		formats: map[string]Format{},
		out:     os.Stdout,
	}
	f.Register("", Raw())
	f.Register("raw", Raw())
	f.Register("json", JSON())
	f.Register("yaml", YAML())
	return f
}

// Format is the output format interface.
type Format interface {
	Output(io.Writer, io.Reader) error
}

// FormatFunc adapts a function to the Format interface.
type FormatFunc func(io.Writer, io.Reader) error

// Output calls fn(w, r).
func (fn FormatFunc) Output(w io.Writer, r io.Reader) error {
	return fn(w, r)
}

// Register registers an output formatter.
func (f *Formatter) Register(name string, fmt Format) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.formats[name]; ok {
		panic(name + " already registered")
	}
	f.formats[name] = fmt
}

func (f *Formatter) options() []string {
	opts := make([]string, 0, len(f.formats))
	for name := range f.formats {
		if name != "" {
			opts = append(opts, name)
		}
	}
	sort.Strings(opts)
	return opts
}

// ConfigFlags sets up the CLI flags based on the configured formatters.
func (f *Formatter) ConfigFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&f.format, "format", "f", "", "Output format. One of: "+strings.Join(f.options(), "|"))
	fs.StringVarP(&f.output, "output", "o", "", "Output file.")
	fs.BoolVarP(&f.overwrite, "overwrite", "F", false, "Overwrite output file")
}

// SetOut sets the destination used when no output file is configured.
func (f *Formatter) SetOut(w io.Writer) {
	f.out = w
}

// Output renders r with the configured format.
func (f *Formatter) Output(r io.Reader) error {
	fmt, err := f.formatter()
	if err != nil {
		return err
	}
	out, err := f.writer()
	if err != nil {
		return err
	}
	defer out.Close() // nolint:errcheck
	return fmt.Output(out, r)
}

func (f *Formatter) formatter() (Format, error) {
	if format, ok := f.formats[f.format]; ok {
		return format, nil
	}
	return nil, errors.Codef(errors.ErrUsage, "unrecognized output format option: %s", f.format)
}

func (f *Formatter) writer() (io.WriteCloser, error) {
	switch f.output {
	case "", "-":
		return ensureNewlineEnding(f.out), nil
	}
	file, err := f.createFile(f.output)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrUsage, err, "cannot create output file")
	}
	return file, nil
}

func (f *Formatter) createFile(path string) (*os.File, error) {
	if f.overwrite {
		return os.Create(path)
	}
	return os.OpenFile(path, os.O_EXCL|os.O_CREATE|os.O_WRONLY, 0o666) //nolint:gomnd
}

func ensureNewlineEnding(w io.Writer) io.WriteCloser {
	return &addNewlineEnding{Writer: w}
}

type addNewlineEnding struct {
	io.Writer
	last    byte
	written bool
}

func (w *addNewlineEnding) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.last = p[len(p)-1]
		w.written = true
	}
	return w.Writer.Write(p)
}

func (w *addNewlineEnding) Close() error {
	if w.written && w.last != '\n' {
		if _, err := w.Writer.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return nil
}
