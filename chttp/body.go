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
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	cloudant "github.com/cloudant/java-cloudant-sub004"
)

// BodySource produces the body of a request. Reader is called once per
// physical attempt, and must return a reader positioned at the start of the
// body every time, so that replays send identical bytes.
type BodySource interface {
	// Reader returns a fresh reader for the body.
	Reader() (io.ReadCloser, error)
	// Len returns the length of the body in bytes, or -1 if unknown. An
	// unknown length causes chunked transfer encoding to be used.
	Len() int64
}

type bytesBody []byte

// BytesBody returns a BodySource for b.
func BytesBody(b []byte) BodySource {
	return bytesBody(b)
}

// StringBody returns a BodySource for s.
func StringBody(s string) BodySource {
	return bytesBody(s)
}

func (b bytesBody) Reader() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b bytesBody) Len() int64 { return int64(len(b)) }

type funcBody struct {
	fn     func() (io.ReadCloser, error)
	length int64
}

// FuncBody returns a BodySource which calls fn for every attempt. length may
// be -1 if unknown.
func FuncBody(fn func() (io.ReadCloser, error), length int64) BodySource {
	return &funcBody{fn: fn, length: length}
}

func (b *funcBody) Reader() (io.ReadCloser, error) { return b.fn() }
func (b *funcBody) Len() int64                     { return b.length }

// readerBody replays an arbitrary reader. Seekable readers are rewound before
// each attempt; anything else is read into memory on first use.
type readerBody struct {
	mu     sync.Mutex
	r      io.Reader
	seeker io.ReadSeeker
	start  int64
	buf    []byte
	read   bool
	length int64

	// current is the reader handed to the latest attempt.
	current *seekReader
}

// seekReader is one attempt's view of a seekable body. Once it is closed, or
// superseded by the reader of a later attempt, it returns no more data, so a
// transport still draining an old attempt cannot consume the replay's bytes.
type seekReader struct {
	b      *readerBody
	closed bool
}

var errBodySuperseded = errors.New("chttp: request body closed")

func (r *seekReader) Read(p []byte) (int, error) {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if r.closed {
		return 0, errBodySuperseded
	}
	return r.b.seeker.Read(p)
}

func (r *seekReader) Close() error {
	r.b.mu.Lock()
	r.closed = true
	r.b.mu.Unlock()
	return nil
}

// ReaderBody returns a BodySource which replays the contents of r. If r
// implements io.Seeker, it is rewound to its initial offset before every
// attempt. Otherwise r is buffered in memory the first time it is needed.
func ReaderBody(r io.Reader) BodySource {
	b := &readerBody{r: r, length: -1}
	if s, ok := r.(io.ReadSeeker); ok {
		if start, err := s.Seek(0, io.SeekCurrent); err == nil {
			b.seeker = s
			b.start = start
			if end, err := s.Seek(0, io.SeekEnd); err == nil {
				b.length = end - start
			}
			_, _ = s.Seek(start, io.SeekStart)
		}
	}
	return b
}

func (b *readerBody) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seeker != nil {
		if b.current != nil {
			b.current.closed = true
		}
		if _, err := b.seeker.Seek(b.start, io.SeekStart); err != nil {
			return nil, err
		}
		b.current = &seekReader{b: b}
		return b.current, nil
	}
	if !b.read {
		buf, err := io.ReadAll(b.r)
		if closer, ok := b.r.(io.Closer); ok {
			_ = closer.Close()
		}
		if err != nil {
			return nil, err
		}
		b.buf = buf
		b.read = true
		b.length = int64(len(buf))
	}
	return io.NopCloser(bytes.NewReader(b.buf)), nil
}

func (b *readerBody) Len() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// JSONBody returns a BodySource which JSON-encodes i on every attempt.
// []byte, json.RawMessage and string values are sent as-is.
func JSONBody(i interface{}) BodySource {
	switch t := i.(type) {
	case []byte:
		return bytesBody(t)
	case json.RawMessage:
		return bytesBody(t)
	case string:
		return bytesBody(t)
	}
	return &funcBody{
		fn: func() (io.ReadCloser, error) {
			return EncodeBody(i), nil
		},
		length: -1,
	}
}

// EncodeBody JSON encodes i to an io.ReadCloser. If an encoding error
// occurs, it will be returned on the next read.
func EncodeBody(i interface{}) io.ReadCloser {
	done := make(chan struct{})
	r, w := io.Pipe()
	go func() {
		defer close(done)
		var err error
		switch t := i.(type) {
		case []byte:
			_, err = w.Write(t)
		case json.RawMessage:
			_, err = w.Write(t)
		case string:
			_, err = w.Write([]byte(t))
		default:
			err = json.NewEncoder(w).Encode(i)
			switch err.(type) {
			case *json.MarshalerError, *json.UnsupportedTypeError, *json.UnsupportedValueError:
				err = &cloudant.Error{Status: http.StatusBadRequest, Err: err}
			}
		}
		_ = w.CloseWithError(err)
	}()
	return &ebReader{
		ReadCloser: r,
		done:       done,
	}
}

type ebReader struct {
	io.ReadCloser
	done <-chan struct{}
}

var _ io.ReadCloser = &ebReader{}

func (r *ebReader) Close() error {
	err := r.ReadCloser.Close()
	<-r.done
	return err
}

// gzipBody compresses another body source on the fly.
type gzipBody struct {
	src BodySource
}

func (b gzipBody) Len() int64 { return -1 }

func (b gzipBody) Reader() (io.ReadCloser, error) {
	body, err := b.src.Reader()
	if err != nil {
		return nil, err
	}
	r, w := io.Pipe()
	go func() {
		defer body.Close() // nolint: errcheck
		gz := gzip.NewWriter(w)
		_, err := io.Copy(gz, body)
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
		w.CloseWithError(err)
	}()
	return r, nil
}

// readAndRestore reads the full body of resp, and replaces it with an
// in-memory copy so that it can be read again by the caller.
func readAndRestore(resp *http.Response) (string, error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return "", nil
	}
	var sb strings.Builder
	_, err := io.Copy(&sb, resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(strings.NewReader(sb.String()))
	return sb.String(), err
}
