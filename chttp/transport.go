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
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"time"
)

// TransportOptions configures the transport returned by NewTransport.
type TransportOptions struct {
	// TLSConfig is used for HTTPS connections. If nil, a default config is
	// used.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables server certificate validation. Only use this
	// for testing.
	InsecureSkipVerify bool

	// RootCAs, if set, replaces the system certificate pool.
	RootCAs *x509.CertPool

	// DialTimeout is the default connect timeout, used when an attempt does
	// not set one. Zero means 30 seconds.
	DialTimeout time.Duration

	// MaxIdleConnsPerHost sets the size of the idle connection pool per host.
	// Zero means 10.
	MaxIdleConnsPerHost int
}

// NewTransport returns an *http.Transport suitable for use with a Client.
// Unlike http.DefaultTransport, its dialer honors the per-attempt connect
// timeout set by TimeoutInterceptor.
func NewTransport(opts TransportOptions) *http.Transport {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if opts.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true // nolint:gosec
	}
	if opts.RootCAs != nil {
		tlsConfig.RootCAs = opts.RootCAs
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}
	idle := opts.MaxIdleConnsPerHost
	if idle == 0 {
		idle = 10
	}
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialContext(dialer),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   idle,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       tlsConfig,
	}
}

type connectTimeoutKey struct{}

func withConnectTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, connectTimeoutKey{}, d)
}

func connectTimeout(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(connectTimeoutKey{}).(time.Duration)
	return d, ok && d > 0
}

func dialContext(dialer *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if d, ok := connectTimeout(ctx); ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return dialer.DialContext(ctx, network, addr)
	}
}
