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

// Package cmd implements the couchreq commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cloudant/java-cloudant-sub004/chttp"
	"github.com/cloudant/java-cloudant-sub004/cmd/couchreq/config"
	"github.com/cloudant/java-cloudant-sub004/cmd/couchreq/errors"
	"github.com/cloudant/java-cloudant-sub004/cmd/couchreq/log"
	"github.com/cloudant/java-cloudant-sub004/cmd/couchreq/output"
)

type root struct {
	confFile   string
	debug      bool
	dumpHeader bool
	log        log.Logger
	conf       *config.Config
	confFlags  *pflag.FlagSet
	cmd        *cobra.Command
	fmt        *output.Formatter

	cl *chttp.Client

	// resolveHome is used to resolve ~ in the default config file path
	resolveHome func(string) string
}

// Execute runs the command line tool, and exits.
func Execute(ctx context.Context) {
	lg := log.New()
	root := rootCmd(lg)
	os.Exit(root.execute(ctx))
}

func (r *root) execute(ctx context.Context) int {
	err := r.cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	return extractExitCode(err)
}

func extractExitCode(err error) int {
	if code := errors.ExitStatus(err); code != 0 {
		return code
	}

	// Any unhandled errors are assumed to be from Cobra, so return a "failed
	// to initialize" error
	return errors.ErrUsage
}

func rootCmd(lg log.Logger) *root {
	r := &root{
		log:         lg,
		fmt:         output.New(),
		resolveHome: config.ResolveHome,
	}
	r.cmd = &cobra.Command{
		Use:               "couchreq",
		Short:             "couchreq sends requests to CouchDB and Cloudant servers",
		Long:              `This tool sends HTTP requests to a CouchDB or Cloudant server, handling session authentication, retries and rate limiting.`,
		PersistentPreRunE: r.init,
	}

	pf := r.cmd.PersistentFlags()
	r.fmt.ConfigFlags(pf)
	pf.StringVar(&r.confFile, "config", config.DefaultFile, "Path to config file to use for CLI requests")
	pf.BoolVar(&r.debug, "debug", false, "Enable debug output")
	pf.BoolVarP(&r.dumpHeader, "header", "H", false, "Output response header")

	// Flags bound to configuration keys.
	cf := pflag.NewFlagSet("config", pflag.ContinueOnError)
	cf.String("url", "", "Server URL. May include credentials.")
	cf.StringP("username", "u", "", "Username for cookie or basic authentication")
	cf.StringP("password", "p", "", "Password for cookie or basic authentication")
	cf.String("auth", config.AuthAuto, "Authentication method. One of: auto|cookie|basic|iam|none")
	cf.String("apikey", "", "IAM API key")
	cf.String("iam-token-url", "", "IAM token endpoint")
	cf.Int("retries", chttp.DefaultRetries, "Maximum number of attempts per request")
	cf.Duration("connect-timeout", 0, "Limits the time spent establishing a TCP connection.")
	cf.Duration("read-timeout", 0, "Limits the time spent waiting for the response to start.")
	cf.Bool("replay-429", false, "Replay requests rejected with 429 Too Many Requests, with exponential backoff")
	cf.Bool("insecure", false, "Skip TLS certificate validation")
	cf.Bool("request-id", false, "Send an X-Request-ID header, constant across retries")
	cf.String("user-agent", "", "Additional User-Agent product")
	pf.AddFlagSet(cf)
	r.confFlags = cf

	r.cmd.AddCommand(requestCmd(r, http.MethodGet, "Fetch a resource"))
	r.cmd.AddCommand(requestCmd(r, http.MethodHead, "Fetch the headers of a resource"))
	r.cmd.AddCommand(requestCmd(r, http.MethodPut, "Create or update a resource"))
	r.cmd.AddCommand(requestCmd(r, http.MethodPost, "Post to a resource"))
	r.cmd.AddCommand(requestCmd(r, http.MethodDelete, "Delete a resource"))
	r.cmd.AddCommand(sessionCmd(r))
	r.cmd.AddCommand(pingCmd(r))

	return r
}

func (r *root) init(cmd *cobra.Command, _ []string) error {
	r.log.SetOut(cmd.OutOrStdout())
	r.log.SetErr(cmd.ErrOrStderr())
	r.log.SetDebug(r.debug)
	r.fmt.SetOut(cmd.OutOrStdout())

	r.log.Debug("Debug mode enabled")

	conf, err := config.Load(r.resolveHome(r.confFile), r.confFlags)
	if err != nil {
		return err
	}
	r.conf = conf
	cmd.SilenceUsage = true
	return nil
}

// target resolves a command line argument to a request path. A full URL
// also replaces the configured server.
func (r *root) target(arg string) (string, error) {
	u, err := url.Parse(arg)
	if err != nil {
		return "", errors.Code(errors.ErrUsage, err)
	}
	if u.Scheme != "" && u.Host != "" {
		server := &url.URL{Scheme: u.Scheme, Host: u.Host, User: u.User, Path: "/"}
		r.conf.URL = server.String()
		r.log.Debugf("Server from command line: %s", server.Redacted())
	}
	path := "/" + strings.TrimPrefix(u.EscapedPath(), "/")
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path, nil
}

func (r *root) client() (*chttp.Client, error) {
	if r.cl != nil {
		return r.cl, nil
	}
	cl, err := r.conf.Client(r.log.FieldLogger())
	if err != nil {
		return nil, err
	}
	r.log.Debugf("Server: %s", redact(cl.DSN()))
	r.cl = cl
	return cl, nil
}

func redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	return u.Redacted()
}

// writeHeader writes the status line and headers of resp to w.
func writeHeader(w io.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(w, "%s %s\n", resp.Proto, resp.Status); err != nil {
		return err
	}
	header := resp.Header.Clone()
	header.Del("Date")
	if err := header.Write(w); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w)
	return err
}

func fmtDuration(dur time.Duration) string {
	s := dur.Seconds()
	if s < 60 {
		return fmt.Sprintf("%0.2fs", s)
	}
	m := int(s / 60)
	s -= float64(m) * 60
	if m < 60 {
		return fmt.Sprintf("%dm%ds", m, int(s))
	}
	h := m / 60
	m -= h * 60
	return fmt.Sprintf("%dh%dm", h, m)
}
