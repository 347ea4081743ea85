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

package cmd

import (
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudant/java-cloudant-sub004/chttp"
	"github.com/cloudant/java-cloudant-sub004/cmd/couchreq/errors"
)

type request struct {
	*root
	method      string
	data        string
	contentType string
	query       map[string]string
	noGzip      bool
}

func requestCmd(r *root, method, short string) *cobra.Command {
	c := &request{
		root:   r,
		method: method,
	}
	cmd := &cobra.Command{
		Use:   strings.ToLower(method) + " [url|path]",
		Short: short,
		Long:  short + ". The argument is either a full URL, or a path relative to the configured server.",
		Args:  cobra.ExactArgs(1),
		RunE:  c.RunE,
	}
	f := cmd.Flags()
	f.StringToStringVarP(&c.query, "query", "Q", nil, "Query parameter, specified as key=value. May be repeated.")
	if method == http.MethodPut || method == http.MethodPost {
		f.StringVarP(&c.data, "data", "d", "", "Request body. Use @filename to read a file, or @- to read stdin.")
		f.StringVar(&c.contentType, "content-type", "", "Request Content-Type. Defaults to application/json.")
		f.BoolVar(&c.noGzip, "no-gzip", false, "Do not compress the request body")
	}
	return cmd
}

// body returns the request body described by the --data flag.
func (c *request) body(cmd *cobra.Command) (io.ReadCloser, error) {
	switch {
	case c.data == "":
		return nil, nil
	case c.data == "@-":
		return io.NopCloser(cmd.InOrStdin()), nil
	case strings.HasPrefix(c.data, "@"):
		f, err := os.Open(c.data[1:])
		if err != nil {
			return nil, errors.Wrapf(errors.ErrNoInput, err, "reading request body")
		}
		return f, nil
	}
	return io.NopCloser(strings.NewReader(c.data)), nil
}

func (c *request) options(cmd *cobra.Command) (*chttp.Options, error) {
	opts := &chttp.Options{
		ContentType: c.contentType,
		NoGzip:      c.noGzip,
	}
	if len(c.query) > 0 {
		opts.Query = url.Values{}
		for k, v := range c.query {
			opts.Query.Set(k, v)
		}
	}
	body, err := c.body(cmd)
	if err != nil {
		return nil, err
	}
	opts.Body = body
	return opts, nil
}

func (c *request) RunE(cmd *cobra.Command, args []string) error {
	path, err := c.target(args[0])
	if err != nil {
		return err
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	opts, err := c.options(cmd)
	if err != nil {
		return err
	}
	if opts.Body != nil {
		defer opts.Body.Close() // nolint:errcheck
	}
	c.log.Debugf("%s %s", c.method, path)
	resp, err := client.DoReq(cmd.Context(), c.method, path, opts)
	if err != nil {
		return err
	}
	defer chttp.CloseBody(resp.Body)
	if c.dumpHeader || c.method == http.MethodHead {
		if err := writeHeader(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
	}
	if err := chttp.ResponseError(resp); err != nil {
		return err
	}
	if c.method == http.MethodHead {
		return nil
	}
	return c.fmt.Output(resp.Body)
}
