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
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cloudant/java-cloudant-sub004/cmd/couchreq/errors"
)

type ping struct {
	*root
	concurrency int
}

func pingCmd(r *root) *cobra.Command {
	c := &ping{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "ping [url]",
		Short: "Ping a server",
		Long:  "Request the server root, optionally from several concurrent workers sharing one session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  c.RunE,
	}
	cmd.Flags().IntVarP(&c.concurrency, "concurrency", "c", 1, "Number of concurrent requests")
	return cmd
}

func (c *ping) RunE(cmd *cobra.Command, args []string) error {
	if c.concurrency < 1 {
		return errors.Codef(errors.ErrUsage, "concurrency must be at least 1, got %d", c.concurrency)
	}
	if len(args) > 0 {
		if _, err := c.target(args[0]); err != nil {
			return err
		}
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	start := time.Now()
	g, ctx := errgroup.WithContext(cmd.Context())
	for i := 0; i < c.concurrency; i++ {
		g.Go(func() error {
			_, err := client.DoError(ctx, http.MethodGet, "/", nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		c.log.Info("[ping] Server down")
		return err
	}
	c.log.Infof("[ping] Server is up (%d requests in %s)", c.concurrency, fmtDuration(time.Since(start)))
	return nil
}
