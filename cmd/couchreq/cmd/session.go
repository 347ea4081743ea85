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

	"github.com/spf13/cobra"

	"github.com/cloudant/java-cloudant-sub004/chttp"
)

type session struct {
	*root
	logout bool
}

func sessionCmd(r *root) *cobra.Command {
	c := &session{
		root: r,
	}
	cmd := &cobra.Command{
		Use:   "session [url]",
		Short: "Show the current session",
		Long:  "Authenticate with the configured credentials, and show the server's view of the session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  c.RunE,
	}
	cmd.Flags().BoolVar(&c.logout, "logout", false, "Delete the session after showing it")
	return cmd
}

func (c *session) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		if _, err := c.target(args[0]); err != nil {
			return err
		}
	}
	client, err := c.client()
	if err != nil {
		return err
	}
	resp, err := client.DoReq(cmd.Context(), http.MethodGet, "/_session", nil)
	if err != nil {
		return err
	}
	defer chttp.CloseBody(resp.Body)
	if c.dumpHeader {
		if err := writeHeader(cmd.OutOrStdout(), resp); err != nil {
			return err
		}
	}
	if err := chttp.ResponseError(resp); err != nil {
		return err
	}
	if err := c.fmt.Output(resp.Body); err != nil {
		return err
	}
	if !c.logout {
		return nil
	}
	if _, err := client.DoError(cmd.Context(), http.MethodDelete, "/_session", nil); err != nil {
		return err
	}
	c.log.Debug("Session deleted")
	return nil
}
