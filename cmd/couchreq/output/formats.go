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

package output

import (
	"bytes"
	"encoding/json"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/cloudant/java-cloudant-sub004/cmd/couchreq/errors"
)

// Raw returns the raw formatter, which copies its input unmodified.
func Raw() Format {
	return FormatFunc(func(w io.Writer, r io.Reader) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// JSON returns the JSON formatter, which indents its input.
func JSON() Format {
	return FormatFunc(func(w io.Writer, r io.Reader) error {
		raw, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return errors.Code(errors.ErrProtocol, err)
		}
		buf.WriteByte('\n')
		_, err = buf.WriteTo(w)
		return err
	})
}

// YAML returns the YAML formatter, which converts JSON input to YAML.
func YAML() Format {
	return FormatFunc(func(w io.Writer, r io.Reader) error {
		var obj interface{}
		if err := json.NewDecoder(r).Decode(&obj); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Code(errors.ErrProtocol, err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2) // nolint:gomnd
		if err := enc.Encode(obj); err != nil {
			return err
		}
		return enc.Close()
	})
}
