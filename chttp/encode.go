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
	"net/url"
	"strings"
)

const (
	prefixDesign = "_design/"
	prefixLocal  = "_local/"
)

// EncodeDocID escapes a document ID for use as a single path segment.
// The '_design/' and '_local/' prefixes are kept as-is. Spaces become %20,
// never '+'.
func EncodeDocID(docID string) string {
	for _, prefix := range []string{prefixDesign, prefixLocal} {
		if rest, ok := strings.CutPrefix(docID, prefix); ok {
			return prefix + escapeSegment(rest)
		}
	}
	return escapeSegment(docID)
}

// DocPath returns the request path of a document in db.
func DocPath(db, docID string) string {
	return "/" + url.PathEscape(db) + "/" + EncodeDocID(docID)
}

func escapeSegment(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
