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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ajg/form"
	"github.com/go-playground/validator/v10"
	"github.com/icza/dyno"

	cloudant "github.com/cloudant/java-cloudant-sub004"
)

// DefaultIAMServerURL is the default IAM token endpoint.
const DefaultIAMServerURL = "https://iam.cloud.ibm.com/identity/token"

const iamGrantType = "urn:ibm:params:oauth:grant-type:apikey"

// IAMConfig configures IAM session authentication.
type IAMConfig struct {
	// APIKey is the IAM API key exchanged for an access token.
	APIKey string `validate:"required"`

	// ServerURL is the IAM token endpoint. Defaults to DefaultIAMServerURL.
	ServerURL string `validate:"omitempty,url"`

	// ClientID and ClientSecret, if set, are sent to the IAM server as HTTP
	// Basic Auth credentials.
	ClientID     string `validate:"required_with=ClientSecret"`
	ClientSecret string `validate:"required_with=ClientID"`
}

type iamTokenForm struct {
	GrantType    string `form:"grant_type"`
	ResponseType string `form:"response_type"`
	APIKey       string `form:"apikey"`
}

type iamAuth struct {
	IAMConfig
}

var (
	_ authenticator   = &iamAuth{}
	_ cloudant.Option = (*iamAuth)(nil)
)

func (a *iamAuth) Apply(target interface{}) {
	if auth, ok := target.(*authenticator); ok {
		*auth = &iamAuth{IAMConfig: a.IAMConfig}
	}
}

func (a *iamAuth) String() string {
	return fmt.Sprintf("[IAMAuth{apikey:%s,server:%s}]", strings.Repeat("*", len(a.APIKey)), a.ServerURL)
}

// Authenticate installs an IAM session interceptor on the client.
func (a *iamAuth) Authenticate(c *Client) error {
	i, err := NewIAMSessionInterceptor(c.endpoint("/_iam_session"), a.IAMConfig)
	if err != nil {
		return err
	}
	i.SetLogger(c.log)
	c.addInterceptors(i)
	return nil
}

// NewIAMSessionInterceptor returns a session interceptor which exchanges an
// IAM API key for an access token, then exchanges the token for a session
// cookie by POSTing it to sessionURL, normally the server's /_iam_session
// endpoint.
func NewIAMSessionInterceptor(sessionURL *url.URL, cfg IAMConfig) (*CookieSessionInterceptor, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, &cloudant.Error{Status: http.StatusBadRequest, Message: "invalid IAM configuration", Err: err}
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultIAMServerURL
	}
	iamURL, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, &cloudant.Error{Status: http.StatusBadRequest, Err: err}
	}
	var i *CookieSessionInterceptor
	i = newCookieSessionInterceptor("iam-session", sessionURL, func(rc *RequestContext) ([]*http.Cookie, error) {
		token, err := i.iamToken(rc, iamURL, cfg)
		if err != nil {
			return nil, err
		}
		conn := i.sessionConnection(rc, sessionURL)
		conn.ContentType = typeJSON
		conn.Body = BytesBody(token)
		return postSession(rc.Context(), conn)
	})
	return i, nil
}

// iamToken exchanges the API key for an access token, and returns the raw
// token response. The token request carries no request interceptors of the
// original request other than timeouts, so that no database credentials are
// sent to the IAM server.
func (i *CookieSessionInterceptor) iamToken(rc *RequestContext, iamURL *url.URL, cfg IAMConfig) ([]byte, error) {
	body, err := form.EncodeToString(iamTokenForm{
		GrantType:    iamGrantType,
		ResponseType: "cloud_iam",
		APIKey:       cfg.APIKey,
	})
	if err != nil {
		return nil, &InterceptorError{Status: http.StatusBadRequest, Message: "unable to encode IAM token request", Err: err}
	}
	orig := rc.Connection()
	conn := NewConnection(orig.client, http.MethodPost, iamURL)
	conn.SetLogger(orig.log)
	for _, ri := range orig.requestInterceptors {
		if t, ok := ri.(TimeoutInterceptor); ok {
			conn.AddRequestInterceptors(t)
		}
	}
	for _, ri := range orig.responseInterceptors {
		if ri != ResponseInterceptor(i) {
			conn.AddResponseInterceptors(ri)
		}
	}
	if cfg.ClientID != "" {
		conn.AddRequestInterceptors(&basicAuth{Username: cfg.ClientID, Password: cfg.ClientSecret})
	}
	conn.ContentType = typeForm
	conn.Header.Set("Accept", typeJSON)
	conn.Body = StringBody(body)

	i.log.WithField("url", iamURL.Redacted()).Debug("requesting IAM token")
	resp, err := conn.Execute(rc.Context())
	if err != nil {
		return nil, &InterceptorError{Message: "IAM token request failed", Err: err}
	}
	defer CloseBody(resp.Body)
	if err := sessionResponseError(resp); err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &InterceptorError{Message: "failed to read IAM token", Err: err}
	}
	var token map[string]interface{}
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, &InterceptorError{Status: http.StatusBadGateway, Message: "invalid IAM token response", Err: err}
	}
	if access, err := dyno.GetString(token, "access_token"); err != nil || access == "" {
		return nil, &InterceptorError{Status: http.StatusBadGateway, Message: "IAM token response contains no access_token"}
	}
	return raw, nil
}
