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

// Package config loads the command line tool configuration from a YAML file,
// COUCHREQ_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"io/fs"
	"net/http"
	"net/url"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	cloudant "github.com/cloudant/java-cloudant-sub004"
	"github.com/cloudant/java-cloudant-sub004/chttp"
	"github.com/cloudant/java-cloudant-sub004/cmd/couchreq/errors"
)

const envPrefix = "COUCHREQ"

// DefaultFile is the default configuration file location.
const DefaultFile = "~/.couchreq/config.yaml"

// Authentication methods.
const (
	AuthAuto   = "auto"
	AuthCookie = "cookie"
	AuthBasic  = "basic"
	AuthIAM    = "iam"
	AuthNone   = "none"
)

// Config is the full app configuration.
type Config struct {
	// URL is the server root. It may include credentials.
	URL      string `mapstructure:"url" validate:"required,url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Auth selects the authentication method. "auto" uses cookie auth when
	// credentials are available, and none otherwise.
	Auth        string `mapstructure:"auth" validate:"oneof=auto cookie basic iam none"`
	APIKey      string `mapstructure:"apikey" validate:"required_if=Auth iam"`
	IAMTokenURL string `mapstructure:"iam-token-url" validate:"omitempty,url"`

	Retries        int           `mapstructure:"retries" validate:"gte=1"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout" validate:"gte=0"`
	ReadTimeout    time.Duration `mapstructure:"read-timeout" validate:"gte=0"`
	Replay429      bool          `mapstructure:"replay-429"`
	Insecure       bool          `mapstructure:"insecure"`
	RequestID      bool          `mapstructure:"request-id"`
	UserAgent      string        `mapstructure:"user-agent"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("url", "http://localhost:5984/")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("auth", AuthAuto)
	v.SetDefault("apikey", "")
	v.SetDefault("iam-token-url", "")
	v.SetDefault("retries", chttp.DefaultRetries)
	v.SetDefault("connect-timeout", time.Duration(0))
	v.SetDefault("read-timeout", time.Duration(0))
	v.SetDefault("replay-429", false)
	v.SetDefault("insecure", false)
	v.SetDefault("request-id", false)
	v.SetDefault("user-agent", "")
}

// ResolveHome expands a leading ~/ in path to the current user's home
// directory.
func ResolveHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	return filepath.Join(usr.HomeDir, path[2:])
}

// Load reads the configuration. A missing file is not an error. flags, if
// not nil, are bound by name to the configuration keys.
func Load(file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Code(errors.ErrUsage, err)
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(errors.ErrData, err, "reading config file %s", file)
		}
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrapf(errors.ErrUsage, err, "invalid configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrapf(errors.ErrUsage, err, "invalid configuration")
	}
	return nil
}

// ServerURL returns the server URL, with the configured credentials merged
// in. Credentials in the configured URL take precedence.
func (c *Config) ServerURL() (*url.URL, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, errors.Code(errors.ErrUsage, err)
	}
	if u.User == nil && c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u, nil
}

// Client returns an HTTP client configured for the server. log receives the
// client's debug output.
func (c *Config) Client(log logrus.FieldLogger) (*chttp.Client, error) {
	u, err := c.ServerURL()
	if err != nil {
		return nil, err
	}
	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	opts := []cloudant.Option{
		chttp.OptionUserAgent("couchreq/" + cloudant.Version),
		chttp.OptionRetries(c.Retries),
		chttp.OptionLogger(log),
	}
	if c.UserAgent != "" {
		opts = append(opts, chttp.OptionUserAgent(c.UserAgent))
	}
	if c.ConnectTimeout > 0 || c.ReadTimeout > 0 {
		opts = append(opts, chttp.OptionTimeouts(c.ConnectTimeout, c.ReadTimeout))
	}
	if c.Replay429 {
		opts = append(opts, chttp.OptionReplay429(chttp.DefaultReplay429Config()))
	}
	if c.RequestID {
		opts = append(opts, chttp.OptionRequestID())
	}
	switch c.Auth {
	case AuthCookie:
		opts = append(opts, chttp.CookieAuth(username, password))
	case AuthBasic:
		opts = append(opts, chttp.BasicAuth(username, password))
	case AuthIAM:
		opts = append(opts, chttp.IAMAuth(chttp.IAMConfig{
			APIKey:    c.APIKey,
			ServerURL: c.IAMTokenURL,
		}))
	}
	if c.Auth != AuthAuto {
		u.User = nil
	}

	client := &http.Client{
		Transport: chttp.NewTransport(chttp.TransportOptions{
			InsecureSkipVerify: c.Insecure,
			DialTimeout:        c.ConnectTimeout,
		}),
	}
	cl, err := chttp.New(client, u.String(), opts...)
	if err != nil {
		return nil, errors.Code(errors.ErrUsage, err)
	}
	return cl, nil
}
