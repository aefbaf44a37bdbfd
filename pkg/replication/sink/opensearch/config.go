package opensearch

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/edgeflare/logsync/pkg/util"
)

// AuthType represents supported authentication methods
type AuthType string

const (
	AuthTypeNone   AuthType = "none"
	AuthTypeAPIKey AuthType = "apikey"
	AuthTypeBearer AuthType = "bearer"
	AuthTypeBasic  AuthType = "basic"
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Type AuthType `mapstructure:"type"`
	// APIKey is sent in the APIKeyName header, "Authorization: ApiKey <key>" when APIKeyName is empty
	APIKey     string `mapstructure:"apiKey"`
	APIKeyName string `mapstructure:"apiKeyName"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Token      string `mapstructure:"token"`
}

// Config is the opensearch sink configuration.
type Config struct {
	URL     string            `mapstructure:"url"`
	Auth    AuthConfig        `mapstructure:"auth"`
	Timeout time.Duration     `mapstructure:"timeout"`
	Headers map[string]string `mapstructure:"headers"`
	TLS     util.TLSOptions   `mapstructure:"tls"`
	// Refresh is passed as the refresh query parameter when set (true, false, wait_for)
	Refresh string `mapstructure:"refresh"`
}

func defaultConfig() Config {
	return Config{
		URL:     util.GetEnvOrDefault("LOGSYNC_OPENSEARCH_URL", "http://localhost:9200"),
		Timeout: 30 * time.Second,
		Auth: AuthConfig{
			Type:     AuthType(util.GetEnvOrDefault("LOGSYNC_OPENSEARCH_AUTH_TYPE", string(AuthTypeNone))),
			Username: util.GetEnvOrDefault("LOGSYNC_OPENSEARCH_USERNAME", ""),
			Password: util.GetEnvOrDefault("LOGSYNC_OPENSEARCH_PASSWORD", ""),
		},
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", c.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", c.URL)
	}
	if c.Auth.Type == "" {
		c.Auth.Type = AuthTypeNone
	}
	c.Auth.Type = AuthType(strings.ToLower(string(c.Auth.Type)))

	switch c.Auth.Type {
	case AuthTypeNone:
	case AuthTypeAPIKey:
		if c.Auth.APIKey == "" {
			return fmt.Errorf("API key authentication requires an API key")
		}
	case AuthTypeBasic:
		if c.Auth.Username == "" || c.Auth.Password == "" {
			return fmt.Errorf("basic authentication requires both username and password")
		}
	case AuthTypeBearer:
		if c.Auth.Token == "" {
			return fmt.Errorf("bearer authentication requires a token")
		}
	default:
		return fmt.Errorf("unsupported auth type %q", c.Auth.Type)
	}
	return nil
}
