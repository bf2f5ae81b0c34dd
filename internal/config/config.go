// Package config implements TOML configuration loading, validation, and
// override resolution for keeweb-azure.
package config

import (
	"path/filepath"
	"time"
)

// Locator kinds accepted by storage.locator.
const (
	LocatorContainer = "container"
	LocatorAccount   = "account"
)

// Credential kinds accepted by oauth.credential.
const (
	CredentialOAuth = "oauth"
	CredentialAzure = "azure"
)

// Config is the top-level configuration structure parsed from a TOML file.
// Each section maps to one table.
type Config struct {
	Storage StorageConfig `toml:"storage"`
	OAuth   OAuthConfig   `toml:"oauth"`
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
}

// StorageConfig selects the blob endpoint that vault paths resolve against.
type StorageConfig struct {
	Locator      string `toml:"locator"`
	ContainerURL string `toml:"container_url"`
	AccountURL   string `toml:"account_url"`
	APIVersion   string `toml:"api_version"`
	GateRemove   bool   `toml:"gate_remove"`
}

// OAuthConfig controls how bearer tokens are obtained.
type OAuthConfig struct {
	Deployment   string `toml:"deployment"`
	Credential   string `toml:"credential"`
	TenantID     string `toml:"tenant_id"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	LocalPort    int    `toml:"local_port"`
	RedirectURL  string `toml:"redirect_url"`
	RevokeURL    string `toml:"revoke_url"`
	TokenFile    string `toml:"token_file"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	Timeout   string `toml:"timeout"`
	UserAgent string `toml:"user_agent"`
}

// CLIOverrides holds values from command-line flags that override config
// file and environment settings. Pointer fields are nil when the flag was
// not given.
type CLIOverrides struct {
	ConfigPath   string
	ContainerURL *string
	LogLevel     *string
}

// TokenPath returns the token cache location: token_file when set,
// otherwise token.json in the data directory.
func (c *Config) TokenPath() string {
	if c.OAuth.TokenFile != "" {
		return expandHome(c.OAuth.TokenFile)
	}

	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, tokenFileName)
}

// HTTPTimeout returns the parsed network.timeout. Validation guarantees the
// value parses; zero is returned only for configs that skipped Validate.
func (c *Config) HTTPTimeout() time.Duration {
	d, err := time.ParseDuration(c.Network.Timeout)
	if err != nil {
		return 0
	}

	return d
}
