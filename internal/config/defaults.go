package config

import "github.com/RaysceneNS/keeweb-azure/internal/blob"

// Default values for configuration options. These are layer 0 of the
// override chain: defaults -> file -> env -> CLI.
const (
	defaultLocator    = LocatorContainer
	defaultAPIVersion = blob.DefaultAPIVersion
	defaultDeployment = "desktop"
	defaultCredential = CredentialOAuth
	defaultTenantID   = "common"
	defaultLocalPort  = 8085
	defaultLogLevel   = "info"
	defaultLogFormat  = "auto"
	defaultTimeout    = "30s"
	defaultUserAgent  = "keeweb-azure/0.1"
)

// DefaultConfig returns a Config populated with all default values. It is
// both the starting point for TOML decoding (unset fields keep defaults) and
// the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Locator:    defaultLocator,
			APIVersion: defaultAPIVersion,
			GateRemove: true,
		},
		OAuth: OAuthConfig{
			Deployment: defaultDeployment,
			Credential: defaultCredential,
			TenantID:   defaultTenantID,
			LocalPort:  defaultLocalPort,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			Timeout:   defaultTimeout,
			UserAgent: defaultUserAgent,
		},
	}
}
