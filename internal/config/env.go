package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig       = "KEEWEB_AZURE_CONFIG"
	EnvContainerURL = "KEEWEB_AZURE_CONTAINER_URL"
	EnvTenantID     = "KEEWEB_AZURE_TENANT_ID"
	EnvClientID     = "KEEWEB_AZURE_CLIENT_ID"
	EnvClientSecret = "KEEWEB_AZURE_CLIENT_SECRET"
	EnvDeployment   = "KEEWEB_AZURE_DEPLOYMENT"
)

// EnvOverrides holds values derived from environment variables. Empty
// fields mean the variable was unset.
type EnvOverrides struct {
	ConfigPath   string // KEEWEB_AZURE_CONFIG: override config file path
	ContainerURL string
	TenantID     string
	ClientID     string
	ClientSecret string
	Deployment   string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		ContainerURL: os.Getenv(EnvContainerURL),
		TenantID:     os.Getenv(EnvTenantID),
		ClientID:     os.Getenv(EnvClientID),
		ClientSecret: os.Getenv(EnvClientSecret),
		Deployment:   os.Getenv(EnvDeployment),
	}
}

func (e EnvOverrides) apply(cfg *Config) {
	if e.ContainerURL != "" {
		cfg.Storage.ContainerURL = e.ContainerURL
	}

	if e.TenantID != "" {
		cfg.OAuth.TenantID = e.TenantID
	}

	if e.ClientID != "" {
		cfg.OAuth.ClientID = e.ClientID
	}

	if e.ClientSecret != "" {
		cfg.OAuth.ClientSecret = e.ClientSecret
	}

	if e.Deployment != "" {
		cfg.OAuth.Deployment = e.Deployment
	}
}
