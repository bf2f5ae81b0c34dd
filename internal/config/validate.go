package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validation bounds.
const (
	minTimeout = time.Second
	maxPort    = 65535
)

// apiVersionLayout is the date format of x-ms-version values.
const apiVersionLayout = "2006-01-02"

var validLocators = map[string]bool{
	LocatorContainer: true,
	LocatorAccount:   true,
}

var validDeployments = map[string]bool{
	"desktop": true,
	"local":   true,
	"hosted":  true,
}

var validCredentials = map[string]bool{
	CredentialOAuth: true,
	CredentialAzure: true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

// Validate checks all config values and returns every error found, joined.
// Fields that may legitimately be filled in later by environment variables
// (URLs, client_id) are only format-checked here; ValidateResolved enforces
// their presence.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateOAuth(&cfg.OAuth)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

// ValidateResolved runs Validate and additionally requires the values that
// must be known before any storage operation runs.
func ValidateResolved(cfg *Config) error {
	errs := []error{Validate(cfg)}

	switch cfg.Storage.Locator {
	case LocatorContainer:
		if cfg.Storage.ContainerURL == "" {
			errs = append(errs, errors.New("storage.container_url: required when locator is \"container\""))
		}
	case LocatorAccount:
		if cfg.Storage.AccountURL == "" {
			errs = append(errs, errors.New("storage.account_url: required when locator is \"account\""))
		}
	}

	if cfg.OAuth.Credential == CredentialOAuth && cfg.OAuth.ClientID == "" {
		errs = append(errs, errors.New("oauth.client_id: required when credential is \"oauth\""))
	}

	if strings.EqualFold(strings.TrimSpace(cfg.OAuth.Deployment), "hosted") && cfg.OAuth.Credential == CredentialOAuth {
		if cfg.OAuth.ClientSecret == "" {
			errs = append(errs, errors.New("oauth.client_secret: required for the hosted deployment"))
		}

		if cfg.OAuth.RedirectURL == "" {
			errs = append(errs, errors.New("oauth.redirect_url: required for the hosted deployment"))
		}
	}

	return errors.Join(errs...)
}

func validateStorage(s *StorageConfig) []error {
	var errs []error

	if !validLocators[s.Locator] {
		errs = append(errs, fmt.Errorf("storage.locator: must be one of container, account; got %q", s.Locator))
	}

	errs = append(errs, validateHTTPURL("storage.container_url", s.ContainerURL)...)
	errs = append(errs, validateHTTPURL("storage.account_url", s.AccountURL)...)

	if _, err := time.Parse(apiVersionLayout, s.APIVersion); err != nil {
		errs = append(errs, fmt.Errorf("storage.api_version: must be a YYYY-MM-DD service version, got %q", s.APIVersion))
	}

	return errs
}

func validateOAuth(o *OAuthConfig) []error {
	var errs []error

	if !validDeployments[strings.ToLower(strings.TrimSpace(o.Deployment))] {
		errs = append(errs, fmt.Errorf("oauth.deployment: must be one of desktop, local, hosted; got %q", o.Deployment))
	}

	if !validCredentials[o.Credential] {
		errs = append(errs, fmt.Errorf("oauth.credential: must be one of oauth, azure; got %q", o.Credential))
	}

	if strings.TrimSpace(o.TenantID) == "" {
		errs = append(errs, errors.New("oauth.tenant_id: must not be empty"))
	}

	if o.LocalPort < 0 || o.LocalPort > maxPort {
		errs = append(errs, fmt.Errorf("oauth.local_port: must be between 0 and %d, got %d", maxPort, o.LocalPort))
	}

	errs = append(errs, validateHTTPURL("oauth.redirect_url", o.RedirectURL)...)
	errs = append(errs, validateHTTPURL("oauth.revoke_url", o.RevokeURL)...)

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	d, err := time.ParseDuration(n.Timeout)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("network.timeout: invalid duration %q: %w", n.Timeout, err))
	case d < minTimeout:
		errs = append(errs, fmt.Errorf("network.timeout: must be >= %s, got %s", minTimeout, d))
	}

	if strings.TrimSpace(n.UserAgent) == "" {
		errs = append(errs, errors.New("network.user_agent: must not be empty"))
	}

	return errs
}

// validateHTTPURL accepts an empty value or an absolute http(s) URL.
func validateHTTPURL(field, raw string) []error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return []error{fmt.Errorf("%s: must be an absolute http(s) URL, got %q", field, raw)}
	}

	return nil
}
