// Package oauth acquires, refreshes, persists and revokes the bearer token
// used for Blob service requests. The endpoint set and login flow are
// selected once from a Deployment when the Provider is built.
package oauth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// Deployment selects how the authorization redirect reaches this process.
type Deployment string

const (
	// DeploymentDesktop redirects to a loopback listener on a random port.
	DeploymentDesktop Deployment = "desktop"
	// DeploymentLocal redirects to a loopback listener on a fixed port,
	// for app registrations that pin the port.
	DeploymentLocal Deployment = "local"
	// DeploymentHosted redirects to a configured public URL that is
	// proxied to the callback listener, and authenticates the client with
	// a secret.
	DeploymentHosted Deployment = "hosted"
)

// ParseDeployment validates a deployment name.
func ParseDeployment(s string) (Deployment, error) {
	switch d := Deployment(strings.ToLower(strings.TrimSpace(s))); d {
	case DeploymentDesktop, DeploymentLocal, DeploymentHosted:
		return d, nil
	default:
		return "", fmt.Errorf("oauth: unknown deployment %q (want desktop, local or hosted)", s)
	}
}

// StorageScope is the delegated permission for the Blob service.
const StorageScope = "https://storage.azure.com/user_impersonation"

// offlineScope requests a refresh token.
const offlineScope = "offline_access"

const (
	defaultTenant    = "common"
	authorityHost    = "https://login.microsoftonline.com"
	popupWidth       = 600
	popupHeight      = 500
	loopbackHost     = "127.0.0.1"
	defaultCbPath    = "/"
	defaultLocalPort = 8085
)

// Settings are the user-facing knobs from the config file.
type Settings struct {
	Deployment   Deployment
	TenantID     string
	ClientID     string
	ClientSecret string
	LocalPort    int
	RedirectURL  string
	RevokeURL    string

	// Authority overrides the login host; tests point it at a mock server.
	Authority string
}

// Config is the resolved, immutable description of one OAuth client.
type Config struct {
	Deployment    Deployment
	ClientID      string
	ClientSecret  string
	AuthURL       string
	TokenURL      string
	DeviceAuthURL string
	RevokeURL     string
	Scopes        []string
	PKCE          bool

	// Window size for hosts that show the consent page in a popup.
	PopupWidth  int
	PopupHeight int

	// ListenAddr is where the callback listener binds. Port 0 means any.
	ListenAddr string
	// CallbackPath is the path the authorization server redirects to.
	CallbackPath string
	// RedirectURL is sent to the authorization server. Empty means it is
	// derived from the listener once bound.
	RedirectURL string
}

// Resolve turns settings into a Config for the chosen deployment.
func Resolve(s Settings) (Config, error) {
	if s.ClientID == "" {
		return Config{}, errors.New("oauth: client_id is required")
	}

	tenant := s.TenantID
	if tenant == "" {
		tenant = defaultTenant
	}

	authority := strings.TrimRight(s.Authority, "/")
	if authority == "" {
		authority = authorityHost
	}

	base := authority + "/" + url.PathEscape(tenant) + "/oauth2/v2.0"

	cfg := Config{
		Deployment:    s.Deployment,
		ClientID:      s.ClientID,
		AuthURL:       base + "/authorize",
		TokenURL:      base + "/token",
		DeviceAuthURL: base + "/devicecode",
		RevokeURL:     s.RevokeURL,
		Scopes:        []string{StorageScope, offlineScope},
		PKCE:          true,
		PopupWidth:    popupWidth,
		PopupHeight:   popupHeight,
		CallbackPath:  defaultCbPath,
	}

	switch s.Deployment {
	case DeploymentDesktop, "":
		cfg.Deployment = DeploymentDesktop
		cfg.ListenAddr = loopbackHost + ":0"
	case DeploymentLocal:
		port := s.LocalPort
		if port == 0 {
			port = defaultLocalPort
		}

		if port < 1 || port > 65535 {
			return Config{}, fmt.Errorf("oauth: local_port %d out of range", port)
		}

		cfg.ListenAddr = fmt.Sprintf("%s:%d", loopbackHost, port)
		cfg.RedirectURL = fmt.Sprintf("http://localhost:%d", port)
	case DeploymentHosted:
		if err := resolveHosted(s, &cfg); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("oauth: unknown deployment %q", s.Deployment)
	}

	return cfg, nil
}

func resolveHosted(s Settings, cfg *Config) error {
	if s.ClientSecret == "" {
		return errors.New("oauth: hosted deployment requires client_secret")
	}

	u, err := url.Parse(s.RedirectURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("oauth: hosted deployment requires an absolute redirect_url, got %q", s.RedirectURL)
	}

	port := s.LocalPort
	if port == 0 {
		port = defaultLocalPort
	}

	cfg.ClientSecret = s.ClientSecret
	cfg.RedirectURL = u.String()
	cfg.CallbackPath = u.Path
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = defaultCbPath
	}

	cfg.ListenAddr = fmt.Sprintf("%s:%d", loopbackHost, port)

	return nil
}

// oauth2Config builds the x/oauth2 client description.
func (c Config) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scopes:       c.Scopes,
		RedirectURL:  c.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:       c.AuthURL,
			TokenURL:      c.TokenURL,
			DeviceAuthURL: c.DeviceAuthURL,
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}
}
