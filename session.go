package main

import (
	"fmt"
	"net/http"

	"github.com/RaysceneNS/keeweb-azure/internal/blob"
	"github.com/RaysceneNS/keeweb-azure/internal/config"
	"github.com/RaysceneNS/keeweb-azure/internal/oauth"
)

// authProvider is a blob.AuthProvider that can also attach its token to an
// HTTP client. Both oauth.Provider and oauth.CredentialProvider qualify.
type authProvider interface {
	blob.AuthProvider
	HTTPClient(base *http.Client) *http.Client
}

// Session holds the storage facade built from the resolved config together
// with the auth provider behind it.
type Session struct {
	Storage *blob.Storage
	Auth    authProvider
}

// baseHTTPClient returns the transport-level client with the configured
// timeout. The bearer token is layered on top by the auth provider.
func (cc *CLIContext) baseHTTPClient() *http.Client {
	return &http.Client{Timeout: cc.Cfg.HTTPTimeout()}
}

// oauthProvider builds the delegated-user provider from the [oauth] section.
func (cc *CLIContext) oauthProvider(interactive bool) (*oauth.Provider, error) {
	deployment, err := oauth.ParseDeployment(cc.Cfg.OAuth.Deployment)
	if err != nil {
		return nil, err
	}

	ocfg, err := oauth.Resolve(oauth.Settings{
		Deployment:   deployment,
		TenantID:     cc.Cfg.OAuth.TenantID,
		ClientID:     cc.Cfg.OAuth.ClientID,
		ClientSecret: cc.Cfg.OAuth.ClientSecret,
		LocalPort:    cc.Cfg.OAuth.LocalPort,
		RedirectURL:  cc.Cfg.OAuth.RedirectURL,
		RevokeURL:    cc.Cfg.OAuth.RevokeURL,
	})
	if err != nil {
		return nil, err
	}

	tokenPath := cc.Cfg.TokenPath()
	if tokenPath == "" {
		return nil, fmt.Errorf("cannot determine token path; set oauth.token_file")
	}

	return oauth.NewProvider(ocfg, oauth.ProviderOptions{
		TokenPath:   tokenPath,
		HTTPClient:  cc.baseHTTPClient(),
		Interactive: interactive,
		Prompt:      cc.Stderr,
		Logger:      cc.Logger,
	}), nil
}

// authProvider selects the token source named by oauth.credential.
func (cc *CLIContext) authProvider(interactive bool) (authProvider, error) {
	if cc.Cfg.OAuth.Credential == config.CredentialAzure {
		return oauth.NewDefaultCredentialProvider(cc.Cfg.OAuth.TenantID, cc.Logger)
	}

	return cc.oauthProvider(interactive)
}

// locator builds the path resolver named by storage.locator.
func (cc *CLIContext) locator() (blob.Locator, error) {
	if cc.Cfg.Storage.Locator == config.LocatorAccount {
		return blob.NewAccountLocator(cc.Cfg.Storage.AccountURL)
	}

	return blob.NewContainerLocator(cc.Cfg.Storage.ContainerURL)
}

// NewSession builds the storage facade for one command. Storage commands
// are not interactive: a missing or unrefreshable token is reported with a
// hint to run login.
func NewSession(cc *CLIContext) (*Session, error) {
	auth, err := cc.authProvider(false)
	if err != nil {
		return nil, err
	}

	loc, err := cc.locator()
	if err != nil {
		return nil, err
	}

	storage, err := blob.New(blob.Options{
		Locator:       loc,
		Auth:          auth,
		HTTPClient:    auth.HTTPClient(cc.baseHTTPClient()),
		APIVersion:    cc.Cfg.Storage.APIVersion,
		UserAgent:     cc.Cfg.Network.UserAgent,
		Logger:        cc.Logger,
		UngatedRemove: !cc.Cfg.Storage.GateRemove,
	})
	if err != nil {
		return nil, err
	}

	return &Session{Storage: storage, Auth: auth}, nil
}
