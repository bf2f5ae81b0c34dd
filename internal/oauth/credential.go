package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"golang.org/x/oauth2"
)

// credentialRefreshMargin renews a credential token this long before expiry.
const credentialRefreshMargin = 5 * time.Minute

// CredentialProvider authorizes with an Azure SDK credential (managed
// identity, workload identity, environment or CLI login) instead of a user
// login. It satisfies blob.AuthProvider and oauth2.TokenSource.
type CredentialProvider struct {
	cred   azcore.TokenCredential
	scopes []string
	logger *slog.Logger

	// now is replaced in tests.
	now func() time.Time

	mu  sync.Mutex
	tok azcore.AccessToken
}

// NewCredentialProvider wraps cred. Nil scopes request StorageScope.
func NewCredentialProvider(cred azcore.TokenCredential, scopes []string, logger *slog.Logger) *CredentialProvider {
	if logger == nil {
		logger = slog.Default()
	}

	if len(scopes) == 0 {
		scopes = []string{StorageScope}
	}

	return &CredentialProvider{cred: cred, scopes: scopes, logger: logger, now: time.Now}
}

// NewDefaultCredentialProvider uses azidentity's default credential chain.
// An empty tenantID lets the chain pick the tenant.
func NewDefaultCredentialProvider(tenantID string, logger *slog.Logger) (*CredentialProvider, error) {
	var opts *azidentity.DefaultAzureCredentialOptions
	if tenantID != "" && tenantID != defaultTenant {
		opts = &azidentity.DefaultAzureCredentialOptions{TenantID: tenantID}
	}

	cred, err := azidentity.NewDefaultAzureCredential(opts)
	if err != nil {
		return nil, fmt.Errorf("oauth: creating Azure credential: %w", err)
	}

	return NewCredentialProvider(cred, nil, logger), nil
}

// Authorize fetches a token unless the cached one is still fresh.
func (c *CredentialProvider) Authorize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.freshLocked() {
		return nil
	}

	tok, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: c.scopes})
	if err != nil {
		return fmt.Errorf("oauth: acquiring credential token: %w", err)
	}

	c.tok = tok
	c.logger.Debug("credential token acquired", slog.Time("expiry", tok.ExpiresOn))

	return nil
}

func (c *CredentialProvider) freshLocked() bool {
	return c.tok.Token != "" && c.now().Add(credentialRefreshMargin).Before(c.tok.ExpiresOn)
}

// Token returns the token acquired by the last Authorize.
func (c *CredentialProvider) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok.Token == "" {
		return nil, ErrNotLoggedIn
	}

	return &oauth2.Token{
		AccessToken: c.tok.Token,
		TokenType:   "Bearer",
		Expiry:      c.tok.ExpiresOn,
	}, nil
}

// RevokeToken drops the cached token. Workload credentials cannot be
// revoked by the client.
func (c *CredentialProvider) RevokeToken(context.Context) error {
	c.mu.Lock()
	c.tok = azcore.AccessToken{}
	c.mu.Unlock()

	c.logger.Debug("credential token discarded")

	return nil
}

// HTTPClient returns a client that attaches the credential token.
func (c *CredentialProvider) HTTPClient(base *http.Client) *http.Client {
	return bearerClient(c, base)
}
