package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// ErrNotLoggedIn is returned when no usable token exists and the provider
// may not start an interactive login.
var ErrNotLoggedIn = errors.New("oauth: not logged in")

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	TokenPath string // required

	// HTTPClient is used for token endpoint calls. Nil uses http.DefaultClient.
	HTTPClient *http.Client

	// Interactive allows Authorize to open a browser login when there is no
	// token or it cannot be refreshed.
	Interactive bool
	// OpenURL launches the browser. Nil uses OpenBrowser.
	OpenURL func(string) error
	// Prompt receives instructions for the user. Nil uses os.Stderr.
	Prompt io.Writer

	Logger *slog.Logger
}

// Provider owns the token for one app registration. It satisfies
// blob.AuthProvider and oauth2.TokenSource; the latter lets an
// oauth2.Transport attach the token to outgoing requests.
type Provider struct {
	cfg        Config
	oauth      *oauth2.Config
	store      tokenStore
	httpClient *http.Client
	logger     *slog.Logger

	interactive bool
	openURL     func(string) error
	prompt      io.Writer

	group singleflight.Group

	mu   sync.Mutex
	src  oauth2.TokenSource
	last *oauth2.Token
}

// NewProvider creates a provider. No token is read until first use.
func NewProvider(cfg Config, opts ProviderOptions) *Provider {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	openURL := opts.OpenURL
	if openURL == nil {
		openURL = OpenBrowser
	}

	prompt := opts.Prompt
	if prompt == nil {
		prompt = os.Stderr
	}

	return &Provider{
		cfg:         cfg,
		oauth:       cfg.oauth2Config(),
		store:       tokenStore{path: opts.TokenPath},
		httpClient:  httpClient,
		logger:      logger,
		interactive: opts.Interactive,
		openURL:     openURL,
		prompt:      prompt,
	}
}

// Config returns the resolved client description.
func (p *Provider) Config() Config {
	return p.cfg
}

// Authorize makes sure a valid token is available: a cached one, a silently
// refreshed one, or, for interactive providers, a fresh browser login.
// Concurrent callers share one attempt so at most one login is in flight.
func (p *Provider) Authorize(ctx context.Context) error {
	_, err, shared := p.group.Do("authorize", func() (any, error) {
		return nil, p.authorize(ctx)
	})

	if shared {
		p.logger.Debug("joined in-flight authorization")
	}

	return err
}

func (p *Provider) authorize(ctx context.Context) error {
	src, err := p.source()
	if err != nil {
		return err
	}

	if src != nil {
		_, tokErr := p.Token()
		if tokErr == nil {
			return nil
		}

		if !p.interactive {
			return tokErr
		}

		p.logger.Warn("token refresh failed, starting browser login",
			slog.String("error", tokErr.Error()),
		)
	} else if !p.interactive {
		return ErrNotLoggedIn
	}

	return p.Login(ctx)
}

// source returns the current token source, loading the saved token on
// first use. It returns nil when nothing usable is saved.
func (p *Provider) source() (oauth2.TokenSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.src != nil {
		return p.src, nil
	}

	st, err := p.store.load()
	if err != nil {
		return nil, err
	}

	if st == nil {
		return nil, nil
	}

	if st.ClientID != p.cfg.ClientID {
		p.logger.Info("saved token belongs to another client, ignoring it",
			slog.String("path", p.store.path),
		)

		return nil, nil
	}

	p.logger.Debug("loaded saved token",
		slog.String("path", p.store.path),
		slog.Time("expiry", st.Token.Expiry),
	)

	p.installLocked(st.Token)

	return p.src, nil
}

// Token returns a valid access token, refreshing it when expired.
// Refreshed tokens are written back to the token file.
func (p *Provider) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	src := p.src
	p.mu.Unlock()

	if src == nil {
		return nil, ErrNotLoggedIn
	}

	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth: obtaining token: %w", err)
	}

	p.persistIfChanged(tok)

	return tok, nil
}

func (p *Provider) persistIfChanged(tok *oauth2.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last != nil && p.last.AccessToken == tok.AccessToken {
		return
	}

	p.last = tok

	p.logger.Info("token refreshed", slog.Time("expiry", tok.Expiry))

	if err := p.store.save(&storedToken{Token: tok, ClientID: p.cfg.ClientID}); err != nil {
		p.logger.Warn("failed to persist refreshed token",
			slog.String("path", p.store.path),
			slog.String("error", err.Error()),
		)
	}
}

// adopt saves a newly issued token and makes it current.
func (p *Provider) adopt(tok *oauth2.Token) error {
	if err := p.store.save(&storedToken{Token: tok, ClientID: p.cfg.ClientID}); err != nil {
		return err
	}

	p.mu.Lock()
	p.installLocked(tok)
	p.mu.Unlock()

	p.logger.Info("login successful",
		slog.String("path", p.store.path),
		slog.Time("expiry", tok.Expiry),
	)

	return nil
}

func (p *Provider) installLocked(tok *oauth2.Token) {
	p.src = p.oauth.TokenSource(p.clientContext(context.Background()), tok)
	p.last = tok
}

// clientContext makes x/oauth2 use the provider's HTTP client.
func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// HTTPClient returns a client that attaches the bearer token to every
// request. base supplies the underlying transport and timeout.
func (p *Provider) HTTPClient(base *http.Client) *http.Client {
	return bearerClient(p, base)
}

func bearerClient(src oauth2.TokenSource, base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}

	return &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: base.Transport},
		Timeout:   base.Timeout,
	}
}

// RevokeToken forgets the token: it is revoked at the server when a
// revocation endpoint is configured, and the token file is removed.
func (p *Provider) RevokeToken(ctx context.Context) error {
	p.mu.Lock()
	last := p.last
	p.src = nil
	p.last = nil
	p.mu.Unlock()

	if last == nil {
		if st, err := p.store.load(); err == nil && st != nil {
			last = st.Token
		}
	}

	var errs []error

	if p.cfg.RevokeURL != "" && last != nil {
		errs = append(errs, p.revoke(ctx, last))
	}

	errs = append(errs, p.store.remove())

	if err := errors.Join(errs...); err != nil {
		return err
	}

	p.logger.Info("logged out", slog.String("path", p.store.path))

	return nil
}
