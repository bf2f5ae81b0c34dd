package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// stateTokenBytes is the number of random bytes in the state parameter.
const stateTokenBytes = 16

// shutdownTimeout bounds how long the callback server drains.
const shutdownTimeout = 5 * time.Second

// DeviceAuth is what the user needs to complete a device code login.
type DeviceAuth struct {
	UserCode        string
	VerificationURI string
}

type callbackResult struct {
	code string
	err  error
}

// Login runs the authorization code flow with PKCE through the browser and
// saves the resulting token. The redirect target depends on the deployment.
func (p *Provider) Login(ctx context.Context) error {
	p.logger.Info("starting browser login",
		slog.String("deployment", string(p.cfg.Deployment)),
		slog.String("listen", p.cfg.ListenAddr),
	)

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := startCallbackServer(ctx, p.cfg.ListenAddr, mux, resultCh, p.logger)
	if err != nil {
		return err
	}

	defer shutdownCallbackServer(srv, p.logger)

	cfg := *p.oauth
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = fmt.Sprintf("http://localhost:%d", port)
	}

	state, err := generateState()
	if err != nil {
		return fmt.Errorf("oauth: generating state: %w", err)
	}

	registerCallbackHandler(mux, p.cfg.CallbackPath, state, resultCh)

	authOpts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}

	var verifier string
	if p.cfg.PKCE {
		verifier = oauth2.GenerateVerifier()
		authOpts = append(authOpts, oauth2.S256ChallengeOption(verifier))
	}

	p.launchBrowser(cfg.AuthCodeURL(state, authOpts...))

	code, err := waitForCallback(ctx, resultCh)
	if err != nil {
		return err
	}

	p.logger.Info("received authorization code, exchanging for token")

	var exchangeOpts []oauth2.AuthCodeOption
	if verifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(verifier))
	}

	tok, err := cfg.Exchange(p.clientContext(ctx), code, exchangeOpts...)
	if err != nil {
		return fmt.Errorf("oauth: token exchange failed: %w", err)
	}

	return p.adopt(tok)
}

// LoginDevice runs the device code flow for hosts without a browser.
// display is called once with the code the user must enter.
func (p *Provider) LoginDevice(ctx context.Context, display func(DeviceAuth)) error {
	p.logger.Info("starting device code login")

	ctx = p.clientContext(ctx)

	da, err := p.oauth.DeviceAuth(ctx)
	if err != nil {
		return fmt.Errorf("oauth: device auth request failed: %w", err)
	}

	display(DeviceAuth{UserCode: da.UserCode, VerificationURI: da.VerificationURI})

	tok, err := p.oauth.DeviceAccessToken(ctx, da)
	if err != nil {
		return fmt.Errorf("oauth: device code authorization failed: %w", err)
	}

	return p.adopt(tok)
}

func startCallbackServer(
	ctx context.Context,
	addr string,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("oauth: binding callback listener %s: %w", addr, err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, errors.New("oauth: callback listener address is not TCP")
	}

	logger.Debug("callback server listening", slog.Int("port", tcpAddr.Port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case resultCh <- callbackResult{err: fmt.Errorf("oauth: callback server: %w", serveErr)}:
			default:
			}
		}
	}()

	return srv, tcpAddr.Port, nil
}

func registerCallbackHandler(mux *http.ServeMux, path, state string, resultCh chan<- callbackResult) {
	mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		handleCallback(w, r, state, resultCh)
	})
}

// handleCallback delivers at most one result; later hits are answered but
// dropped.
func handleCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	q := r.URL.Query()

	var result callbackResult

	switch {
	case q.Get("state") != state:
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		result.err = errors.New("oauth: state mismatch in callback")
	case q.Get("error") != "":
		http.Error(w, "Authorization failed: "+q.Get("error"), http.StatusBadRequest)
		result.err = fmt.Errorf("oauth: authorization failed: %s: %s", q.Get("error"), q.Get("error_description"))
	case q.Get("code") == "":
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		result.err = errors.New("oauth: callback missing authorization code")
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Signed in</h1>"+
			"<p>You can close this window and return to the terminal.</p></body></html>")

		result.code = q.Get("code")
	}

	select {
	case resultCh <- result:
	default:
	}
}

func shutdownCallbackServer(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// launchBrowser opens authURL, printing it for the user when that fails.
func (p *Provider) launchBrowser(authURL string) {
	p.logger.Info("opening browser for authorization")

	if err := p.openURL(authURL); err != nil {
		p.logger.Warn("failed to open browser, printing URL", slog.String("error", err.Error()))
		fmt.Fprintf(p.prompt, "Open this URL in your browser:\n%s\n", authURL)
	}
}

func waitForCallback(ctx context.Context, resultCh <-chan callbackResult) (string, error) {
	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}

		return result.code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("oauth: browser login canceled: %w", ctx.Err())
	}
}

func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
