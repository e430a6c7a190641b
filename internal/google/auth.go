package google

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	stdsync "sync"
	"time"

	"golang.org/x/oauth2"
	oauthgoogle "golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"

	"github.com/ibrasoft/driveclonr/internal/export"
	"github.com/ibrasoft/driveclonr/internal/tokenfile"
)

// PhotosReadonlyScope grants read access to the Photos library.
const PhotosReadonlyScope = "https://www.googleapis.com/auth/photoslibrary.readonly"

const (
	stateTokenBytes = 16
	callbackPath    = "/"
	shutdownTimeout = 5 * time.Second
)

// Scopes returns the OAuth scopes needed to export services.
func Scopes(services []export.Service) []string {
	var (
		out       []string
		haveDrive bool
		havePhoto bool
	)

	for _, svc := range services {
		switch svc {
		case export.ServiceDrive, export.ServiceSheets, export.ServiceSlides:
			if !haveDrive {
				out = append(out, drive.DriveReadonlyScope)
				haveDrive = true
			}
		case export.ServicePhotos:
			if !havePhoto {
				out = append(out, PhotosReadonlyScope)
				havePhoto = true
			}
		}
	}

	return out
}

// OAuthConfig reads an OAuth client secrets file downloaded from the Google
// Cloud console ("Desktop app" client type).
func OAuthConfig(credentialsFile string, scopes []string) (*oauth2.Config, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("google: reading client credentials: %w", err)
	}

	cfg, err := oauthgoogle.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("google: parsing client credentials %s: %w", credentialsFile, err)
	}

	return cfg, nil
}

// Credentials is a persisted, refreshable Google login. It implements
// oauth2.TokenSource and export.Reauthenticator; every token the OAuth
// library refreshes is written back to the token file.
type Credentials struct {
	cfg    *oauth2.Config
	path   string
	scopes []string
	logger *slog.Logger

	// ctx is bound to the token source for background refreshes and must
	// outlive the Credentials.
	ctx context.Context

	mu    stdsync.Mutex
	src   oauth2.TokenSource
	saved *oauth2.Token
}

// LoadCredentials restores a saved login from tokenPath. It returns
// ErrNotLoggedIn when no token exists and an ErrAuth-wrapped error when the
// saved login does not cover cfg's scopes.
func LoadCredentials(ctx context.Context, cfg *oauth2.Config, tokenPath string, logger *slog.Logger) (*Credentials, error) {
	tf, err := tokenfile.Load(tokenPath)
	if errors.Is(err, tokenfile.ErrNoToken) {
		return nil, ErrNotLoggedIn
	}

	if err != nil {
		return nil, err
	}

	if !tf.Covers(cfg.Scopes) {
		return nil, fmt.Errorf("google: saved login lacks required scopes (run login again): %w", export.ErrAuth)
	}

	logger.Info("loaded saved token",
		slog.String("path", tokenPath),
		slog.Time("expiry", tf.Token.Expiry),
		slog.Bool("expired", !tf.Token.Expiry.IsZero() && tf.Token.Expiry.Before(time.Now())),
	)

	return newCredentials(ctx, cfg, tokenPath, tf.Scopes, tf.Token, logger), nil
}

func newCredentials(
	ctx context.Context,
	cfg *oauth2.Config,
	tokenPath string,
	scopes []string,
	tok *oauth2.Token,
	logger *slog.Logger,
) *Credentials {
	return &Credentials{
		cfg:    cfg,
		path:   tokenPath,
		scopes: scopes,
		logger: logger,
		ctx:    ctx,
		src:    cfg.TokenSource(ctx, tok),
		saved:  tok,
	}
}

// Token returns a valid access token, refreshing it if needed.
func (c *Credentials) Token() (*oauth2.Token, error) {
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		c.logger.Warn("token acquisition failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("google: obtaining token: %w: %w", export.ErrAuth, err)
	}

	c.persist(tok)

	return tok, nil
}

// Reauthenticate discards the cached access token and refreshes it with the
// refresh token. A rejected refresh means the user has to log in again.
func (c *Credentials) Reauthenticate(ctx context.Context) error {
	c.mu.Lock()
	stale := *c.saved
	c.mu.Unlock()

	if stale.RefreshToken == "" {
		return fmt.Errorf("google: no refresh token (run login again): %w", export.ErrAuth)
	}

	stale.AccessToken = ""
	stale.Expiry = time.Unix(1, 0)

	fresh, err := c.cfg.TokenSource(ctx, &stale).Token()
	if err != nil {
		return fmt.Errorf("google: refreshing token: %w: %w", export.ErrAuth, err)
	}

	c.mu.Lock()
	c.src = c.cfg.TokenSource(c.ctx, fresh)
	c.mu.Unlock()

	c.persist(fresh)
	c.logger.Info("credentials refreshed", slog.Time("expiry", fresh.Expiry))

	return nil
}

// HTTPClient returns a client that authorises every request with the
// current token. Each request asks Credentials for its token, so a
// Reauthenticate takes effect immediately.
func (c *Credentials) HTTPClient() *http.Client {
	return &http.Client{Transport: &oauth2.Transport{Source: c, Base: http.DefaultTransport}}
}

// persist saves tok when it differs from the last saved token.
func (c *Credentials) persist(tok *oauth2.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.saved != nil && c.saved.AccessToken == tok.AccessToken {
		return
	}

	// Refresh responses usually omit the refresh token.
	if tok.RefreshToken == "" && c.saved != nil {
		cp := *tok
		cp.RefreshToken = c.saved.RefreshToken
		tok = &cp
	}

	if err := tokenfile.Save(c.path, &tokenfile.File{Token: tok, Scopes: c.scopes}); err != nil {
		c.logger.Warn("failed to persist refreshed token",
			slog.String("path", c.path),
			slog.String("error", err.Error()),
		)

		return
	}

	c.saved = tok

	c.logger.Debug("persisted refreshed token", slog.Time("expiry", tok.Expiry))
}

// callbackResult carries the authorization code or error from the callback
// handler.
type callbackResult struct {
	code string
	err  error
}

// Login runs the installed-app flow: a loopback HTTP server on a random
// port receives the authorization code, which is exchanged with PKCE and
// saved to tokenPath. openURL launches the browser; if it fails the URL is
// printed to stderr.
func Login(
	ctx context.Context,
	cfg *oauth2.Config,
	tokenPath string,
	openURL func(string) error,
	logger *slog.Logger,
) (*Credentials, error) {
	logger.Info("starting browser login", slog.String("path", tokenPath))

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := startCallbackServer(ctx, mux, resultCh, logger)
	if err != nil {
		return nil, err
	}

	defer shutdownCallbackServer(srv, logger)

	cfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d%s", port, callbackPath)

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("google: generating state token: %w", err)
	}

	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		handleOAuthCallback(w, r, state, resultCh)
	})

	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)

	if openErr := openURL(authURL); openErr != nil {
		logger.Warn("failed to open browser, printing URL", slog.String("error", openErr.Error()))
		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}

	var code string

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}

		code = res.code
	case <-ctx.Done():
		return nil, fmt.Errorf("google: login canceled: %w", ctx.Err())
	}

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("google: token exchange failed: %w", err)
	}

	if err := tokenfile.Save(tokenPath, &tokenfile.File{Token: tok, Scopes: cfg.Scopes}); err != nil {
		return nil, fmt.Errorf("google: saving token: %w", err)
	}

	logger.Info("login successful", slog.String("path", tokenPath), slog.Time("expiry", tok.Expiry))

	return newCredentials(context.WithoutCancel(ctx), cfg, tokenPath, cfg.Scopes, tok, logger), nil
}

// Logout removes the saved token.
func Logout(tokenPath string, logger *slog.Logger) error {
	removed, err := tokenfile.Remove(tokenPath)
	if err != nil {
		return err
	}

	if removed {
		logger.Info("removed saved token", slog.String("path", tokenPath))
	} else {
		logger.Info("no saved token to remove", slog.String("path", tokenPath))
	}

	return nil
}

func startCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("google: binding loopback listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, errors.New("google: listener address is not TCP")
	}

	logger.Debug("callback server listening", slog.Int("port", tcpAddr.Port))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: shutdownTimeout}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case resultCh <- callbackResult{err: fmt.Errorf("google: callback server: %w", serveErr)}:
			default:
			}
		}
	}()

	return srv, tcpAddr.Port, nil
}

// handleOAuthCallback validates state, extracts the code and reports it.
// Only the first result is delivered.
func handleOAuthCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	q := r.URL.Query()

	var res callbackResult

	switch {
	case q.Get("state") != state:
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		res.err = errors.New("google: OAuth2 state mismatch")
	case q.Get("error") != "":
		http.Error(w, "Authorization failed: "+q.Get("error"), http.StatusBadRequest)
		res.err = fmt.Errorf("google: authorization failed: %s", q.Get("error"))
	case q.Get("code") == "":
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		res.err = errors.New("google: callback missing authorization code")
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>driveclonr is authorised</h1>"+
			"<p>You can close this window and return to the terminal.</p></body></html>")

		res.code = q.Get("code")
	}

	select {
	case resultCh <- res:
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

func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
