package notification

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mikeyg42/seedo/internal/crypto"
)

const (
	defaultOAuthTimeout = 5 * time.Minute
	defaultSendTimeout  = 30 * time.Second

	defaultCallbackPath = "/oauth2/callback"
	defaultCallbackPort = "8787"

	// Token file permissions (owner read/write only)
	tokenFilePerms = 0600
)

// GmailConfig holds configuration for Gmail OAuth2 sending
type GmailConfig struct {
	// OAuth2 "Desktop app" client from Google Cloud Console.
	ClientID     string
	ClientSecret string

	RedirectURL    string // defaults to http://127.0.0.1:8787/oauth2/callback
	TokenStorePath string // defaults to ./gmail_token.json

	// Master key for the token file. Empty stores the token in plain JSON.
	TokenEncryptionKey string
}

// GmailMailer sends through the Gmail API with the send-only scope. The
// first run performs an interactive browser consent.
type GmailMailer struct {
	cfg    GmailConfig
	svc    *gmail.Service
	logger *zap.Logger
}

func NewGmailMailer(ctx context.Context, cfg GmailConfig, logger *zap.Logger) (*GmailMailer, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("Gmail OAuth2 ClientID/ClientSecret are required")
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%s%s", defaultCallbackPort, defaultCallbackPath)
	}
	if cfg.TokenStorePath == "" {
		cfg.TokenStorePath = "./gmail_token.json"
	}
	if logger == nil {
		logger = zap.L().Named("gmail")
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{gmail.GmailSendScope},
	}

	token, err := loadToken(cfg.TokenStorePath, cfg.TokenEncryptionKey)
	if err != nil {
		logger.Info("No usable Gmail token, starting interactive OAuth", zap.Error(err))
		token, err = runInteractiveOAuth(ctx, oauthCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed OAuth2 flow: %w", err)
		}
		if err := saveToken(cfg.TokenStorePath, token, cfg.TokenEncryptionKey); err != nil {
			return nil, fmt.Errorf("failed to persist token: %w", err)
		}
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("invalid token: missing access and refresh tokens")
	}

	httpClient := oauthCfg.Client(ctx, token)
	httpClient.Timeout = defaultSendTimeout

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to init Gmail service: %w", err)
	}
	return &GmailMailer{cfg: cfg, svc: svc, logger: logger}, nil
}

// Send posts the raw MIME message as base64url without padding.
func (g *GmailMailer) Send(ctx context.Context, email *Email) error {
	if email.From == "" {
		// Gmail substitutes the authenticated account.
		email.From = "me"
	}
	raw, err := BuildMIMEMessage(email)
	if err != nil {
		return fmt.Errorf("failed to build MIME message: %w", err)
	}
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)

	_, err = g.svc.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail send failed: %w", err)
	}
	g.logger.Debug("Gmail send OK", zap.String("alert_id", email.AlertID), zap.Strings("to", maskEmails(email.To)))
	return nil
}

func (g *GmailMailer) Close() error { return nil }

// --- Token storage ---

type tokenData struct {
	Token     *oauth2.Token `json:"token"`
	CreatedAt time.Time     `json:"created_at"`
	Checksum  string        `json:"checksum"`
}

func loadToken(path, key string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	if key != "" {
		plain, err := crypto.Decrypt(string(raw), key)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt token: %w", err)
		}
		raw = []byte(plain)
	}

	var data tokenData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse token data: %w", err)
	}
	if data.Token == nil {
		return nil, errors.New("token file holds no token")
	}
	if calculateChecksum(data.Token) != data.Checksum {
		return nil, fmt.Errorf("token integrity check failed")
	}
	return data.Token, nil
}

func saveToken(path string, token *oauth2.Token, key string) error {
	plain, err := json.Marshal(tokenData{
		Token:     token,
		CreatedAt: time.Now(),
		Checksum:  calculateChecksum(token),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	out := plain
	if key != "" {
		enc, err := crypto.Encrypt(string(plain), key)
		if err != nil {
			return fmt.Errorf("failed to encrypt token: %w", err)
		}
		out = []byte(enc)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, out, tokenFilePerms)
}

func calculateChecksum(token *oauth2.Token) string {
	data := fmt.Sprintf("%s:%s:%s:%v",
		token.AccessToken, token.RefreshToken, token.TokenType, token.Expiry.Unix())
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// --- OAuth interactive flow ---

func runInteractiveOAuth(ctx context.Context, cfg *oauth2.Config, logger *zap.Logger) (*oauth2.Token, error) {
	parsedURL, err := url.Parse(cfg.RedirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}

	listener, err := net.Listen("tcp", parsedURL.Host)
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to bind OAuth callback listener: %w", err)
		}
		parsedURL.Host = listener.Addr().String()
		cfg.RedirectURL = parsedURL.String()
		logger.Info("OAuth callback moved to fallback port", zap.String("addr", parsedURL.Host))
	}
	defer listener.Close()

	state, err := generateSecureState()
	if err != nil {
		return nil, err
	}
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Printf("\n=== Gmail OAuth Setup ===\n")
	fmt.Printf("Visit this URL to authorize seedo to send mail:\n\n%s\n\n", authURL)
	fmt.Printf("Waiting for authorization...\n")

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != defaultCallbackPath {
				http.NotFound(w, r)
				return
			}
			if r.FormValue("state") != state {
				http.Error(w, "Invalid state parameter", http.StatusBadRequest)
				errCh <- fmt.Errorf("OAuth state mismatch")
				return
			}
			if msg := r.FormValue("error"); msg != "" {
				http.Error(w, "Authorization failed: "+msg, http.StatusBadRequest)
				errCh <- fmt.Errorf("OAuth provider error: %s", msg)
				return
			}
			code := r.FormValue("code")
			if code == "" {
				http.Error(w, "Missing authorization code", http.StatusBadRequest)
				errCh <- fmt.Errorf("missing OAuth authorization code")
				return
			}
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body><h1>Authorization Successful</h1><p>You can close this window.</p></body></html>`)
			codeCh <- code
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Warn("OAuth callback server error", zap.Error(err))
		}
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultOAuthTimeout)
	defer cancel()

	var code string
	select {
	case <-timeoutCtx.Done():
		srv.Close()
		return nil, fmt.Errorf("OAuth authorization timeout")
	case err := <-errCh:
		srv.Close()
		return nil, err
	case code = <-codeCh:
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	return tok, nil
}

func generateSecureState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
