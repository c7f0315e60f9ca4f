// gmail_notifier.go
package notification

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	defaultOAuthTimeout = 5 * time.Minute
	defaultSendTimeout  = 30 * time.Second
	defaultCallbackPath = "/oauth2/callback"
	defaultCallbackAddr = "127.0.0.1:8787"

	tokenFilePerms = 0o600
)

// ErrNoToken means the Gmail token file has not been provisioned yet; run
// the authorize step once on a machine with a browser.
var ErrNoToken = errors.New("gmail token not provisioned")

// GmailConfig configures delivery through the Gmail API instead of SMTP.
type GmailConfig struct {
	ClientID     string
	ClientSecret string

	TokenPath string
	// TokenKey is a hex AES-256 key. Empty stores the token unencrypted.
	TokenKey string

	Recipient  string
	Sender     string
	SystemName string
	Retry      RetryConfig
}

func (c *GmailConfig) oauthConfig(redirect string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  redirect,
		Scopes:       []string{gmail.GmailSendScope},
	}
}

// GmailNotifier sends alerts with users.messages.send. It never starts an
// interactive login; the token must already exist.
type GmailNotifier struct {
	cfg    GmailConfig
	svc    *gmail.Service
	logger *zap.Logger
}

func NewGmailNotifier(ctx context.Context, cfg GmailConfig, logger *zap.Logger) (*GmailNotifier, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("gmail client id and secret are required")
	}
	if cfg.Recipient == "" {
		return nil, errors.New("gmail recipient is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = zap.L()
	}

	token, err := LoadToken(cfg.TokenPath, cfg.TokenKey)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.oauthConfig("").Client(ctx, token)
	httpClient.Timeout = defaultSendTimeout
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("init gmail service: %w", err)
	}

	return &GmailNotifier{cfg: cfg, svc: svc, logger: logger.Named("gmail")}, nil
}

func (n *GmailNotifier) Notify(ctx context.Context, a Alert) error {
	from := n.cfg.Sender
	if from == "" {
		from = "me"
	}
	raw, err := ComposeAlertEmail(a, from, n.cfg.Recipient)
	if err != nil {
		return &SendError{Backend: "gmail", Err: err}
	}
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw)

	err = SendWithRetry(ctx, n.cfg.Retry, func(ctx context.Context) error {
		_, err := n.svc.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return &SendError{Backend: "gmail", Err: err}
	}
	n.logger.Info("alert sent via gmail", zap.String("alert_id", a.ID), zap.String("recipient", n.cfg.Recipient))
	return nil
}

// --- token storage ---

type tokenData struct {
	Token     *oauth2.Token `json:"token"`
	CreatedAt time.Time     `json:"created_at"`
	Checksum  string        `json:"checksum"`
}

// LoadToken reads the stored OAuth token, decrypting it when key is set.
func LoadToken(path, key string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoToken, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if key != "" {
		if raw, err = decrypt(raw, key); err != nil {
			return nil, fmt.Errorf("decrypt token: %w", err)
		}
	}

	var data tokenData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	if data.Token == nil || (data.Token.AccessToken == "" && data.Token.RefreshToken == "") {
		return nil, fmt.Errorf("%w: token file has no usable token", ErrNoToken)
	}
	if calculateChecksum(data.Token) != data.Checksum {
		return nil, errors.New("token integrity check failed")
	}
	return data.Token, nil
}

// SaveToken writes token with owner-only permissions.
func SaveToken(path, key string, token *oauth2.Token) error {
	plaintext, err := json.Marshal(tokenData{
		Token:     token,
		CreatedAt: time.Now(),
		Checksum:  calculateChecksum(token),
	})
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	out := plaintext
	if key != "" {
		if out, err = encrypt(plaintext, key); err != nil {
			return fmt.Errorf("encrypt token: %w", err)
		}
	}
	if err := os.WriteFile(path, out, tokenFilePerms); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func encrypt(plaintext []byte, keyHex string) ([]byte, error) {
	gcm, err := newGCM(keyHex)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext []byte, keyHex string) ([]byte, error) {
	gcm, err := newGCM(keyHex)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

func newGCM(keyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid token key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	return cipher.NewGCM(block)
}

func calculateChecksum(token *oauth2.Token) string {
	data := fmt.Sprintf("%s:%s:%s:%v",
		token.AccessToken, token.RefreshToken, token.TokenType, token.Expiry.Unix())
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// --- one-time authorization ---

// Authorize runs the OAuth consent flow once and stores the token. The
// consent URL is printed to out; the browser must be able to reach the
// callback address.
func Authorize(ctx context.Context, cfg GmailConfig, callbackAddr string, out io.Writer) error {
	if callbackAddr == "" {
		callbackAddr = defaultCallbackAddr
	}
	listener, err := net.Listen("tcp", callbackAddr)
	if err != nil {
		return fmt.Errorf("bind OAuth callback listener: %w", err)
	}
	defer listener.Close()

	redirect := (&url.URL{Scheme: "http", Host: listener.Addr().String(), Path: defaultCallbackPath}).String()
	oauthCfg := cfg.oauthConfig(redirect)

	state, err := generateSecureState()
	if err != nil {
		return err
	}
	authURL := oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "Visit this URL to authorize alert e-mails:\n\n%s\n\nWaiting for authorization...\n", authURL)

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != defaultCallbackPath {
				http.NotFound(w, r)
				return
			}
			if r.FormValue("state") != state {
				http.Error(w, "invalid state", http.StatusBadRequest)
				trySend(errCh, errors.New("OAuth state mismatch"))
				return
			}
			if msg := r.FormValue("error"); msg != "" {
				http.Error(w, "authorization failed", http.StatusBadRequest)
				trySend(errCh, fmt.Errorf("OAuth provider error: %s", msg))
				return
			}
			code := r.FormValue("code")
			if code == "" {
				http.Error(w, "missing code", http.StatusBadRequest)
				trySend(errCh, errors.New("missing OAuth authorization code"))
				return
			}
			fmt.Fprint(w, "Authorization complete. You can close this window.")
			select {
			case codeCh <- code:
			default:
			}
		}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go srv.Serve(listener)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, defaultOAuthTimeout)
	defer cancel()

	var code string
	select {
	case <-waitCtx.Done():
		return errors.New("OAuth authorization timed out")
	case err := <-errCh:
		return err
	case code = <-codeCh:
	}

	token, err := oauthCfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("token exchange failed: %w", err)
	}
	return SaveToken(cfg.TokenPath, cfg.TokenKey, token)
}

func trySend(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func generateSecureState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
