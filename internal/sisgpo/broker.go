package sisgpo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/servicodediacob/sisgpo-gateway/internal/cache"
	"github.com/servicodediacob/sisgpo-gateway/internal/config"
	"github.com/sirupsen/logrus"
)

// ErrUpstreamUnreachable marks network-level broker failures (connection
// refused, DNS, timeout) so handlers can answer 503 instead of the broker's
// own status.
var ErrUpstreamUnreachable = errors.New("sisgpo unreachable")

// StatusError carries a non-2xx status from the broker; the handler
// propagates the code to the caller unchanged.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("broker rejected request with status %d", e.Code)
}

// Principal is the already-authenticated local user on whose behalf
// delegated credentials are minted. Credential is the local bearer token;
// the broker validates it, the gateway never does.
type Principal struct {
	ID         string
	Credential string
}

// SSOContext is optional hand-off context embedded in an SSO token.
type SSOContext struct {
	Vehicle  string
	DutyDate string
	Shift    string
}

// Token is an opaque bearer credential plus its lifetime. The gateway never
// inspects the value's claims.
type Token struct {
	Value     string
	ExpiresIn time.Duration
}

// SessionBroker mints short-lived upstream credentials for a local user.
type SessionBroker interface {
	// FetchSessionToken exchanges the local principal for an upstream
	// session token. Errors wrap ErrUpstreamUnreachable for transport
	// failures and *StatusError for rejected credentials.
	FetchSessionToken(ctx context.Context, user Principal) (Token, error)

	// GenerateSSOToken mints a one-time browser hand-off token carrying
	// the given context. Never cached.
	GenerateSSOToken(ctx context.Context, user Principal, ssoCtx SSOContext) (Token, error)

	// SSOTokenTTL is the lifetime of tokens minted by GenerateSSOToken.
	SSOTokenTTL() time.Duration
}

const (
	tokenCachePrefix = "sisgpo:token:"
	tokenCacheMax    = 60 * time.Second
	tokenTTLMargin   = 30 * time.Second
)

// HTTPBroker implements SessionBroker against the SISGPO auth endpoints.
// Session tokens are reused per user for a short window; SSO tokens are
// one-time and never cached.
type HTTPBroker struct {
	httpClient *http.Client
	authURL    string
	ssoURL     string
	ssoTTL     time.Duration
	cache      *cache.Cache
	log        *logrus.Entry
}

func NewHTTPBroker(logger *logrus.Logger, cfg *config.Config, c *cache.Cache) *HTTPBroker {
	base := strings.TrimRight(cfg.Upstream.BaseURL, "/")
	return &HTTPBroker{
		httpClient: newHTTPClient(logger, cfg.Upstream.Timeout),
		authURL:    base + cfg.Upstream.AuthPath,
		ssoURL:     base + cfg.Upstream.SSOPath,
		ssoTTL:     cfg.SSO.TokenTTL,
		cache:      c,
		log:        logger.WithField("component", "session_broker"),
	}
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (b *HTTPBroker) FetchSessionToken(ctx context.Context, user Principal) (Token, error) {
	cacheKey := tokenCachePrefix + user.ID
	if v, ok := b.cache.Get(cacheKey); ok {
		if tok, ok := v.(Token); ok {
			return tok, nil
		}
	}

	payload, _ := json.Marshal(map[string]string{"usuario_id": user.ID})
	tok, err := b.mint(ctx, b.authURL, user, payload)
	if err != nil {
		return Token{}, err
	}

	if reuse := reuseWindow(tok.ExpiresIn); reuse > 0 {
		b.cache.SetTTL(cacheKey, tok, reuse)
	}
	return tok, nil
}

func (b *HTTPBroker) GenerateSSOToken(ctx context.Context, user Principal, ssoCtx SSOContext) (Token, error) {
	body := map[string]string{"usuario_id": user.ID}
	if ssoCtx.Vehicle != "" {
		body["viatura"] = ssoCtx.Vehicle
	}
	if ssoCtx.DutyDate != "" {
		body["data"] = ssoCtx.DutyDate
	}
	if ssoCtx.Shift != "" {
		body["turno"] = ssoCtx.Shift
	}
	payload, _ := json.Marshal(body)

	tok, err := b.mint(ctx, b.ssoURL, user, payload)
	if err != nil {
		return Token{}, err
	}
	if tok.ExpiresIn == 0 {
		tok.ExpiresIn = b.ssoTTL
	}
	return tok, nil
}

func (b *HTTPBroker) SSOTokenTTL() time.Duration {
	return b.ssoTTL
}

func (b *HTTPBroker) mint(ctx context.Context, endpoint string, user Principal, payload []byte) (Token, error) {
	start := time.Now()
	log := b.log.WithFields(logrus.Fields{
		"operation": "mint_token",
		"user_id":   user.ID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return Token{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+user.Credential)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Error("Token request failed")
		return Token{}, fmt.Errorf("token request failed: %w: %w", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		log.WithField("status_code", resp.StatusCode).Warn("Token minting rejected")
		return Token{}, &StatusError{Code: resp.StatusCode}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Token{}, fmt.Errorf("decoding token response: %w", err)
	}
	if tr.Token == "" {
		return Token{}, fmt.Errorf("broker returned an empty token")
	}

	log.WithFields(logrus.Fields{
		"duration":   time.Since(start),
		"expires_in": tr.ExpiresIn,
	}).Debug("Minted delegated token")
	return Token{
		Value:     tr.Token,
		ExpiresIn: time.Duration(tr.ExpiresIn) * time.Second,
	}, nil
}

// reuseWindow bounds how long a delegated token may be served from cache:
// its own TTL minus a safety margin, never more than tokenCacheMax.
func reuseWindow(ttl time.Duration) time.Duration {
	w := ttl - tokenTTLMargin
	if w > tokenCacheMax {
		w = tokenCacheMax
	}
	return w
}
