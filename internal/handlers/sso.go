package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/servicodediacob/sisgpo-gateway/internal/sisgpo"
)

type ssoTokenResponse struct {
	Token       string `json:"token"`
	ExpiresIn   int    `json:"expiresIn"`
	RedirectURL string `json:"redirectUrl"`
}

// HandleSSOToken mints a one-time browser hand-off token and the upstream
// entry URL carrying it, so the caller can redirect without a second login.
func (g *Gateway) HandleSSOToken(w http.ResponseWriter, r *http.Request) {
	log := g.log.WithField("operation", "sso_token")

	user, ok := principalFrom(r)
	if !ok {
		http.Error(w, "Missing identity", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	ssoCtx := sisgpo.SSOContext{
		Vehicle:  q.Get("viatura"),
		DutyDate: q.Get("data"),
		Shift:    q.Get("turno"),
	}

	token, err := g.broker.GenerateSSOToken(r.Context(), user, ssoCtx)
	if err != nil {
		g.writeBrokerError(w, log, err)
		return
	}

	expiresIn := token.ExpiresIn
	if expiresIn == 0 {
		expiresIn = g.broker.SSOTokenTTL()
	}

	writeJSON(w, http.StatusOK, ssoTokenResponse{
		Token:       token.Value,
		ExpiresIn:   int(expiresIn.Seconds()),
		RedirectURL: g.ssoRedirectURL(token.Value, ssoCtx),
	})
}

// ssoRedirectURL builds {sso base}{entry path}?token=...&context..., with
// every parameter URL-encoded.
func (g *Gateway) ssoRedirectURL(token string, ssoCtx sisgpo.SSOContext) string {
	base := strings.TrimRight(g.cfg.SSO.BaseURL, "/") + g.cfg.SSO.EntryPath

	params := url.Values{}
	params.Set("token", token)
	if ssoCtx.Vehicle != "" {
		params.Set("viatura", ssoCtx.Vehicle)
	}
	if ssoCtx.DutyDate != "" {
		params.Set("data", ssoCtx.DutyDate)
	}
	if ssoCtx.Shift != "" {
		params.Set("turno", ssoCtx.Shift)
	}
	return base + "?" + params.Encode()
}
