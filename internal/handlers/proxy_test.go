package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/servicodediacob/sisgpo-gateway/internal/aggregator"
	"github.com/servicodediacob/sisgpo-gateway/internal/cache"
	"github.com/servicodediacob/sisgpo-gateway/internal/config"
	"github.com/servicodediacob/sisgpo-gateway/internal/sisgpo"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type fakeBroker struct {
	token    sisgpo.Token
	err      error
	ssoToken sisgpo.Token
	ssoErr   error
	ssoTTL   time.Duration
}

func (f *fakeBroker) FetchSessionToken(ctx context.Context, user sisgpo.Principal) (sisgpo.Token, error) {
	return f.token, f.err
}

func (f *fakeBroker) GenerateSSOToken(ctx context.Context, user sisgpo.Principal, ssoCtx sisgpo.SSOContext) (sisgpo.Token, error) {
	return f.ssoToken, f.ssoErr
}

func (f *fakeBroker) SSOTokenTTL() time.Duration {
	return f.ssoTTL
}

func gatewayConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL: upstreamURL,
			Timeout: 5 * time.Second,
		},
		Proxy: config.ProxyConfig{
			AllowedPrefixes: []string{"admin/plantoes", "viaturas", "militares"},
			TTLOverrides:    map[string]time.Duration{"viaturas": 15 * time.Second},
			DefaultTTL:      60 * time.Second,
		},
		Aggregator: config.AggregatorConfig{TTL: time.Minute, PageSize: 200, MaxPages: 50},
		SSO: config.SSOConfig{
			BaseURL:   "https://sisgpo.example",
			EntryPath: "/externo/acesso",
			TokenTTL:  300 * time.Second,
		},
	}
}

func newTestGateway(t *testing.T, upstreamURL string, broker sisgpo.SessionBroker) *Gateway {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := gatewayConfig(upstreamURL)
	c := cache.New(logger, cfg.Proxy.DefaultTTL, 0)
	t.Cleanup(c.Stop)

	client := sisgpo.NewClient(logger, cfg)
	agg := aggregator.New(logger, cfg, client)
	return NewGateway(logger, cfg, c, client, broker, agg)
}

func okBroker() *fakeBroker {
	return &fakeBroker{
		token:  sisgpo.Token{Value: "delegated", ExpiresIn: 300 * time.Second},
		ssoTTL: 300 * time.Second,
	}
}

// authedRequest builds a request already carrying the local principal, the
// way RequireIdentity leaves it for the handlers.
func authedRequest(method, target string, body io.Reader) *http.Request {
	r := httptest.NewRequest(method, target, body)
	user := sisgpo.Principal{ID: "42", Credential: "local-cred"}
	return r.WithContext(context.WithValue(r.Context(), principalKey, user))
}

func TestProxy_AllowListIsClosed(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream.URL, okBroker())

	for _, target := range []string{
		"/proxy/segredos/internos",
		"/proxy/viaturas/../admin/usuarios",
		"/proxy/viaturas//x",
		"/proxy/",
	} {
		rec := httptest.NewRecorder()
		gw.HandleProxy(rec, authedRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusForbidden, rec.Code, "target %s must be rejected", target)
	}
	assert.Zero(t, calls.Load(), "rejected paths must never reach upstream")
}

func TestProxy_TokenAttachedAndResponseForwarded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer delegated", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/viaturas/123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":123}`))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream.URL, okBroker())

	rec := httptest.NewRecorder()
	gw.HandleProxy(rec, authedRequest(http.MethodGet, "/proxy/viaturas/123", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"id":123}`, rec.Body.String())
}

func TestProxy_SuccessfulGetIsCached(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("ETag", `"abc"`)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream.URL, okBroker())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		gw.HandleProxy(rec, authedRequest(http.MethodGet, "/proxy/viaturas?status=ativo", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
		assert.Equal(t, `"abc"`, rec.Header().Get("ETag"))
	}

	assert.Equal(t, int32(1), calls.Load(), "second identical GET must be a cache hit")
}

func TestProxy_CacheKeyIgnoresQueryOrder(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream.URL, okBroker())

	rec := httptest.NewRecorder()
	gw.HandleProxy(rec, authedRequest(http.MethodGet, "/proxy/viaturas?a=1&b=2", nil))
	rec = httptest.NewRecorder()
	gw.HandleProxy(rec, authedRequest(http.MethodGet, "/proxy/viaturas?b=2&a=1", nil))

	assert.Equal(t, int32(1), calls.Load())
}

func TestProxy_NonGetNeverCached(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"created":true}`))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream.URL, okBroker())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		gw.HandleProxy(rec, authedRequest(http.MethodPost, "/proxy/viaturas", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	gw.HandleProxy(rec, authedRequest(http.MethodGet, "/proxy/viaturas", nil))

	assert.Equal(t, int32(3), calls.Load(), "POST responses must not seed the GET cache")
}

func TestProxy_NonOKGetNotCached(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"nao encontrado"}`, http.StatusNotFound)
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream.URL, okBroker())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		gw.HandleProxy(rec, authedRequest(http.MethodGet, "/proxy/viaturas/999", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, "upstream errors pass through verbatim")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestProxy_NoContentPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream.URL, okBroker())

	rec := httptest.NewRecorder()
	gw.HandleProxy(rec, authedRequest(http.MethodDelete, "/proxy/viaturas/123", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestProxy_IfMatchForwarded(t *testing.T) {
	var gotIfMatch string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfMatch = r.Header.Get("If-Match")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream.URL, okBroker())

	req := authedRequest(http.MethodPut, "/proxy/viaturas/123", strings.NewReader(`{}`))
	req.Header.Set("If-Match", `"rev-7"`)
	gw.HandleProxy(httptest.NewRecorder(), req)

	assert.Equal(t, `"rev-7"`, gotIfMatch)
}

func TestProxy_MultipartStreamedUnmodified(t *testing.T) {
	const boundary = "xxboundaryxx"
	raw := "--" + boundary + "\r\n" +
		"Content-Disposition: form-data; name=\"arquivo\"; filename=\"foto.jpg\"\r\n" +
		"Content-Type: image/jpeg\r\n\r\n" +
		"rawbytes\r\n" +
		"--" + boundary + "--\r\n"

	var gotBody string
	var gotContentType string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream.URL, okBroker())

	req := authedRequest(http.MethodPost, "/proxy/viaturas/123/fotos", strings.NewReader(raw))
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	rec := httptest.NewRecorder()
	gw.HandleProxy(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, raw, gotBody, "multipart stream must arrive byte for byte")
	assert.Equal(t, "multipart/form-data; boundary="+boundary, gotContentType)
}

func TestProxy_BrokerUnreachableIs503(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	broker := &fakeBroker{err: sisgpo.ErrUpstreamUnreachable}
	gw := newTestGateway(t, upstream.URL, broker)

	rec := httptest.NewRecorder()
	gw.HandleProxy(rec, authedRequest(http.MethodGet, "/proxy/viaturas", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, calls.Load(), "never forward without a token")
}

func TestProxy_BrokerRejectionKeepsStatus(t *testing.T) {
	broker := &fakeBroker{err: &sisgpo.StatusError{Code: http.StatusUnauthorized}}
	gw := newTestGateway(t, "http://127.0.0.1:1", broker)

	rec := httptest.NewRecorder()
	gw.HandleProxy(rec, authedRequest(http.MethodGet, "/proxy/viaturas", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProxy_UpstreamTransportFailureIs502(t *testing.T) {
	gw := newTestGateway(t, "http://127.0.0.1:1", okBroker())

	rec := httptest.NewRecorder()
	gw.HandleProxy(rec, authedRequest(http.MethodGet, "/proxy/viaturas", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCacheFlush_InvalidatesProxyCache(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream.URL, okBroker())

	gw.HandleProxy(httptest.NewRecorder(), authedRequest(http.MethodGet, "/proxy/viaturas", nil))

	rec := httptest.NewRecorder()
	gw.HandleCacheFlush(rec, httptest.NewRequest(http.MethodPost, "/admin/cache/flush", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	gw.HandleProxy(httptest.NewRecorder(), authedRequest(http.MethodGet, "/proxy/viaturas", nil))
	assert.Equal(t, int32(2), calls.Load(), "flush must force the next GET back upstream")
}

func TestRoutes_IdentityRequired(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	gw := newTestGateway(t, upstream.URL, okBroker())
	router := mux.NewRouter()
	RegisterRoutes(router, gw)

	for _, target := range []string{
		"/proxy/viaturas",
		"/sisgpo/engaged-vehicles",
		"/sisgpo/sso-token",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "target %s must demand identity", target)
	}
	assert.Zero(t, calls.Load())

	// With identity headers the request goes through.
	req := httptest.NewRequest(http.MethodGet, "/proxy/viaturas", nil)
	req.Header.Set("X-User-Id", "42")
	req.Header.Set("Authorization", "Bearer local-cred")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	recHealth := httptest.NewRecorder()
	router.ServeHTTP(recHealth, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, recHealth.Code, "healthz stays open")
}
