package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/servicodediacob/sisgpo-gateway/internal/aggregator"
	"github.com/servicodediacob/sisgpo-gateway/internal/cache"
	"github.com/servicodediacob/sisgpo-gateway/internal/config"
	"github.com/servicodediacob/sisgpo-gateway/internal/sisgpo"
	"github.com/sirupsen/logrus"
)

// UpstreamForwarder is the slice of the SISGPO client the proxy handler
// needs; tests substitute it.
type UpstreamForwarder interface {
	Forward(ctx context.Context, token, method, subpath string, query url.Values, header http.Header, body io.Reader) (*http.Response, error)
}

// Gateway owns the HTTP surface of the SISGPO integration: the caching
// reverse proxy, the engaged-vehicles endpoint and SSO hand-off.
type Gateway struct {
	cfg      *config.Config
	cache    *cache.Cache
	upstream UpstreamForwarder
	broker   sisgpo.SessionBroker
	agg      *aggregator.Aggregator
	log      *logrus.Entry
}

func NewGateway(logger *logrus.Logger, cfg *config.Config, c *cache.Cache, upstream UpstreamForwarder, broker sisgpo.SessionBroker, agg *aggregator.Aggregator) *Gateway {
	return &Gateway{
		cfg:      cfg,
		cache:    c,
		upstream: upstream,
		broker:   broker,
		agg:      agg,
		log:      logger.WithField("component", "gateway_handlers"),
	}
}

// HandleCacheFlush drops every cached proxy response and delegated token.
// Manual invalidation escape hatch; the next reads repopulate the cache.
func (g *Gateway) HandleCacheFlush(w http.ResponseWriter, r *http.Request) {
	g.cache.Flush()
	g.log.WithField("operation", "cache_flush").Info("Flushed cache")
	w.WriteHeader(http.StatusNoContent)
}

// pathAllowed enforces the closed allow-list: the sub-path must start with
// a configured prefix and contain no traversal sequences.
func (g *Gateway) pathAllowed(subpath string) bool {
	if subpath == "" || strings.Contains(subpath, "..") || strings.Contains(subpath, "//") {
		return false
	}
	for _, prefix := range g.cfg.Proxy.AllowedPrefixes {
		if strings.HasPrefix(subpath, prefix) {
			return true
		}
	}
	return false
}

// sessionToken acquires a delegated token for the request's principal,
// mapping broker failures onto the response per the error taxonomy:
// unreachable broker -> 503, rejected credential -> the broker's status,
// anything else -> 502. Returns false when a response was already written.
func (g *Gateway) sessionToken(w http.ResponseWriter, r *http.Request, log *logrus.Entry) (sisgpo.Token, bool) {
	user, ok := principalFrom(r)
	if !ok {
		http.Error(w, "Missing identity", http.StatusUnauthorized)
		return sisgpo.Token{}, false
	}

	token, err := g.broker.FetchSessionToken(r.Context(), user)
	if err != nil {
		g.writeBrokerError(w, log, err)
		return sisgpo.Token{}, false
	}
	return token, true
}

func (g *Gateway) writeBrokerError(w http.ResponseWriter, log *logrus.Entry, err error) {
	var statusErr *sisgpo.StatusError
	switch {
	case errors.Is(err, sisgpo.ErrUpstreamUnreachable):
		log.WithError(err).Error("Session broker unreachable")
		http.Error(w, "Upstream system unavailable", http.StatusServiceUnavailable)
	case errors.As(err, &statusErr):
		log.WithField("status_code", statusErr.Code).Warn("Delegated credential rejected")
		http.Error(w, "Delegated authentication failed", statusErr.Code)
	default:
		log.WithError(err).Error("Session broker failed")
		http.Error(w, "Upstream authentication failed", http.StatusBadGateway)
	}
}
