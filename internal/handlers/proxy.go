package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// cachedResponse is the payload stored for a successful proxied GET.
type cachedResponse struct {
	Body        []byte
	ContentType string
	ETag        string
}

// HandleProxy forwards an allow-listed request to the SISGPO REST API,
// serving successful GETs from the cache with a per-prefix TTL.
func (g *Gateway) HandleProxy(w http.ResponseWriter, r *http.Request) {
	subpath := strings.TrimPrefix(r.URL.Path, "/proxy/")
	log := g.log.WithFields(logrus.Fields{
		"operation": "proxy",
		"method":    r.Method,
		"subpath":   subpath,
	})

	if !g.pathAllowed(subpath) {
		log.Warn("Rejected sub-path outside allow-list")
		http.Error(w, "Path not allowed", http.StatusForbidden)
		return
	}

	token, ok := g.sessionToken(w, r, log)
	if !ok {
		return
	}

	cacheKey := proxyCacheKey(subpath, r.URL.Query())
	if r.Method == http.MethodGet {
		if v, hit := g.cache.Get(cacheKey); hit {
			if cached, ok := v.(cachedResponse); ok {
				writeCached(w, cached)
				return
			}
		}
	}

	resp, err := g.upstream.Forward(r.Context(), token.Value, r.Method, subpath, r.URL.Query(), r.Header, r.Body)
	if err != nil {
		log.WithError(err).Error("Upstream forward failed")
		http.Error(w, "Upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	log = log.WithField("upstream_status", resp.StatusCode)

	if etag := resp.Header.Get("ETag"); etag != "" {
		w.Header().Set("ETag", etag)
	}

	if resp.StatusCode == http.StatusNoContent {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.Method == http.MethodGet && resp.StatusCode == http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			log.WithError(err).Error("Failed to read upstream response")
			http.Error(w, "Upstream request failed", http.StatusBadGateway)
			return
		}

		cached := cachedResponse{
			Body:        body,
			ContentType: resp.Header.Get("Content-Type"),
			ETag:        resp.Header.Get("ETag"),
		}
		g.cache.SetTTL(cacheKey, cached, g.cfg.RouteTTL(subpath))
		log.WithField("cache_key", cacheKey).Debug("Cached upstream response")

		if cached.ContentType != "" {
			w.Header().Set("Content-Type", cached.ContentType)
		}
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	// Anything else passes through verbatim, preserving upstream error
	// semantics.
	log.Debug("Forwarding upstream response unmodified")
	forwardResponse(w, resp)
}

func writeCached(w http.ResponseWriter, cached cachedResponse) {
	if cached.ContentType != "" {
		w.Header().Set("Content-Type", cached.ContentType)
	}
	if cached.ETag != "" {
		w.Header().Set("ETag", cached.ETag)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(cached.Body)
}

// proxyCacheKey is namespace:subpath:hash(query). url.Values.Encode sorts
// keys, so the hash is insensitive to parameter order.
func proxyCacheKey(subpath string, query url.Values) string {
	sum := sha256.Sum256([]byte(query.Encode()))
	return fmt.Sprintf("proxy:%s:%s", subpath, hex.EncodeToString(sum[:8]))
}
