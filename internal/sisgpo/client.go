package sisgpo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/servicodediacob/sisgpo-gateway/internal/config"
	"github.com/sirupsen/logrus"
)

const rosterListingPath = "admin/plantoes"

// Client performs outbound calls against the SISGPO REST API. Every call
// carries a bounded timeout and the caller's context, so an aborted inbound
// request cancels its in-flight upstream call.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *logrus.Entry
}

type loggingTransport struct {
	log *logrus.Entry
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	log := t.log.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    req.URL.Redacted(),
	})

	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		log.WithError(err).Error("Upstream request failed")
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"status_code": resp.StatusCode,
		"duration":    time.Since(start),
	}).Debug("Upstream request completed")
	return resp, nil
}

func newHTTPClient(logger *logrus.Logger, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &loggingTransport{log: logger.WithField("component", "sisgpo_transport")},
	}
}

func NewClient(logger *logrus.Logger, cfg *config.Config) *Client {
	return &Client{
		httpClient: newHTTPClient(logger, cfg.Upstream.Timeout),
		baseURL:    strings.TrimRight(cfg.Upstream.BaseURL, "/"),
		log:        logger.WithField("component", "sisgpo_client"),
	}
}

// Forward issues a pass-through request to {base}/api/{subpath}. Only the
// Content-Type and If-Match request headers are propagated; the body is
// streamed unmodified, so multipart uploads are never buffered. The caller
// owns the returned response body.
func (c *Client) Forward(ctx context.Context, token, method, subpath string, query url.Values, header http.Header, body io.Reader) (*http.Response, error) {
	u := fmt.Sprintf("%s/api/%s", c.baseURL, strings.TrimLeft(subpath, "/"))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "SisgpoGateway/1.0")
	if ct := header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if im := header.Get("If-Match"); im != "" {
		req.Header.Set("If-Match", im)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

// FetchRosterPage retrieves one page of the duty-roster listing filtered to
// duty dates on or after startDate (YYYY-MM-DD).
func (c *Client) FetchRosterPage(ctx context.Context, token string, page, limit int, startDate string) (*RosterPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	query.Set("data_inicio", startDate)

	u := fmt.Sprintf("%s/api/%s?%s", c.baseURL, rosterListingPath, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building roster request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "SisgpoGateway/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("roster request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.WithFields(logrus.Fields{
			"page":        page,
			"status_code": resp.StatusCode,
		}).Error("Roster listing returned non-200")
		return nil, fmt.Errorf("roster listing returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading roster page: %w", err)
	}
	return ParseRosterPage(body)
}
