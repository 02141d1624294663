// Package fetch wraps portal GETs with in-flight deduplication and
// cache busting. Concurrent requests for the same resource collapse
// into one upstream call, and API reads carry a throwaway query
// parameter so stale intermediary caches never answer them.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opencampus/pushsync/internal/logger"
)

// bustParam is the cache-busting query parameter. It is stripped when
// computing dedup keys so two calls differing only in bust value still
// collapse.
const bustParam = "_"

// Response is the shared result of a deduplicated GET. The body is
// fully read so every caller gets its own copy.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Options configures the client.
type Options struct {
	// APIPrefixes marks paths that get cache busting. Defaults to
	// ["/api/"].
	APIPrefixes []string
	// BustExclusions lists path prefixes inside the API space that are
	// served from immutable caches and must not be busted.
	BustExclusions []string
	// MaxBodyBytes caps how much of a response body is retained.
	MaxBodyBytes int64
}

func (o *Options) applyDefaults() {
	if len(o.APIPrefixes) == 0 {
		o.APIPrefixes = []string{"/api/"}
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 4 << 20
	}
}

// Client is the deduplicating portal HTTP client.
type Client struct {
	http   *http.Client
	group  singleflight.Group
	opts   Options
	logger *logger.Logger
	now    func() time.Time
}

// New creates a client. httpClient may be nil for a default with a
// sane timeout.
func New(httpClient *http.Client, log *logger.Logger, opts Options) *Client {
	opts.applyDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		http:   httpClient,
		opts:   opts,
		logger: log.WithComponent("fetch"),
		now:    time.Now,
	}
}

// Get fetches rawURL, joining any identical request already in flight.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	key, err := dedupKey(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url %q: %w", rawURL, err)
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, rawURL)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("request joined an in-flight duplicate", slog.String("key", key))
	}
	resp := v.(*Response)

	// Copy so one caller mutating the body cannot corrupt another's.
	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       append([]byte(nil), resp.Body...),
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, rawURL string) (*Response, error) {
	target, bust := c.decorate(rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %q: %w", rawURL, err)
	}
	if bust {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// decorate appends the bust parameter to API reads outside the
// exclusion list and reports whether it did.
func (c *Client) decorate(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, false
	}
	if !c.shouldBust(u.Path) {
		return rawURL, false
	}

	q := u.Query()
	q.Set(bustParam, strconv.FormatInt(c.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String(), true
}

func (c *Client) shouldBust(path string) bool {
	for _, excl := range c.opts.BustExclusions {
		if strings.HasPrefix(path, excl) {
			return false
		}
	}
	for _, prefix := range c.opts.APIPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// dedupKey normalizes a URL into its identity for deduplication: the
// bust parameter is dropped and the remaining query is re-encoded in
// sorted order, so permutations of the same request share a key.
func dedupKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Del(bustParam)
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
