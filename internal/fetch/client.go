// Package fetch retrieves raw avatar bytes over HTTP through a persistent
// response cache with standard freshness and revalidation rules.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/metrics"
	pkglog "github.com/weiawesome/wes-io-live/avatar-loader/pkg/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxBodyBytes = 5 * 1024 * 1024
	DefaultUserAgent    = "wes-io-live-avatar-loader/1.0"
)

// Config tunes the HTTP client.
type Config struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	UserAgent    string        `mapstructure:"user_agent"`
}

// Client fetches avatar bytes. Concurrent fetches of one URL share a single
// request. It does not retry.
type Client struct {
	http      *http.Client
	cache     httpcache.Cache
	maxBody   int64
	userAgent string
	group     singleflight.Group

	mu         sync.Mutex
	revalidate map[string]struct{}
}

// New returns a Client caching responses in cache. A nil cache disables caching.
func New(cfg Config, cache httpcache.Cache) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	var rt http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()
	if cache != nil {
		t := httpcache.NewTransport(cache)
		t.Transport = rt
		t.MarkCachedResponses = true
		rt = t
	}

	return &Client{
		http:       &http.Client{Transport: rt, Timeout: cfg.Timeout},
		cache:      cache,
		maxBody:    cfg.MaxBodyBytes,
		userAgent:  cfg.UserAgent,
		revalidate: make(map[string]struct{}),
	}
}

// Fetch returns the body served at rawURL.
func (c *Client) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := parse(rawURL)
	if err != nil {
		metrics.FetchTotal.WithLabelValues(Category(err)).Inc()
		return nil, err
	}

	key := u.String()
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Purge drops the cached response for rawURL. A request for it that is
// already running is no longer shared, and the next fetch bypasses any
// response that request writes back to the cache.
func (c *Client) Purge(rawURL string) {
	u, err := parse(rawURL)
	if err != nil {
		return
	}
	key := u.String()

	c.group.Forget(key)
	if c.cache == nil {
		return
	}
	c.mu.Lock()
	c.revalidate[key] = struct{}{}
	c.mu.Unlock()
	c.cache.Delete(key)
}

func (c *Client) takeRevalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.revalidate[key]
	delete(c.revalidate, key)
	return ok
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	l := pkglog.Ctx(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, c.fail(&Error{Kind: KindFatal, URL: target, Err: err})
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "image/*")
	if c.takeRevalidate(target) {
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.fail(&Error{Kind: KindTransient, URL: target, Err: err})
	}
	defer resp.Body.Close()

	cached := resp.Header.Get(httpcache.XFromCache) != ""
	status := resp.StatusCode

	switch {
	case status >= 200 && status < 300:
		body, err := readAllWithLimit(resp.Body, c.maxBody)
		if err != nil {
			kind := KindTransient
			if errors.Is(err, errBodyTooLarge) {
				kind = KindFatal
			}
			return nil, c.fail(&Error{Kind: kind, URL: target, StatusCode: status, Err: err})
		}
		outcome := "ok"
		if cached {
			outcome = "cached"
		}
		metrics.FetchTotal.WithLabelValues(outcome).Inc()
		l.Debug().Str(pkglog.FieldURL, target).Bool("cached", cached).Int(pkglog.FieldBytes, len(body)).Msg("avatar fetched")
		return body, nil

	case status == http.StatusNotFound || status == http.StatusGone:
		// Drain so the miss can be cached and the connection reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, c.maxBody))
		return nil, c.fail(fmt.Errorf("%w: %s", ErrNotFound, target))

	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return nil, c.fail(&Error{Kind: KindTransient, URL: target, StatusCode: status})

	default:
		return nil, c.fail(&Error{Kind: KindFatal, URL: target, StatusCode: status})
	}
}

func (c *Client) fail(err error) error {
	metrics.FetchTotal.WithLabelValues(Category(err)).Inc()
	return err
}

// parse accepts absolute http and https URLs only.
func parse(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Kind: KindFatal, URL: rawURL, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &Error{Kind: KindFatal, URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &Error{Kind: KindFatal, URL: rawURL, Err: errors.New("missing host")}
	}
	return u, nil
}

var errBodyTooLarge = errors.New("response body too large")

// readAllWithLimit reads at most limit bytes and fails if more are available.
func readAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit %d bytes", errBodyTooLarge, limit)
	}
	return data, nil
}
