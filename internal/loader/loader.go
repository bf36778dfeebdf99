// Package loader coordinates avatar requests: it resolves identities to URLs,
// shares one load per URL between concurrent requesters, and delivers the
// rounded bitmap (or a placeholder) to whatever target is still bound to it.
package loader

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/metrics"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/resolver"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/sizing"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/transform"
	pkglog "github.com/weiawesome/wes-io-live/avatar-loader/pkg/log"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultWorkers       = 1
	DefaultMemoryEntries = 256
	DefaultNotFoundTTL   = 10 * time.Minute
	DefaultFetchTimeout  = 30 * time.Second
)

var placeholderColor = color.NRGBA{R: 0xbd, G: 0xbd, B: 0xbd, A: 0xff}

// Target receives the outcome of a Bind. Implementations must be comparable
// (pointer types); the loader uses them as map keys and keeps each one until
// it is rebound or passed to Unbind. Consumers must call Unbind when they are
// destroyed, otherwise the loader holds on to them for its whole lifetime.
type Target interface {
	Deliver(img image.Image)
	DeliverPlaceholder(img image.Image)
}

// Resolver maps an identity to the URL of its avatar.
type Resolver interface {
	Resolve(id resolver.Identity) (string, bool)
}

// Fetcher returns raw image bytes for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
	Purge(url string)
}

// Config tunes the loader. MaxPixels rejects sources whose declared
// width×height exceeds it.
type Config struct {
	Workers       int           `mapstructure:"workers"`
	MemoryEntries int           `mapstructure:"memory_entries"`
	NotFoundTTL   time.Duration `mapstructure:"not_found_ttl"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	MaxPixels     int64         `mapstructure:"max_pixels"`
}

// Option customises a Loader.
type Option func(*Loader)

// WithDispatcher sets where target callbacks run. Default is Inline.
func WithDispatcher(d Dispatcher) Option {
	return func(l *Loader) { l.dispatcher = d }
}

// WithLogger overrides the global logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// WithPlaceholder sets the image delivered when no avatar is available.
func WithPlaceholder(img image.Image) Option {
	return func(l *Loader) { l.placeholder = img }
}

// Loader is safe for concurrent use.
type Loader struct {
	resolver    Resolver
	fetcher     Fetcher
	opts        transform.Options
	dispatcher  Dispatcher
	logger      zerolog.Logger
	placeholder image.Image

	memory       *lru.Cache[string, image.Image]
	missing      *missingCache
	sem          *semaphore.Weighted
	fetchTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	bound   map[Target]string
	flights map[string]*flight
	closed  bool
}

// New builds a Loader rendering avatars at the size and corner radius of policy.
func New(cfg Config, policy sizing.Policy, res Resolver, fetcher Fetcher, opts ...Option) (*Loader, error) {
	if res == nil || fetcher == nil {
		return nil, errors.New("loader: resolver and fetcher are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MemoryEntries <= 0 {
		cfg.MemoryEntries = DefaultMemoryEntries
	}
	if cfg.NotFoundTTL == 0 {
		cfg.NotFoundTTL = DefaultNotFoundTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = transform.DefaultMaxPixels
	}

	memory, err := lru.New[string, image.Image](cfg.MemoryEntries)
	if err != nil {
		return nil, err
	}
	missing, err := newMissingCache(int64(cfg.MemoryEntries), cfg.NotFoundTTL)
	if err != nil {
		return nil, err
	}

	topts := transform.Options{
		Size:         policy.SizePx,
		CornerRadius: policy.CornerRadiusPx,
		MaxPixels:    cfg.MaxPixels,
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		resolver:     res,
		fetcher:      fetcher,
		opts:         topts,
		dispatcher:   Inline,
		logger:       pkglog.L(),
		memory:       memory,
		missing:      missing,
		sem:          semaphore.NewWeighted(int64(cfg.Workers)),
		fetchTimeout: cfg.FetchTimeout,
		ctx:          ctx,
		cancel:       cancel,
		bound:        make(map[Target]string),
		flights:      make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.dispatcher == nil {
		l.dispatcher = Inline
	}
	if l.placeholder == nil {
		l.placeholder = transform.Solid(policy.SizePx, placeholderColor, policy.CornerRadiusPx)
	}
	return l, nil
}

// Bind requests the avatar of id for t. It never blocks on I/O. The outcome
// reaches t through the dispatcher unless t is rebound or unbound first.
func (l *Loader) Bind(t Target, id resolver.Identity) {
	if t == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("avatar bind panicked")
		}
	}()

	url, ok := l.resolver.Resolve(id)
	if !ok {
		l.mu.Lock()
		l.bound[t] = ""
		l.mu.Unlock()
		metrics.BindTotal.WithLabelValues("unresolved").Inc()
		l.deliver(t, "", nil)
		return
	}

	key := cacheKey(url, l.opts)

	l.mu.Lock()
	l.bound[t] = url

	if img, ok := l.memory.Get(key); ok {
		l.mu.Unlock()
		metrics.BindTotal.WithLabelValues("memory_hit").Inc()
		l.deliver(t, url, img)
		return
	}

	if l.closed || l.missing.Has(url) {
		l.mu.Unlock()
		metrics.BindTotal.WithLabelValues("known_missing").Inc()
		l.deliver(t, url, nil)
		return
	}

	if f, ok := l.flights[key]; ok {
		f.waiters = append(f.waiters, t)
		l.mu.Unlock()
		metrics.BindTotal.WithLabelValues("joined").Inc()
		return
	}

	f := &flight{url: url, key: key, waiters: []Target{t}}
	l.flights[key] = f
	l.wg.Add(1)
	l.mu.Unlock()

	metrics.BindTotal.WithLabelValues("scheduled").Inc()
	go l.run(f)
}

// Unbind forgets t. Deliveries still pending for it are dropped.
func (l *Loader) Unbind(t Target) {
	l.mu.Lock()
	delete(l.bound, t)
	l.mu.Unlock()
}

// Invalidate drops every cached copy of the avatar of id so the next Bind
// goes back to the network. A load already running for it keeps serving the
// targets that joined it, but later binds start a fresh one.
func (l *Loader) Invalidate(id resolver.Identity) {
	url, ok := l.resolver.Resolve(id)
	if !ok {
		return
	}
	key := cacheKey(url, l.opts)

	l.mu.Lock()
	if f, ok := l.flights[key]; ok {
		f.stale = true
		delete(l.flights, key)
	}
	l.memory.Remove(key)
	l.missing.Del(url)
	l.mu.Unlock()

	l.fetcher.Purge(url)

	l.logger.Debug().Str(pkglog.FieldURL, url).Msg("avatar invalidated")
}

// Close cancels queued loads and waits for running ones. Their waiters get
// the placeholder. Later binds are answered from memory or with the placeholder.
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	l.missing.Close()
}

// deliver hands img (nil for the placeholder) to t if t is still bound to url
// when the dispatcher runs the callback.
func (l *Loader) deliver(t Target, url string, img image.Image) {
	l.dispatcher.Dispatch(func() {
		l.mu.Lock()
		cur, ok := l.bound[t]
		l.mu.Unlock()
		if !ok || cur != url {
			metrics.DeliveryTotal.WithLabelValues("superseded").Inc()
			return
		}

		defer func() {
			if r := recover(); r != nil {
				l.logger.Error().Interface("panic", r).Str(pkglog.FieldURL, url).Msg("avatar target panicked")
			}
		}()

		if img == nil {
			metrics.DeliveryTotal.WithLabelValues("placeholder").Inc()
			t.DeliverPlaceholder(l.placeholder)
			return
		}
		metrics.DeliveryTotal.WithLabelValues("avatar").Inc()
		t.Deliver(img)
	})
}

func cacheKey(url string, opts transform.Options) string {
	return url + "#" + opts.Key()
}
