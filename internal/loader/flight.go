package loader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/fetch"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/metrics"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/transform"
	pkglog "github.com/weiawesome/wes-io-live/avatar-loader/pkg/log"
)

// flight is one load of one URL at one size. Targets binding the same URL
// while it runs join waiters instead of starting another load.
type flight struct {
	url     string
	key     string
	waiters []Target

	// stale is set under Loader.mu when Invalidate detaches the flight. Its
	// result still reaches its waiters but is not cached.
	stale bool
}

func (l *Loader) run(f *flight) {
	defer l.wg.Done()

	metrics.InflightFlights.Inc()
	defer metrics.InflightFlights.Dec()

	img, err := l.load(f.url)
	l.complete(f, img, err)
}

func (l *Loader) load(url string) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("avatar pipeline panic: %v", r)
		}
	}()

	if err := l.ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.sem.Acquire(l.ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)

	start := time.Now()
	defer func() { metrics.PipelineDuration.Observe(time.Since(start).Seconds()) }()

	ctx, cancel := context.WithTimeout(l.ctx, l.fetchTimeout)
	defer cancel()

	data, err := l.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	out, err := transform.Apply(data, l.opts)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// complete publishes the result to the caches and removes the flight from the
// registry in one critical section, so a concurrent Bind always finds one or
// the other. Stale flights publish nothing.
func (l *Loader) complete(f *flight, img image.Image, err error) {
	l.mu.Lock()
	if !f.stale {
		switch {
		case err == nil:
			l.memory.Add(f.key, img)
		case fetch.IsNotFound(err):
			l.missing.Add(f.url)
		}
		delete(l.flights, f.key)
	}
	waiters := f.waiters
	f.waiters = nil
	l.mu.Unlock()

	if err != nil {
		l.logFailure(f.url, len(waiters), err)
	}

	for _, t := range waiters {
		l.deliver(t, f.url, img)
	}
}

func (l *Loader) logFailure(url string, waiters int, err error) {
	category := failureCategory(err)

	var ev *zerolog.Event
	switch category {
	case "not_found":
		ev = l.logger.Info()
	case "canceled":
		ev = l.logger.Debug()
	default:
		ev = l.logger.Warn()
	}
	ev.Str(pkglog.FieldURL, url).
		Str(pkglog.FieldCategory, category).
		Int("waiters", waiters).
		Err(err).
		Msg("avatar load failed")
}

func failureCategory(err error) string {
	var decodeErr *transform.DecodeError
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &decodeErr):
		return "decode"
	default:
		return fetch.Category(err)
	}
}
