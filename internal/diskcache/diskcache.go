// Package diskcache persists raw HTTP responses in a storage backend under a
// byte budget. It implements httpcache.Cache so the HTTP transport can use it
// for freshness and revalidation.
package diskcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/metrics"
	pkglog "github.com/weiawesome/wes-io-live/avatar-loader/pkg/log"
	"github.com/weiawesome/wes-io-live/avatar-loader/pkg/storage"
)

const (
	DefaultPrefix     = "http"
	DefaultMaxBytes   = 50 * 1024 * 1024
	DefaultMaxEntries = 10000
	DefaultOpTimeout  = 10 * time.Second

	contentType = "message/http"
)

var _ httpcache.Cache = (*Cache)(nil)

// Config bounds the cache.
type Config struct {
	Prefix     string        `mapstructure:"prefix"`
	MaxBytes   int64         `mapstructure:"max_bytes"`
	MaxEntries int           `mapstructure:"max_entries"`
	OpTimeout  time.Duration `mapstructure:"op_timeout"`
}

// Cache is safe for concurrent use. The LRU index lives in memory and is
// rebuilt from the backend listing on startup, oldest modification first.
type Cache struct {
	store    storage.Storage
	prefix   string
	maxBytes int64
	timeout  time.Duration

	mu      sync.Mutex
	index   *simplelru.LRU[string, int64]
	size    int64
	evicted []string // blob names removed from the index, awaiting deletion
}

// New opens the cache over store and loads the existing entries.
func New(ctx context.Context, store storage.Storage, cfg Config) (*Cache, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}

	c := &Cache{
		store:    store,
		prefix:   path.Clean(cfg.Prefix),
		maxBytes: cfg.MaxBytes,
		timeout:  cfg.OpTimeout,
	}

	index, err := simplelru.NewLRU[string, int64](cfg.MaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache index: %w", err)
	}
	c.index = index

	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// onEvict runs with c.mu held.
func (c *Cache) onEvict(name string, size int64) {
	c.size -= size
	c.evicted = append(c.evicted, name)
}

func (c *Cache) load(ctx context.Context) error {
	files, err := c.store.List(ctx, c.prefix+"/")
	if err != nil {
		return fmt.Errorf("failed to list cache entries: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].LastModified.Before(files[j].LastModified)
	})

	c.mu.Lock()
	for _, f := range files {
		if !c.isEntry(f.Key) {
			continue
		}
		c.add(f.Key, f.Size)
	}
	pending := c.takeEvicted()
	size, n := c.size, c.index.Len()
	c.mu.Unlock()

	c.remove(ctx, pending)
	metrics.DiskCacheBytes.Set(float64(size))

	l := pkglog.L()
	l.Info().Int("entries", n).Int64(pkglog.FieldBytes, size).Str("prefix", c.prefix).Msg("disk cache loaded")
	return nil
}

// Get returns the stored response for key. An index entry whose blob has
// vanished is dropped and reported as a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	name := c.name(key)

	c.mu.Lock()
	_, ok := c.index.Get(name)
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	rc, err := c.store.Read(ctx, name)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l := pkglog.L()
			l.Warn().Err(err).Str(pkglog.FieldCacheKey, name).Msg("disk cache read failed")
		}
		c.Delete(key)
		return nil, false
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str(pkglog.FieldCacheKey, name).Msg("disk cache read failed")
		return nil, false
	}
	return b, true
}

// Set stores resp under key, evicting least recently used entries until the
// byte budget holds. Responses larger than the whole budget are not stored.
func (c *Cache) Set(key string, resp []byte) {
	n := int64(len(resp))
	if n > c.maxBytes {
		c.Delete(key)
		return
	}

	name := c.name(key)
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.store.Write(ctx, name, bytes.NewReader(resp), n, contentType); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str(pkglog.FieldCacheKey, name).Msg("disk cache write failed")
		return
	}

	c.mu.Lock()
	c.add(name, n)
	pending := c.takeEvicted()
	size := c.size
	c.mu.Unlock()

	c.remove(ctx, pending)
	metrics.DiskCacheBytes.Set(float64(size))
}

// add inserts or refreshes name and trims to the byte budget. c.mu must be held.
func (c *Cache) add(name string, n int64) {
	if old, ok := c.index.Peek(name); ok {
		c.size -= old
	}
	if c.index.Add(name, n) {
		metrics.DiskCacheEvictions.Inc()
	}
	c.size += n

	for c.size > c.maxBytes {
		if _, _, ok := c.index.RemoveOldest(); !ok {
			break
		}
		metrics.DiskCacheEvictions.Inc()
	}
}

// Delete drops the entry for key.
func (c *Cache) Delete(key string) {
	name := c.name(key)

	c.mu.Lock()
	if !c.index.Remove(name) {
		c.evicted = append(c.evicted, name)
	}
	pending := c.takeEvicted()
	size := c.size
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	c.remove(ctx, pending)
	metrics.DiskCacheBytes.Set(float64(size))
}

// Purge removes every entry, including blobs the index does not know about.
func (c *Cache) Purge(ctx context.Context) error {
	c.mu.Lock()
	c.index.Purge()
	c.evicted = nil
	c.size = 0
	c.mu.Unlock()

	metrics.DiskCacheBytes.Set(0)
	if err := c.store.DeletePrefix(ctx, c.prefix); err != nil {
		return fmt.Errorf("failed to purge disk cache: %w", err)
	}
	return nil
}

// Len reports the number of indexed entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index.Len()
}

// Size reports the aggregate size of indexed entries in bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) takeEvicted() []string {
	pending := c.evicted
	c.evicted = nil
	return pending
}

// remove deletes blobs outside the lock. A concurrent Set of the same name
// can lose its blob here; the next Get then self-heals to a miss.
func (c *Cache) remove(ctx context.Context, names []string) {
	for _, name := range names {
		if err := c.store.Delete(ctx, name); err != nil {
			l := pkglog.L()
			l.Warn().Err(err).Str(pkglog.FieldCacheKey, name).Msg("disk cache delete failed")
		}
	}
}

// name maps a cache key (the request URL) to a blob name sharded by the
// first byte of its SHA-256.
func (c *Cache) name(key string) string {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	return path.Join(c.prefix, h[:2], h)
}

func (c *Cache) isEntry(name string) bool {
	h := path.Base(name)
	if len(h) != sha256.Size*2 {
		return false
	}
	if _, err := hex.DecodeString(h); err != nil {
		return false
	}
	return name == path.Join(c.prefix, h[:2], h)
}
