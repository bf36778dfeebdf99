package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/diskcache"
	"github.com/weiawesome/wes-io-live/avatar-loader/pkg/storage"
)

func statusServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetch_OK(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK, "png-bytes")
	c := New(Config{}, nil)

	got, err := c.Fetch(context.Background(), srv.URL+"/a.png")
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(got))
}

func TestFetch_SendsUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	_, err := New(Config{UserAgent: "test-agent"}, nil).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "test-agent", ua)
}

func TestFetch_StatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		category string
	}{
		{http.StatusNotFound, "not_found"},
		{http.StatusGone, "not_found"},
		{http.StatusInternalServerError, "transient"},
		{http.StatusBadGateway, "transient"},
		{http.StatusTooManyRequests, "transient"},
		{http.StatusRequestTimeout, "transient"},
		{http.StatusForbidden, "fatal"},
		{http.StatusBadRequest, "fatal"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := statusServer(t, tt.status, "")
			_, err := New(Config{}, nil).Fetch(context.Background(), srv.URL)
			require.Error(t, err)
			assert.Equal(t, tt.category, Category(err))
		})
	}
}

func TestFetch_NotFoundIsNotAFailureKind(t *testing.T) {
	srv, _ := statusServer(t, http.StatusNotFound, "")
	_, err := New(Config{}, nil).Fetch(context.Background(), srv.URL+"/avatar/abc?d=404")

	assert.True(t, IsNotFound(err))
	assert.False(t, IsTransient(err))
	assert.False(t, IsFatal(err))
}

func TestFetch_MalformedURLIsFatal(t *testing.T) {
	c := New(Config{}, nil)
	for _, raw := range []string{"ftp://example.com/a.png", "https:///nohost", "://broken", "relative/path"} {
		_, err := c.Fetch(context.Background(), raw)
		assert.True(t, IsFatal(err), raw)
	}
}

func TestFetch_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(Config{Timeout: time.Second}, nil).Fetch(context.Background(), addr)
	assert.True(t, IsTransient(err))
}

func TestFetch_BodyLimit(t *testing.T) {
	srv, _ := statusServer(t, http.StatusOK, strings.Repeat("x", 64))

	_, err := New(Config{MaxBodyBytes: 16}, nil).Fetch(context.Background(), srv.URL)
	assert.True(t, IsFatal(err))
}

func TestFetch_FreshResponseServedFromCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=3600")
		w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	c := New(Config{}, httpcache.NewMemoryCache())
	for i := 0; i < 3; i++ {
		got, err := c.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, "fresh", string(got))
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch_RevalidatesWithETag(t *testing.T) {
	var hits, revalidations atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Cache-Control", "no-cache")
		if r.Header.Get("If-None-Match") == `"v1"` {
			revalidations.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Write([]byte("body-v1"))
	}))
	defer srv.Close()

	c := New(Config{}, httpcache.NewMemoryCache())
	first, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	second, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "body-v1", string(first))
	assert.Equal(t, "body-v1", string(second))
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int32(1), revalidations.Load())
}

func TestFetch_DiskCacheSurvivesRestart(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=3600")
		w.Write([]byte("persisted"))
	}))
	defer srv.Close()

	st, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	open := func() *Client {
		dc, err := diskcache.New(context.Background(), st, diskcache.Config{})
		require.NoError(t, err)
		return New(Config{}, dc)
	}

	_, err = open().Fetch(context.Background(), srv.URL+"/u/1")
	require.NoError(t, err)

	got, err := open().Fetch(context.Background(), srv.URL+"/u/1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetch_PurgeForcesRefetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Cache-Control", "max-age=3600")
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	c := New(Config{}, httpcache.NewMemoryCache())
	_, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	c.Purge(srv.URL)
	_, err = c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_ConcurrentCallsShareOneRequest(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(started)
		}
		<-release
		w.Write([]byte("shared"))
	}))
	defer srv.Close()

	c := New(Config{}, nil)
	var wg sync.WaitGroup
	results := make([]string, 2)
	fetch := func(i int) {
		defer wg.Done()
		b, err := c.Fetch(context.Background(), srv.URL)
		if err == nil {
			results[i] = string(b)
		}
	}

	wg.Add(2)
	go fetch(0)
	<-started
	go fetch(1)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, []string{"shared", "shared"}, results)
}

func TestFetch_PurgeDetachesInflightRequest(t *testing.T) {
	var hits atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=300")
		if hits.Add(1) == 1 {
			close(started)
			<-release
			w.Write([]byte("old"))
			return
		}
		w.Write([]byte("new"))
	}))
	defer srv.Close()
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()

	c := New(Config{}, httpcache.NewMemoryCache())

	first := make(chan string, 1)
	go func() {
		b, _ := c.Fetch(context.Background(), srv.URL)
		first <- string(b)
	}()
	<-started

	c.Purge(srv.URL)
	b, err := c.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "new", string(b))

	unblock()
	assert.Equal(t, "old", <-first)
	assert.Equal(t, int32(2), hits.Load())
}
