package warmer

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/fetch"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/loader"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/mq"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/resolver"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/sizing"
	"github.com/weiawesome/wes-io-live/avatar-loader/pkg/storage"
)

const (
	baseURL   = "http://minio.local:9000"
	sourceURL = "http://minio.local:9000/avatars/processed/u-42/up-1/lg.jpg"
)

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string][]byte
	calls  int
	purged []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	body, ok := f.bodies[url]
	if !ok {
		return nil, fetch.ErrNotFound
	}
	return body, nil
}

func (f *fakeFetcher) Purge(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, url)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*mq.AvatarRenderedEvent
	err    error
}

func (p *fakePublisher) PublishAvatarRendered(_ context.Context, event *mq.AvatarRenderedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) Events() []*mq.AvatarRenderedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*mq.AvatarRenderedEvent(nil), p.events...)
}

func jpegOf(t *testing.T, c color.Color) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(40, 40, c), imaging.JPEG))
	return buf.Bytes()
}

func processedEvent() *mq.AvatarProcessedEvent {
	return &mq.AvatarProcessedEvent{
		UserID: "u-42",
		Processed: mq.AvatarProcessedObjects{
			Sm: mq.AvatarObjectRef{Bucket: "avatars", Key: "processed/u-42/up-1/sm.jpg"},
			Md: mq.AvatarObjectRef{Bucket: "avatars", Key: "processed/u-42/up-1/md.jpg"},
			Lg: mq.AvatarObjectRef{Bucket: "avatars", Key: "processed/u-42/up-1/lg.jpg"},
		},
		Timestamp: time.Now().Unix(),
	}
}

type fixture struct {
	warmer    *Warmer
	fetcher   *fakeFetcher
	publisher *fakePublisher
	store     *storage.LocalStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fakeFetcher{bodies: make(map[string][]byte)}
	ld, err := loader.New(loader.Config{}, sizing.Policy{SizePx: 32, Density: 1, CornerRadiusPx: 3},
		resolver.New(resolver.Config{}), f, loader.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(ld.Close)

	store, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()})
	require.NoError(t, err)

	pub := &fakePublisher{}
	w, err := New(Config{PublicBaseURL: baseURL}, ld, store, pub)
	require.NoError(t, err)

	return &fixture{warmer: w, fetcher: f, publisher: pub, store: store}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{PublicBaseURL: baseURL, Variant: "xl"}, nil, nil, nil)
	assert.Error(t, err)

	w, err := New(Config{PublicBaseURL: baseURL}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultVariant, w.variant)
	assert.Equal(t, DefaultOutputPrefix, w.prefix)
}

func TestHandleAvatarProcessed_StoresAndPublishes(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.bodies[sourceURL] = jpegOf(t, color.NRGBA{G: 0xff, A: 0xff})

	require.NoError(t, fx.warmer.HandleAvatarProcessed(context.Background(), processedEvent()))

	rc, err := fx.store.Read(context.Background(), "avatars/rounded/u-42.png")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())

	events := fx.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "u-42", events[0].UserID)
	assert.Equal(t, sourceURL, events[0].SourceURL)
	assert.Equal(t, "avatars/rounded/u-42.png", events[0].Key)
	assert.False(t, events[0].Placeholder)
	_, err = uuid.Parse(events[0].EventID)
	assert.NoError(t, err)
}

func TestHandleAvatarProcessed_MissingSourcePublishesPlaceholder(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.warmer.HandleAvatarProcessed(context.Background(), processedEvent()))

	events := fx.publisher.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].Placeholder)
	assert.Empty(t, events[0].Key)

	_, err := fx.store.Read(context.Background(), "avatars/rounded/u-42.png")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHandleAvatarProcessed_InvalidatesPreviousRender(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.bodies[sourceURL] = jpegOf(t, color.NRGBA{R: 0xff, A: 0xff})

	require.NoError(t, fx.warmer.HandleAvatarProcessed(context.Background(), processedEvent()))
	require.NoError(t, fx.warmer.HandleAvatarProcessed(context.Background(), processedEvent()))

	assert.Equal(t, 2, fx.fetcher.calls)
	assert.Equal(t, []string{sourceURL, sourceURL}, fx.fetcher.purged)
	assert.Len(t, fx.publisher.Events(), 2)
}

func TestHandleAvatarProcessed_RejectsBadEvents(t *testing.T) {
	fx := newFixture(t)

	noVariant := processedEvent()
	noVariant.Processed.Lg = mq.AvatarObjectRef{}
	assert.Error(t, fx.warmer.HandleAvatarProcessed(context.Background(), noVariant))

	badUser := processedEvent()
	badUser.UserID = "../etc"
	assert.Error(t, fx.warmer.HandleAvatarProcessed(context.Background(), badUser))

	assert.Empty(t, fx.publisher.Events())
}

func TestHandleAvatarProcessed_PublishErrorIsReturned(t *testing.T) {
	fx := newFixture(t)
	fx.fetcher.bodies[sourceURL] = jpegOf(t, color.White)
	fx.publisher.err = errors.New("broker down")

	err := fx.warmer.HandleAvatarProcessed(context.Background(), processedEvent())
	assert.ErrorContains(t, err, "broker down")
}

type silentBinder struct {
	mu      sync.Mutex
	unbound []loader.Target
}

func (b *silentBinder) Bind(loader.Target, resolver.Identity) {}
func (b *silentBinder) Invalidate(resolver.Identity)          {}

func (b *silentBinder) Unbind(t loader.Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbound = append(b.unbound, t)
}

func TestHandleAvatarProcessed_TimesOut(t *testing.T) {
	b := &silentBinder{}
	w, err := New(Config{PublicBaseURL: baseURL, RenderTimeout: 20 * time.Millisecond}, b, nil, &fakePublisher{})
	require.NoError(t, err)

	err = w.HandleAvatarProcessed(context.Background(), processedEvent())
	assert.ErrorIs(t, err, errRenderTimeout)
	assert.Len(t, b.unbound, 1)
}

func TestHandleAvatarProcessed_ContextCancelled(t *testing.T) {
	b := &silentBinder{}
	w, err := New(Config{PublicBaseURL: baseURL}, b, nil, &fakePublisher{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = w.HandleAvatarProcessed(ctx, processedEvent())
	assert.ErrorIs(t, err, context.Canceled)
}
