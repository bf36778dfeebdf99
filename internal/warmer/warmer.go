// Package warmer re-renders a user's rounded avatar whenever the resize
// pipeline reports a new upload, so consumers can serve it without fetching.
package warmer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"net/url"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/loader"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/mq"
	"github.com/weiawesome/wes-io-live/avatar-loader/internal/resolver"
	pkglog "github.com/weiawesome/wes-io-live/avatar-loader/pkg/log"
	"github.com/weiawesome/wes-io-live/avatar-loader/pkg/storage"
)

const (
	DefaultVariant       = "lg"
	DefaultOutputPrefix  = "avatars/rounded/"
	DefaultRenderTimeout = time.Minute
)

var errRenderTimeout = errors.New("avatar render timed out")

// Binder is the part of the loader the warmer drives.
type Binder interface {
	Bind(t loader.Target, id resolver.Identity)
	Unbind(t loader.Target)
	Invalidate(id resolver.Identity)
}

type Config struct {
	PublicBaseURL string        `mapstructure:"public_base_url"`
	Variant       string        `mapstructure:"variant"`
	OutputPrefix  string        `mapstructure:"output_prefix"`
	RenderTimeout time.Duration `mapstructure:"render_timeout"`
}

// Warmer implements mq.AvatarProcessedHandler.
type Warmer struct {
	binder    Binder
	store     storage.Storage
	publisher mq.AvatarRenderedPublisher

	baseURL string
	variant string
	prefix  string
	timeout time.Duration
}

var _ mq.AvatarProcessedHandler = (*Warmer)(nil)

func New(cfg Config, binder Binder, store storage.Storage, publisher mq.AvatarRenderedPublisher) (*Warmer, error) {
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("warmer: public_base_url is required")
	}
	if _, err := url.Parse(cfg.PublicBaseURL); err != nil {
		return nil, fmt.Errorf("warmer: invalid public_base_url: %w", err)
	}
	if cfg.Variant == "" {
		cfg.Variant = DefaultVariant
	}
	if !knownVariant(cfg.Variant) {
		return nil, fmt.Errorf("warmer: unknown variant %q", cfg.Variant)
	}
	if cfg.OutputPrefix == "" {
		cfg.OutputPrefix = DefaultOutputPrefix
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}

	return &Warmer{
		binder:    binder,
		store:     store,
		publisher: publisher,
		baseURL:   cfg.PublicBaseURL,
		variant:   cfg.Variant,
		prefix:    cfg.OutputPrefix,
		timeout:   cfg.RenderTimeout,
	}, nil
}

func knownVariant(name string) bool {
	switch strings.ToLower(name) {
	case "sm", "md", "lg":
		return true
	}
	return false
}

// HandleAvatarProcessed drops any cached copy of the user's previous avatar,
// renders the new one and waits until it has been stored and announced.
func (w *Warmer) HandleAvatarProcessed(ctx context.Context, event *mq.AvatarProcessedEvent) error {
	if strings.ContainsAny(event.UserID, `/\`) || strings.Contains(event.UserID, "..") {
		return fmt.Errorf("invalid user id %q", event.UserID)
	}

	ref, ok := event.Processed.Variant(w.variant)
	if !ok {
		return fmt.Errorf("event has no %q variant", w.variant)
	}

	src, err := url.JoinPath(w.baseURL, ref.Bucket, ref.Key)
	if err != nil {
		return fmt.Errorf("build source url: %w", err)
	}

	l := pkglog.Ctx(ctx)
	l.Info().Str(pkglog.FieldUserID, event.UserID).Str(pkglog.FieldURL, src).Msg("warming avatar")

	id := resolver.ExplicitURL(src)
	w.binder.Invalidate(id)

	t := &renderTarget{
		w:         w,
		ctx:       ctx,
		userID:    event.UserID,
		sourceURL: src,
		result:    make(chan error, 1),
	}
	w.binder.Bind(t, id)

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case err := <-t.result:
		return err
	case <-timer.C:
		w.binder.Unbind(t)
		return errRenderTimeout
	case <-ctx.Done():
		w.binder.Unbind(t)
		return ctx.Err()
	}
}

func (w *Warmer) outputKey(userID string) string {
	return w.prefix + userID + ".png"
}

func (w *Warmer) render(ctx context.Context, userID, src string, img image.Image) error {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return fmt.Errorf("encode rounded avatar: %w", err)
	}

	key := w.outputKey(userID)
	if err := w.store.Write(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "image/png"); err != nil {
		return fmt.Errorf("upload rounded avatar: %w", err)
	}

	l := pkglog.Ctx(ctx)
	l.Info().Str(pkglog.FieldUserID, userID).Str("key", key).Int(pkglog.FieldBytes, buf.Len()).Msg("stored rounded avatar")

	return w.publish(ctx, userID, src, key, false)
}

func (w *Warmer) publish(ctx context.Context, userID, src, key string, placeholder bool) error {
	event := &mq.AvatarRenderedEvent{
		EventID:     uuid.NewString(),
		UserID:      userID,
		SourceURL:   src,
		Key:         key,
		Placeholder: placeholder,
		Timestamp:   time.Now().Unix(),
	}
	if err := w.publisher.PublishAvatarRendered(ctx, event); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
