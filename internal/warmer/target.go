package warmer

import (
	"context"
	"image"
)

// renderTarget receives one delivery from the loader, persists it and
// reports the outcome to the waiting handler.
type renderTarget struct {
	w         *Warmer
	ctx       context.Context
	userID    string
	sourceURL string
	result    chan error
}

func (t *renderTarget) Deliver(img image.Image) {
	t.finish(t.w.render(t.ctx, t.userID, t.sourceURL, img))
}

// DeliverPlaceholder announces that the user has no renderable avatar.
// Nothing is written.
func (t *renderTarget) DeliverPlaceholder(image.Image) {
	t.finish(t.w.publish(t.ctx, t.userID, t.sourceURL, "", true))
}

func (t *renderTarget) finish(err error) {
	t.w.binder.Unbind(t)
	select {
	case t.result <- err:
	default:
	}
}
