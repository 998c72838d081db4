package internal

import (
	"context"

	"github.com/rs/zerolog"
)

type ctx string

var (
	ctxData ctx = "shipboard_data"
)

// logging metadata for a single request
type data struct {
	userID     string
	effective  string
	roomID     string
	numPosts   int
	numPushed  int
	numSkipped int
}

// prepare a request context so it can carry shipboard log metadata
func RequestContext(ctx context.Context) context.Context {
	d := &data{
		numPosts:  -1,
		numPushed: -1,
	}
	return context.WithValue(ctx, ctxData, d)
}

// add the user ID to this request context. Need to have called RequestContext first.
func SetRequestContextUserID(ctx context.Context, userID, effectiveUserID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.userID = userID
	if effectiveUserID != userID {
		da.effective = effectiveUserID
	}
}

func SetRequestContextRoomID(ctx context.Context, roomID string) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.roomID = roomID
}

func SetRequestContextResponseInfo(ctx context.Context, numPosts, numPushed, numSkipped int) {
	d := ctx.Value(ctxData)
	if d == nil {
		return
	}
	da := d.(*data)
	da.numPosts = numPosts
	da.numPushed = numPushed
	da.numSkipped = numSkipped
}

func DecorateLogger(ctx context.Context, l *zerolog.Event) *zerolog.Event {
	d := ctx.Value(ctxData)
	if d == nil {
		return l
	}
	da := d.(*data)
	if da.userID != "" {
		l = l.Str("u", da.userID)
	}
	if da.effective != "" {
		l = l.Str("eu", da.effective)
	}
	if da.roomID != "" {
		l = l.Str("r", da.roomID)
	}
	if da.numPosts >= 0 {
		l = l.Int("p", da.numPosts)
	}
	if da.numPushed >= 0 {
		l = l.Int("push", da.numPushed)
	}
	if da.numSkipped > 0 {
		l = l.Int("skip", da.numSkipped)
	}
	return l
}
