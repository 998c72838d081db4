// Package fanout turns domain events into counter updates and filtered live
// pushes. It is the only component that touches the connection registry and the
// notification counters together, so every visibility decision on the push path
// lives here.
package fanout

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/shipboard-chat/shipboard/alerts"
	"github.com/shipboard-chat/shipboard/caches"
	"github.com/shipboard-chat/shipboard/internal"
	"github.com/shipboard-chat/shipboard/live"
	"github.com/shipboard-chat/shipboard/pubsub"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const eventTimeout = 10 * time.Second

// Counters is the slice of the notification counter store the engine drives.
// *alerts.Store is the production implementation.
type Counters interface {
	Increment(ctx context.Context, userID, field string, delta int64) error
	Decrement(ctx context.Context, userID, field string, delta int64) error
	ResetRoom(ctx context.Context, userID, roomID string, visible, read int64) error
	DropRoom(ctx context.Context, userID, roomID string) error
	Rebuild(ctx context.Context, userID string) error
}

// Engine implements pubsub.EventListener. Counter updates happen inline on the
// event goroutine (single redis command each); pushes run on a bounded worker
// pool so one slow client cannot stall delivery to the rest.
type Engine struct {
	registry  *live.Registry
	counters  Counters
	relations *caches.RelationCache
	matcher   *WordMatcher
	pool      *internal.WorkerPool

	pushOutcomes *prometheus.CounterVec
}

func NewEngine(registry *live.Registry, counters Counters, relations *caches.RelationCache, matcher *WordMatcher, numWorkers int, enablePrometheus bool) *Engine {
	e := &Engine{
		registry:  registry,
		counters:  counters,
		relations: relations,
		matcher:   matcher,
		pool:      internal.NewWorkerPool(numWorkers),
	}
	e.pool.Start()
	if enablePrometheus {
		e.pushOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipboard",
			Subsystem: "fanout",
			Name:      "num_pushes",
			Help:      "Number of live pushes by outcome",
		}, []string{"outcome"})
		prometheus.MustRegister(e.pushOutcomes)
	}
	return e
}

func (e *Engine) Teardown() {
	e.pool.Stop()
	if e.pushOutcomes != nil {
		prometheus.Unregister(e.pushOutcomes)
	}
}

func (e *Engine) countPush(outcome string) {
	if e.pushOutcomes != nil {
		e.pushOutcomes.WithLabelValues(outcome).Inc()
	}
}

// push queues one delivery on the worker pool. A failed push detaches the
// connection: the transport reported itself unusable, and the client will
// reconnect and resync via the REST surface.
func (e *Engine) push(conn *live.Conn, msg live.Message) {
	e.pool.Queue(func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := conn.Pusher.Push(ctx, msg); err != nil {
			logger.Warn().Err(err).Str("user", conn.UserID).Msg("live push failed, detaching connection")
			e.countPush("failed")
			e.registry.Detach(conn)
			return
		}
		e.countPush("delivered")
	})
}

// pushDelta sends an account-wide counter delta to the user's global
// connections, if any.
func (e *Engine) pushDelta(userID, field string, delta int64) {
	msg := live.Message{
		Kind:         live.MessageNotificationDelta,
		Notification: &live.NotificationPayload{Field: field, Delta: delta},
	}
	for _, conn := range e.registry.ConnsForUser(userID) {
		if conn.IsGlobal() {
			e.push(conn, msg)
		}
	}
}

func (e *Engine) OnPostAdded(p *pubsub.PostAdded) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	roomID := p.RoomID.String()
	hidden := make(map[string]struct{}, len(p.HiddenFrom))
	for _, u := range p.HiddenFrom {
		hidden[u] = struct{}{}
	}

	msg := live.Message{
		Kind:   live.MessagePostAdded,
		RoomID: roomID,
		Post: &live.PostPayload{
			PostID:    p.PostID,
			Author:    p.Author,
			Text:      p.Text,
			Image:     p.Image,
			CreatedTS: p.CreatedTS,
		},
	}
	for _, conn := range e.registry.ConnsForRoom(p.RoomID) {
		// the author already has the post from the POST response
		if conn.UserID == p.Author {
			continue
		}
		if _, h := hidden[conn.UserID]; h {
			e.countPush("skipped")
			continue
		}
		e.push(conn, msg)
	}

	field := alerts.RoomUnreadField(roomID)
	for _, member := range p.Participants {
		if member == p.Author {
			continue
		}
		if _, h := hidden[member]; h {
			continue
		}
		if err := e.counters.Increment(ctx, member, field, 1); err != nil {
			logger.Err(err).Str("user", member).Str("room", roomID).Msg("unread counter increment failed")
			continue
		}
		e.pushDelta(member, field, 1)
	}

	if !p.Seamail {
		e.matchAlertWords(ctx, p)
	}
}

func (e *Engine) matchAlertWords(ctx context.Context, p *pubsub.PostAdded) {
	for word, subscribers := range e.matcher.Match(p.Text) {
		for _, sub := range subscribers {
			if sub == p.Author {
				continue
			}
			rels, err := e.relations.Relations(sub)
			if err != nil {
				logger.Err(err).Str("user", sub).Msg("relation load failed, skipping alert word")
				continue
			}
			if rels.Hides(p.Author) {
				continue
			}
			field := alerts.AlertWordField(word)
			if err := e.counters.Increment(ctx, sub, field, 1); err != nil {
				logger.Err(err).Str("user", sub).Str("word", word).Msg("alert word counter increment failed")
				continue
			}
			e.pushDelta(sub, field, 1)
		}
	}
}

// OnPostDeleted repairs the unread counters for members whose counts included
// the deleted post. No live push: clients reconcile deletions on their next
// room fetch.
func (e *Engine) OnPostDeleted(p *pubsub.PostDeleted) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	field := alerts.RoomUnreadField(p.RoomID.String())
	for _, member := range p.UnreadFor {
		if err := e.counters.Decrement(ctx, member, field, 1); err != nil {
			logger.Err(err).Str("user", member).Msg("unread counter decrement failed")
			continue
		}
		e.pushDelta(member, field, -1)
	}
}

// OnMemberJoined seeds the joiner's room counter with the visible history, so a
// previously built hash counts the new room without waiting for a rebuild.
func (e *Engine) OnMemberJoined(p *pubsub.MemberJoined) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := e.counters.ResetRoom(ctx, p.UserID, p.RoomID.String(), p.VisiblePosts, 0); err != nil {
		logger.Err(err).Str("user", p.UserID).Str("room", p.RoomID.String()).Msg("unread counter seed failed")
	}
	e.pushMembership(p.RoomID, p.UserID, true)
}

// OnMemberLeft drops the leaver's room counter so a stale unread count cannot
// outlive the membership.
func (e *Engine) OnMemberLeft(p *pubsub.MemberLeft) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	if err := e.counters.DropRoom(ctx, p.UserID, p.RoomID.String()); err != nil {
		logger.Err(err).Str("user", p.UserID).Str("room", p.RoomID.String()).Msg("unread counter drop failed")
	}
	e.pushMembership(p.RoomID, p.UserID, false)
}

// pushMembership notifies a room's open connections of a membership change.
// Connections are skipped when a block exists in either direction: a block
// hides identity, not just content.
func (e *Engine) pushMembership(roomID uuid.UUID, subject string, joined bool) {
	subjectRels, err := e.relations.Relations(subject)
	if err != nil {
		logger.Err(err).Str("user", subject).Msg("relation load failed, skipping membership push")
		return
	}
	msg := live.Message{
		Kind:   live.MessageMembershipChanged,
		RoomID: roomID.String(),
		Member: &live.MemberPayload{UserID: subject, Joined: joined},
	}
	for _, conn := range e.registry.ConnsForRoom(roomID) {
		if conn.UserID == subject {
			continue
		}
		if lo.Contains(subjectRels.Blocks, conn.UserID) {
			e.countPush("skipped")
			continue
		}
		viewerRels, err := e.relations.Relations(conn.UserID)
		if err != nil {
			logger.Err(err).Str("user", conn.UserID).Msg("relation load failed, skipping membership push")
			continue
		}
		if lo.Contains(viewerRels.Blocks, subject) {
			e.countPush("skipped")
			continue
		}
		e.push(conn, msg)
	}
}

// OnAnnouncementAdded broadcasts a counter delta to every global connection.
// No per-user counter writes: the announcement counter derives from the max
// announcement ID against each user's seen checkpoint.
func (e *Engine) OnAnnouncementAdded(p *pubsub.AnnouncementAdded) {
	msg := live.Message{
		Kind:         live.MessageNotificationDelta,
		Notification: &live.NotificationPayload{Field: alerts.KindAnnouncement, Delta: 1},
	}
	for _, conn := range e.registry.GlobalConns() {
		e.push(conn, msg)
	}
}

// OnRelationsChanged invalidates the relation cache and rebuilds the user's
// counters: block/mute changes shift which historical posts count as visible.
func (e *Engine) OnRelationsChanged(p *pubsub.RelationsChanged) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	e.relations.Invalidate(p.UserID)
	if err := e.counters.Rebuild(ctx, p.UserID); err != nil {
		logger.Err(err).Str("user", p.UserID).Msg("counter rebuild after relation change failed")
	}
}
