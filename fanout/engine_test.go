package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipboard-chat/shipboard/caches"
	"github.com/shipboard-chat/shipboard/live"
	"github.com/shipboard-chat/shipboard/pubsub"
	"github.com/shipboard-chat/shipboard/state"
)

type fakeCounters struct {
	mu       sync.Mutex
	incrs    map[string]int64    // "user/field" -> total delta
	resets   map[string][2]int64 // "user/room" -> {visible, read}
	drops    []string            // "user/room"
	rebuilds []string
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{
		incrs:  make(map[string]int64),
		resets: make(map[string][2]int64),
	}
}

func (f *fakeCounters) Increment(_ context.Context, userID, field string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrs[userID+"/"+field] += delta
	return nil
}

func (f *fakeCounters) Decrement(_ context.Context, userID, field string, delta int64) error {
	return f.Increment(context.Background(), userID, field, -delta)
}

func (f *fakeCounters) ResetRoom(_ context.Context, userID, roomID string, visible, read int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[userID+"/"+roomID] = [2]int64{visible, read}
	return nil
}

func (f *fakeCounters) DropRoom(_ context.Context, userID, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops = append(f.drops, userID+"/"+roomID)
	return nil
}

func (f *fakeCounters) Rebuild(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebuilds = append(f.rebuilds, userID)
	return nil
}

func (f *fakeCounters) total(userID, field string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.incrs[userID+"/"+field]
}

type fakeRelationSource struct {
	mu    sync.Mutex
	sets  map[string]*state.RelationSet
	loads int
}

func (f *fakeRelationSource) Select(userID string) (*state.RelationSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if rs, ok := f.sets[userID]; ok {
		return rs, nil
	}
	return &state.RelationSet{}, nil
}

type fakePusher struct {
	ch     chan live.Message
	closed chan struct{}
	once   sync.Once
}

func newFakePusher() *fakePusher {
	return &fakePusher{
		ch:     make(chan live.Message, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakePusher) Push(ctx context.Context, msg live.Message) error {
	f.ch <- msg
	return nil
}

func (f *fakePusher) Close() {
	f.once.Do(func() { close(f.closed) })
}

// expect drains one message within a deadline.
func (f *fakePusher) expect(t *testing.T) live.Message {
	t.Helper()
	select {
	case msg := <-f.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a push")
		return live.Message{}
	}
}

// expectNone asserts no message arrives. The engine pushes via a worker pool,
// so give in-flight work a moment to land before declaring silence.
func (f *fakePusher) expectNone(t *testing.T) {
	t.Helper()
	select {
	case msg := <-f.ch:
		t.Fatalf("unexpected push: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestEngine(t *testing.T, rels map[string]*state.RelationSet) (*Engine, *live.Registry, *fakeCounters, *caches.RelationCache) {
	t.Helper()
	registry := live.NewRegistry(false)
	counters := newFakeCounters()
	cache := caches.NewRelationCache(&fakeRelationSource{sets: rels}, time.Minute)
	t.Cleanup(cache.Teardown)
	matcher := NewWordMatcher()
	engine := NewEngine(registry, counters, cache, matcher, 4, false)
	t.Cleanup(engine.Teardown)
	return engine, registry, counters, cache
}

func TestOnPostAddedPushesAndCounts(t *testing.T) {
	engine, registry, counters, _ := newTestEngine(t, nil)
	require.NoError(t, engine.matcher.Load(map[string][]string{"pizza": {"wordy", "author"}}))

	roomID := uuid.New()
	authorRoom := newFakePusher()
	memberRoom := newFakePusher()
	hiderRoom := newFakePusher()
	memberGlobal := newFakePusher()
	wordyGlobal := newFakePusher()
	registry.Attach(live.NewConn("author", roomID, authorRoom))
	registry.Attach(live.NewConn("member", roomID, memberRoom))
	registry.Attach(live.NewConn("hider", roomID, hiderRoom))
	registry.Attach(live.NewConn("member", uuid.Nil, memberGlobal))
	registry.Attach(live.NewConn("wordy", uuid.Nil, wordyGlobal))

	engine.OnPostAdded(&pubsub.PostAdded{
		RoomID:       roomID,
		PostID:       42,
		Author:       "author",
		Text:         "free pizza in the room",
		CreatedTS:    123,
		Participants: []string{"author", "member", "hider"},
		HiddenFrom:   []string{"hider"},
	})

	msg := memberRoom.expect(t)
	assert.Equal(t, live.MessagePostAdded, msg.Kind)
	require.NotNil(t, msg.Post)
	assert.EqualValues(t, 42, msg.Post.PostID)
	assert.Equal(t, "author", msg.Post.Author)

	delta := memberGlobal.expect(t)
	assert.Equal(t, live.MessageNotificationDelta, delta.Kind)
	require.NotNil(t, delta.Notification)
	assert.Equal(t, "fez:"+roomID.String(), delta.Notification.Field)
	assert.EqualValues(t, 1, delta.Notification.Delta)

	// the alert word fires for wordy but never for the author themselves
	wordDelta := wordyGlobal.expect(t)
	assert.Equal(t, "word:pizza", wordDelta.Notification.Field)

	authorRoom.expectNone(t)
	hiderRoom.expectNone(t)

	assert.EqualValues(t, 1, counters.total("member", "fez:"+roomID.String()))
	assert.EqualValues(t, 0, counters.total("hider", "fez:"+roomID.String()))
	assert.EqualValues(t, 0, counters.total("author", "fez:"+roomID.String()))
	assert.EqualValues(t, 1, counters.total("wordy", "word:pizza"))
	assert.EqualValues(t, 0, counters.total("author", "word:pizza"))
}

func TestOnPostAddedSeamailSkipsAlertWords(t *testing.T) {
	engine, _, counters, _ := newTestEngine(t, nil)
	require.NoError(t, engine.matcher.Load(map[string][]string{"pizza": {"wordy"}}))

	engine.OnPostAdded(&pubsub.PostAdded{
		RoomID:       uuid.New(),
		Author:       "author",
		Text:         "pizza?",
		Seamail:      true,
		Participants: []string{"author", "friend"},
	})
	assert.EqualValues(t, 0, counters.total("wordy", "word:pizza"))
}

func TestOnPostAddedAlertWordRespectsRelations(t *testing.T) {
	engine, _, counters, _ := newTestEngine(t, map[string]*state.RelationSet{
		"wordy": {Mutes: []string{"author"}},
	})
	require.NoError(t, engine.matcher.Load(map[string][]string{"pizza": {"wordy"}}))

	engine.OnPostAdded(&pubsub.PostAdded{
		RoomID:       uuid.New(),
		Author:       "author",
		Text:         "pizza!",
		Participants: []string{"author"},
	})
	assert.EqualValues(t, 0, counters.total("wordy", "word:pizza"))
}

func TestOnPostDeletedDecrements(t *testing.T) {
	engine, registry, counters, _ := newTestEngine(t, nil)
	roomID := uuid.New()
	global := newFakePusher()
	registry.Attach(live.NewConn("behind", uuid.Nil, global))

	engine.OnPostDeleted(&pubsub.PostDeleted{
		RoomID:    roomID,
		PostID:    42,
		Author:    "author",
		UnreadFor: []string{"behind"},
	})
	assert.EqualValues(t, -1, counters.total("behind", "fez:"+roomID.String()))
	delta := global.expect(t)
	assert.EqualValues(t, -1, delta.Notification.Delta)
}

func TestMembershipPushFiltersBlocks(t *testing.T) {
	engine, registry, _, _ := newTestEngine(t, map[string]*state.RelationSet{
		"joiner": {Blocks: []string{"enemy"}},
		"viewer": {Blocks: []string{"joiner"}},
	})
	roomID := uuid.New()
	friendly := newFakePusher()
	enemy := newFakePusher()
	viewer := newFakePusher()
	registry.Attach(live.NewConn("friendly", roomID, friendly))
	registry.Attach(live.NewConn("enemy", roomID, enemy))
	registry.Attach(live.NewConn("viewer", roomID, viewer))

	engine.OnMemberJoined(&pubsub.MemberJoined{RoomID: roomID, UserID: "joiner"})

	msg := friendly.expect(t)
	assert.Equal(t, live.MessageMembershipChanged, msg.Kind)
	require.NotNil(t, msg.Member)
	assert.Equal(t, "joiner", msg.Member.UserID)
	assert.True(t, msg.Member.Joined)
	// blocks hide identity in both directions
	enemy.expectNone(t)
	viewer.expectNone(t)
}

func TestOnMemberJoinedSeedsRoomCounter(t *testing.T) {
	engine, _, counters, _ := newTestEngine(t, nil)
	roomID := uuid.New()

	engine.OnMemberJoined(&pubsub.MemberJoined{RoomID: roomID, UserID: "joiner", VisiblePosts: 7})

	counters.mu.Lock()
	defer counters.mu.Unlock()
	assert.Equal(t, [2]int64{7, 0}, counters.resets["joiner/"+roomID.String()])
}

func TestOnMemberLeftDropsRoomCounter(t *testing.T) {
	engine, _, counters, _ := newTestEngine(t, nil)
	roomID := uuid.New()

	engine.OnMemberLeft(&pubsub.MemberLeft{RoomID: roomID, UserID: "leaver"})

	counters.mu.Lock()
	defer counters.mu.Unlock()
	assert.Equal(t, []string{"leaver/" + roomID.String()}, counters.drops)
}

func TestOnRelationsChangedRebuildsAndInvalidates(t *testing.T) {
	source := &fakeRelationSource{sets: map[string]*state.RelationSet{}}
	registry := live.NewRegistry(false)
	counters := newFakeCounters()
	cache := caches.NewRelationCache(source, time.Minute)
	t.Cleanup(cache.Teardown)
	engine := NewEngine(registry, counters, cache, NewWordMatcher(), 2, false)
	t.Cleanup(engine.Teardown)

	_, err := cache.Relations("bob")
	require.NoError(t, err)
	_, err = cache.Relations("bob")
	require.NoError(t, err)
	assert.Equal(t, 1, source.loads, "second read should be cached")

	engine.OnRelationsChanged(&pubsub.RelationsChanged{UserID: "bob"})
	assert.Equal(t, []string{"bob"}, counters.rebuilds)

	_, err = cache.Relations("bob")
	require.NoError(t, err)
	assert.Equal(t, 2, source.loads, "invalidation should force a reload")
}

func TestOnAnnouncementAddedBroadcasts(t *testing.T) {
	engine, registry, _, _ := newTestEngine(t, nil)
	global := newFakePusher()
	roomScoped := newFakePusher()
	registry.Attach(live.NewConn("alice", uuid.Nil, global))
	registry.Attach(live.NewConn("bob", uuid.New(), roomScoped))

	engine.OnAnnouncementAdded(&pubsub.AnnouncementAdded{AnnouncementID: 7, Text: "muster drill"})

	msg := global.expect(t)
	assert.Equal(t, live.MessageNotificationDelta, msg.Kind)
	assert.Equal(t, "announce", msg.Notification.Field)
	roomScoped.expectNone(t)
}

func TestFailedPushDetaches(t *testing.T) {
	engine, registry, _, _ := newTestEngine(t, nil)
	roomID := uuid.New()
	dead := &failingPusher{closed: make(chan struct{})}
	conn := live.NewConn("member", roomID, dead)
	registry.Attach(conn)

	engine.OnPostAdded(&pubsub.PostAdded{
		RoomID:       roomID,
		Author:       "author",
		Text:         "hello",
		Participants: []string{"author", "member"},
	})

	select {
	case <-dead.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("failed connection was not detached")
	}
	assert.Equal(t, 0, registry.NumConns())
}

type failingPusher struct {
	closed chan struct{}
	once   sync.Once
}

func (f *failingPusher) Push(ctx context.Context, msg live.Message) error {
	return context.DeadlineExceeded
}

func (f *failingPusher) Close() {
	f.once.Do(func() { close(f.closed) })
}
