// Package alerts maintains the per-user notification counters in redis. The
// hash per user holds raw lifetime counts alongside "seen" checkpoints; a
// counter's new/unread value is max(raw-seen, 0). The hash is a performance
// layer only: if it expires or is evicted, Rebuild recomputes the raw fields
// from durable storage and must land on exactly the values incremental
// maintenance would have produced.
package alerts

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Counter kinds, used as hash field prefixes.
const (
	KindRoomUnread   = "fez"      // parameterised by room ID
	KindAlertWord    = "word"     // parameterised by word
	KindAnnouncement = "announce" // raw value is the max announcement ID
	KindModQueue     = "modqueue" // raw value is the open report count
)

const seenPrefix = "seen:"

// RoomUnreadField names the raw counter for unread posts in one room.
func RoomUnreadField(roomID string) string { return KindRoomUnread + ":" + roomID }

// AlertWordField names the raw counter for one tracked word.
func AlertWordField(word string) string { return KindAlertWord + ":" + word }

// SeenField names the viewed checkpoint twin of a raw field.
func SeenField(rawField string) string { return seenPrefix + rawField }

// decrement with a floor of 0: HINCRBY alone would go negative under racing
// deletion repairs.
var decrScript = redis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], ARGV[1], -ARGV[2])
if v < 0 then
	redis.call('HSET', KEYS[1], ARGV[1], 0)
	v = 0
end
return v
`)

// monotonic checkpoint advance: marking something viewed never un-views it.
var markViewedScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local new = tonumber(ARGV[2])
if new > cur then
	redis.call('HSET', KEYS[1], ARGV[1], new)
	cur = new
end
return cur
`)

// Source supplies the durable truth for rebuilding a user's raw counters.
type Source interface {
	// UnreadRoomCounters returns, per joined room, the lifetime visible post
	// count (postCount - hiddenCount) and the read checkpoint.
	UnreadRoomCounters(userID string) (visible map[string]int64, read map[string]int64, err error)
	// AlertWordCounts returns lifetime match counts per tracked word.
	AlertWordCounts(userID string) (map[string]int64, error)
	MaxAnnouncementID() (int64, error)
	ModQueueSize() (int64, error)
}

// Store is the notification counter service. All mutations are single redis
// commands or scripts, so concurrent updates for the same user from different
// rooms never lose increments.
type Store struct {
	client *redis.Client
	source Source
	ttl    time.Duration
}

func NewStore(redisURL string, source Source, ttl time.Duration) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("alerts: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("alerts: redis ping: %w", err)
	}
	return NewStoreWithClient(client, source, ttl), nil
}

func NewStoreWithClient(client *redis.Client, source Source, ttl time.Duration) *Store {
	return &Store{client: client, source: source, ttl: ttl}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(userID string) string {
	return "notify:" + userID
}

// Increment bumps a raw counter field. Deliberately no rebuild check here: the
// durable write for the triggering event has already happened, so a rebuild
// racing an increment would count the event twice. A hash with no marker field
// is rebuilt (and these blind writes discarded) on the next Snapshot.
func (s *Store) Increment(ctx context.Context, userID, field string, delta int64) error {
	key := s.key(userID)
	if err := s.client.HIncrBy(ctx, key, field, delta).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// Decrement lowers a raw counter field, floored at 0.
func (s *Store) Decrement(ctx context.Context, userID, field string, delta int64) error {
	key := s.key(userID)
	if err := decrScript.Run(ctx, s.client, []string{key}, field, delta).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// ResetRoom overwrites one room's raw counter and seen checkpoint. Called when
// a member joins: the counter must land on the values Rebuild would compute,
// including after a rejoin where a stale checkpoint survived the earlier leave.
func (s *Store) ResetRoom(ctx context.Context, userID, roomID string, visible, read int64) error {
	key := s.key(userID)
	field := RoomUnreadField(roomID)
	if err := s.client.HSet(ctx, key, field, visible, SeenField(field), read).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// DropRoom removes one room's counter fields when a member leaves.
func (s *Store) DropRoom(ctx context.Context, userID, roomID string) error {
	field := RoomUnreadField(roomID)
	return s.client.HDel(ctx, s.key(userID), field, SeenField(field)).Err()
}

// MarkViewed advances the seen checkpoint for a raw field to through.
// Monotonic. Safe on a cold hash: seen checkpoints survive rebuilds.
func (s *Store) MarkViewed(ctx context.Context, userID, rawField string, through int64) error {
	key := s.key(userID)
	if err := markViewedScript.Run(ctx, s.client, []string{key}, SeenField(rawField), through).Err(); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// Snapshot is the aggregate the notification summary endpoint renders.
type Snapshot struct {
	RoomUnread    map[string]int64 `json:"room_unread"`
	AlertWords    map[string]int64 `json:"alert_words"`
	Announcements int64            `json:"announcements"`
	ModQueue      int64            `json:"mod_queue"`
}

// Snapshot reads all of a user's counters, rebuilding the hash first if it has
// expired. Values are max(raw-seen, 0).
func (s *Store) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	if err := s.ensure(ctx, userID); err != nil {
		return nil, err
	}
	fields, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return nil, err
	}
	// The announcement raw value is the max announcement ID, which no per-user
	// event updates (announcements fan out to everyone, and scanning every hash
	// on create would defeat the point). Overlay the live value instead of
	// trusting the field written at rebuild time.
	maxAnnouncementID, err := s.source.MaxAnnouncementID()
	if err != nil {
		return nil, err
	}
	return snapshotFromFields(fields, maxAnnouncementID), nil
}

func snapshotFromFields(fields map[string]string, maxAnnouncementID int64) *Snapshot {
	snap := &Snapshot{
		RoomUnread: make(map[string]int64),
		AlertWords: make(map[string]int64),
	}
	get := func(f string) int64 {
		v, _ := strconv.ParseInt(fields[f], 10, 64)
		return v
	}
	if unseen := maxAnnouncementID - get(SeenField(KindAnnouncement)); unseen > 0 {
		snap.Announcements = unseen
	}
	for field := range fields {
		if strings.HasPrefix(field, seenPrefix) || field == rebuiltMarkerField {
			continue
		}
		unseen := get(field) - get(SeenField(field))
		if unseen < 0 {
			unseen = 0
		}
		kind, param, _ := strings.Cut(field, ":")
		switch kind {
		case KindRoomUnread:
			if unseen > 0 {
				snap.RoomUnread[param] = unseen
			}
		case KindAlertWord:
			if unseen > 0 {
				snap.AlertWords[param] = unseen
			}
		case KindAnnouncement:
			// handled above from the live max ID
		case KindModQueue:
			snap.ModQueue = unseen
		}
	}
	return snap
}

// marker field proving the hash was populated; an expired hash loses it and the
// next access triggers a rebuild.
const rebuiltMarkerField = "_built"

func (s *Store) ensure(ctx context.Context, userID string) error {
	exists, err := s.client.HExists(ctx, s.key(userID), rebuiltMarkerField).Result()
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.Rebuild(ctx, userID)
}

// Rebuild recomputes the raw counter fields from durable storage, preserving
// any surviving seen checkpoints. This is the cold-cache fallback path.
func (s *Store) Rebuild(ctx context.Context, userID string) error {
	key := s.key(userID)
	existing, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return err
	}
	fresh := map[string]interface{}{rebuiltMarkerField: 1}
	// seen checkpoints carry over; only raw counts are recomputed
	for field, val := range existing {
		if strings.HasPrefix(field, seenPrefix) {
			fresh[field] = val
		}
	}
	visible, read, err := s.source.UnreadRoomCounters(userID)
	if err != nil {
		return err
	}
	for roomID, count := range visible {
		fresh[RoomUnreadField(roomID)] = count
		if _, ok := fresh[SeenField(RoomUnreadField(roomID))]; !ok {
			fresh[SeenField(RoomUnreadField(roomID))] = read[roomID]
		}
	}
	wordCounts, err := s.source.AlertWordCounts(userID)
	if err != nil {
		return err
	}
	for word, count := range wordCounts {
		fresh[AlertWordField(word)] = count
	}
	maxAnnouncement, err := s.source.MaxAnnouncementID()
	if err != nil {
		return err
	}
	fresh[KindAnnouncement] = maxAnnouncement
	modQueue, err := s.source.ModQueueSize()
	if err != nil {
		return err
	}
	fresh[KindModQueue] = modQueue

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fresh)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	logger.Trace().Str("user", userID).Int("fields", len(fresh)).Msg("rebuilt notification counters")
	return nil
}
