package shipboard

import (
	"github.com/google/uuid"

	"github.com/shipboard-chat/shipboard/alerts"
	"github.com/shipboard-chat/shipboard/fanout"
	"github.com/shipboard-chat/shipboard/state"
)

// counterSource adapts durable storage to the alerts.Source interface. It is
// the ground truth a counter rebuild must land on: the numbers here are what
// incremental maintenance would have produced had no writes been lost.
type counterSource struct {
	store *state.Storage
}

func NewCounterSource(store *state.Storage) alerts.Source {
	return &counterSource{store: store}
}

func (s *counterSource) UnreadRoomCounters(userID string) (visible, read map[string]int64, err error) {
	cursors, err := s.store.Participants.SelectForUser(userID)
	if err != nil {
		return nil, nil, err
	}
	visible = make(map[string]int64, len(cursors))
	read = make(map[string]int64, len(cursors))
	for _, c := range cursors {
		room, err := s.store.Rooms.SelectRoom(c.RoomID)
		if err != nil {
			return nil, nil, err
		}
		if room == nil {
			continue
		}
		visible[c.RoomID.String()] = int64(room.PostCount - c.HiddenCount)
		read[c.RoomID.String()] = int64(c.ReadCount)
	}
	return visible, read, nil
}

// AlertWordCounts recounts word mentions from the posts table. The SQL filter
// is a coarse substring match; the word matcher re-applies the real rules so
// the rebuilt count equals what the fan-out engine counted as posts arrived.
func (s *counterSource) AlertWordCounts(userID string) (map[string]int64, error) {
	words, err := s.store.AlertWords.SelectForUser(userID)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, nil
	}
	rels, err := s.store.Relations.Select(userID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(words))
	roomKinds := make(map[uuid.UUID]state.RoomKind)
	for _, word := range words {
		posts, err := s.store.Posts.SelectPostsContaining(word)
		if err != nil {
			return nil, err
		}
		for _, post := range posts {
			if post.Author == userID || rels.Hides(post.Author) {
				continue
			}
			kind, ok := roomKinds[post.RoomID]
			if !ok {
				room, err := s.store.Rooms.SelectRoom(post.RoomID)
				if err != nil {
					return nil, err
				}
				if room == nil {
					continue
				}
				kind = room.Kind
				roomKinds[post.RoomID] = kind
			}
			// private correspondence never feeds alert words
			if kind.IsSeamail() {
				continue
			}
			if fanout.MatchesWord(post.Text, word) {
				counts[word]++
			}
		}
	}
	return counts, nil
}

func (s *counterSource) MaxAnnouncementID() (int64, error) {
	return s.store.Announcements.MaxID()
}

func (s *counterSource) ModQueueSize() (int64, error) {
	return s.store.Reports.CountOpen()
}
