package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"github.com/shipboard-chat/shipboard/internal"
	"github.com/shipboard-chat/shipboard/pubsub"
	"github.com/shipboard-chat/shipboard/state"
)

// setRelation returns a handler mutating one relation list. After the durable
// write, cursors are rebuilt for the changed user (their hidden counts moved)
// and a RelationsChanged event lets the fan-out engine drop cached snapshots
// and realign the notification counters.
func (s *Server) setRelation(list string, add bool) handlerFunc {
	return func(req *http.Request, who *internal.Identity) (interface{}, error) {
		target := mux.Vars(req)["userID"]
		if target == who.UserID {
			return nil, internal.NewInvalidRequestError("cannot %s yourself", list)
		}
		changed := false
		_, err := s.store.Relations.Mutate(who.UserID, func(rs *state.RelationSet) bool {
			entries := &rs.Blocks
			if list == "mute" {
				entries = &rs.Mutes
			}
			has := lo.Contains(*entries, target)
			if add && !has {
				*entries = append(*entries, target)
				changed = true
			} else if !add && has {
				*entries = lo.Without(*entries, target)
				changed = true
			}
			return changed
		})
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, nil
		}
		if err := s.store.RebuildCounts(who.UserID); err != nil {
			return nil, err
		}
		s.relations.Invalidate(who.UserID)
		s.publish(req, &pubsub.RelationsChanged{UserID: who.UserID})
		return nil, nil
	}
}
