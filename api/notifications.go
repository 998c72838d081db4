package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/shipboard-chat/shipboard/alerts"
	"github.com/shipboard-chat/shipboard/internal"
)

func (s *Server) notificationSummary(req *http.Request, who *internal.Identity) (interface{}, error) {
	snap, err := s.counters.Snapshot(req.Context(), who.UserID)
	if err != nil {
		return nil, err
	}
	// the moderator queue is only surfaced to accounts that can action it
	if who.AccessLevel < internal.AccessModerator && who.UserID != internal.ModeratorUser {
		snap.ModQueue = 0
	}
	return snap, nil
}

type markSeenRequest struct {
	Kind    string `json:"kind" validate:"required,oneof=fez word announce modqueue"`
	Key     string `json:"key"`
	Through int64  `json:"through" validate:"gte=0"`
}

// markNotificationsSeen advances one seen checkpoint. For room counters the
// mark-read endpoint is the usual path; this covers alert words, announcements
// and the moderator queue, where "seen" is a client-side acknowledgement.
func (s *Server) markNotificationsSeen(req *http.Request, who *internal.Identity) (interface{}, error) {
	var body markSeenRequest
	if err := s.decode(req, &body); err != nil {
		return nil, err
	}
	var field string
	switch body.Kind {
	case alerts.KindRoomUnread:
		if body.Key == "" {
			return nil, internal.NewInvalidRequestError("room counter needs a key")
		}
		field = alerts.RoomUnreadField(body.Key)
	case alerts.KindAlertWord:
		if body.Key == "" {
			return nil, internal.NewInvalidRequestError("word counter needs a key")
		}
		field = alerts.AlertWordField(strings.ToLower(body.Key))
	case alerts.KindAnnouncement:
		field = alerts.KindAnnouncement
	case alerts.KindModQueue:
		if who.AccessLevel < internal.AccessModerator && who.UserID != internal.ModeratorUser {
			return nil, internal.NewForbiddenError("insufficient access")
		}
		field = alerts.KindModQueue
	}
	if err := s.counters.MarkViewed(req.Context(), who.UserID, field, body.Through); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) listAlertWords(req *http.Request, who *internal.Identity) (interface{}, error) {
	words, err := s.store.AlertWords.SelectForUser(who.UserID)
	if err != nil {
		return nil, err
	}
	if words == nil {
		words = []string{}
	}
	return map[string][]string{"words": words}, nil
}

type alertWordRequest struct {
	Word string `json:"word" validate:"required,min=2,max=50,excludesall=0x20"`
}

func (s *Server) addAlertWord(req *http.Request, who *internal.Identity) (interface{}, error) {
	var body alertWordRequest
	if err := s.decode(req, &body); err != nil {
		return nil, err
	}
	inserted, err := s.store.AlertWords.Insert(body.Word, who.UserID)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, internal.NewConflictError("word is already tracked")
	}
	s.reloadMatcher(req)
	return nil, nil
}

func (s *Server) removeAlertWord(req *http.Request, who *internal.Identity) (interface{}, error) {
	word := mux.Vars(req)["word"]
	if err := s.store.AlertWords.Delete(word, who.UserID); err != nil {
		return nil, err
	}
	s.reloadMatcher(req)
	return nil, nil
}

// reloadMatcher rebuilds the alert-word automaton from the full registration
// set. Word-set changes are rare; a full reload beats incremental automaton
// surgery.
func (s *Server) reloadMatcher(req *http.Request) {
	words, err := s.store.AlertWords.SelectAll()
	if err != nil {
		hlog.FromRequest(req).Err(err).Msg("alert word reload failed")
		return
	}
	if err := s.matcher.Load(words); err != nil {
		hlog.FromRequest(req).Err(err).Msg("alert word matcher rebuild failed")
	}
}
