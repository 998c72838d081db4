package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"github.com/shipboard-chat/shipboard/alerts"
	"github.com/shipboard-chat/shipboard/internal"
	"github.com/shipboard-chat/shipboard/live"
)

func (s *Server) rejectWS(w http.ResponseWriter, err error) {
	herr := internal.AsHandlerError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

// roomLive upgrades to a room-scoped push connection. Members only; the
// connection also accepts mark_read frames so clients can advance their read
// checkpoint without a REST round trip.
func (s *Server) roomLive(w http.ResponseWriter, req *http.Request) {
	who, err := s.identify(req)
	if err != nil {
		s.rejectWS(w, err)
		return
	}
	roomID, err := roomIDParam(req)
	if err != nil {
		s.rejectWS(w, err)
		return
	}
	room, err := s.store.Rooms.SelectRoom(roomID)
	if err != nil {
		s.rejectWS(w, err)
		return
	}
	if room == nil || (room.Kind.IsSeamail() && !room.IsParticipant(who.UserID)) {
		s.rejectWS(w, internal.NewNotFoundError("room not found"))
		return
	}
	if !room.IsParticipant(who.UserID) {
		s.rejectWS(w, internal.NewForbiddenError("user is not a member of this room"))
		return
	}
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		hlog.FromRequest(req).Err(err).Msg("websocket upgrade failed")
		return
	}
	pusher := live.NewWSPusher(ws)
	conn := live.NewConn(who.UserID, roomID, pusher)
	s.registry.Attach(conn)
	go pusher.WritePump()
	pusher.ReadPump(func(m live.InboundMarkRead) {
		cursor, err := s.store.MarkRead(roomID, who.UserID, int(m.Through))
		if err != nil {
			hlog.FromRequest(req).Err(err).Msg("mark_read frame failed")
			return
		}
		field := alerts.RoomUnreadField(roomID.String())
		if err := s.counters.MarkViewed(req.Context(), who.UserID, field, int64(cursor.ReadCount)); err != nil {
			hlog.FromRequest(req).Err(err).Msg("seen checkpoint bump failed")
		}
	})
	s.registry.Detach(conn)
}

// globalLive upgrades to an account-scope connection carrying counter deltas
// and announcements.
func (s *Server) globalLive(w http.ResponseWriter, req *http.Request) {
	who, err := s.identify(req)
	if err != nil {
		s.rejectWS(w, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		hlog.FromRequest(req).Err(err).Msg("websocket upgrade failed")
		return
	}
	pusher := live.NewWSPusher(ws)
	conn := live.NewConn(who.UserID, uuid.Nil, pusher)
	s.registry.Attach(conn)
	go pusher.WritePump()
	pusher.ReadPump(nil)
	s.registry.Detach(conn)
}
