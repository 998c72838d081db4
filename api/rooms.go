package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/shipboard-chat/shipboard/alerts"
	"github.com/shipboard-chat/shipboard/internal"
	"github.com/shipboard-chat/shipboard/pubsub"
	"github.com/shipboard-chat/shipboard/state"
)

type roomResponse struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Owner       string   `json:"owner"`
	Title       string   `json:"title"`
	Info        string   `json:"info,omitempty"`
	Location    string   `json:"location,omitempty"`
	MinCapacity int      `json:"min_capacity"`
	MaxCapacity int      `json:"max_capacity"`
	Cancelled   bool     `json:"cancelled"`
	PostCount   int      `json:"post_count"`
	Members     []string `json:"members"`
	Waitlist    []string `json:"waitlist,omitempty"`
	Waitlisted  bool     `json:"waitlisted,omitempty"`
	CreatedTS   int64    `json:"created_ts"`
}

// makeRoomResponse renders a room for one viewer. Blocked users vanish from the
// member lists; muted users stay (muting hides content, not identity).
func makeRoomResponse(room *state.Room, who *internal.Identity) *roomResponse {
	visible := func(members []string) []string {
		out := make([]string, 0, len(members))
		for _, m := range members {
			if internal.CanSeeIdentity(who, m) {
				out = append(out, m)
			}
		}
		return out
	}
	waitlist := room.Waitlist()
	idx := room.ParticipantIndex(who.UserID)
	return &roomResponse{
		ID:          room.ID.String(),
		Kind:        string(room.Kind),
		Owner:       room.Owner,
		Title:       room.Title,
		Info:        room.Info,
		Location:    room.Location,
		MinCapacity: room.MinCapacity,
		MaxCapacity: room.MaxCapacity,
		Cancelled:   room.Cancelled,
		PostCount:   room.PostCount,
		Members:     visible(room.ActiveParticipants()),
		Waitlist:    visible(waitlist),
		Waitlisted:  room.MaxCapacity > 0 && idx >= room.MaxCapacity,
		CreatedTS:   room.CreatedTS,
	}
}

func roomIDParam(req *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(req)["roomID"])
	if err != nil {
		return uuid.Nil, internal.NewInvalidRequestError("malformed room ID")
	}
	internal.SetRequestContextRoomID(req.Context(), id.String())
	return id, nil
}

type createRoomRequest struct {
	Kind         string   `json:"kind" validate:"required"`
	Title        string   `json:"title" validate:"required,max=200"`
	Info         string   `json:"info" validate:"max=2048"`
	Location     string   `json:"location" validate:"max=200"`
	MinCapacity  int      `json:"min_capacity" validate:"gte=0"`
	MaxCapacity  int      `json:"max_capacity" validate:"gte=0"`
	Participants []string `json:"participants" validate:"dive,required"`
}

func (s *Server) createRoom(req *http.Request, who *internal.Identity) (interface{}, error) {
	if who.AccessLevel < internal.AccessVerified {
		return nil, internal.NewForbiddenError("account cannot create rooms")
	}
	var body createRoomRequest
	if err := s.decode(req, &body); err != nil {
		return nil, err
	}
	room, err := s.store.CreateRoom(who, state.CreateRoomRequest{
		Kind:         state.RoomKind(body.Kind),
		Title:        body.Title,
		Info:         body.Info,
		Location:     body.Location,
		MinCapacity:  body.MinCapacity,
		MaxCapacity:  body.MaxCapacity,
		Participants: body.Participants,
	})
	if err != nil {
		return nil, err
	}
	internal.SetRequestContextRoomID(req.Context(), room.ID.String())
	return makeRoomResponse(room, who), nil
}

func (s *Server) listRooms(req *http.Request, who *internal.Identity) (interface{}, error) {
	limit, offset := pagination(req)
	var rooms []state.Room
	var err error
	switch filter := req.URL.Query().Get("filter"); filter {
	case "", "open":
		rooms, err = s.store.Rooms.SelectOpenRooms(limit, offset)
	case "joined":
		rooms, err = s.store.Rooms.SelectRoomsForUser(who.UserID, limit, offset)
	case "owner":
		rooms, err = s.store.Rooms.SelectRoomsOwnedBy(who.UserID, limit, offset)
	default:
		return nil, internal.NewInvalidRequestError("unknown filter %q", filter)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*roomResponse, 0, len(rooms))
	for i := range rooms {
		room := &rooms[i]
		// listings never surface rooms whose owner the viewer has blocked
		if !internal.CanSeeIdentity(who, room.Owner) {
			continue
		}
		out = append(out, makeRoomResponse(room, who))
	}
	return map[string]interface{}{"rooms": out}, nil
}

type roomViewResponse struct {
	Room        *roomResponse  `json:"room"`
	Posts       []postResponse `json:"posts"`
	ReadCount   int            `json:"read_count"`
	HiddenCount int            `json:"hidden_count"`
	Unread      int            `json:"unread"`
}

func (s *Server) getRoom(req *http.Request, who *internal.Identity) (interface{}, error) {
	roomID, err := roomIDParam(req)
	if err != nil {
		return nil, err
	}
	limit, offset := pagination(req)
	view, err := s.store.SelectRoomView(roomID, who, limit, offset)
	if err != nil {
		return nil, err
	}
	res := &roomViewResponse{
		Room:  makeRoomResponse(view.Room, who),
		Posts: makePostResponses(view.Posts),
	}
	if view.Cursor != nil {
		res.ReadCount = view.Cursor.ReadCount
		res.HiddenCount = view.Cursor.HiddenCount
		res.Unread = view.Unread
	}
	internal.SetRequestContextResponseInfo(req.Context(), len(view.Posts), -1, 0)
	return res, nil
}

type updateRoomRequest struct {
	Title       *string `json:"title" validate:"omitempty,max=200"`
	Info        *string `json:"info" validate:"omitempty,max=2048"`
	Location    *string `json:"location" validate:"omitempty,max=200"`
	MinCapacity *int    `json:"min_capacity" validate:"omitempty,gte=0"`
	MaxCapacity *int    `json:"max_capacity" validate:"omitempty,gte=0"`
}

func (s *Server) updateRoom(req *http.Request, who *internal.Identity) (interface{}, error) {
	roomID, err := roomIDParam(req)
	if err != nil {
		return nil, err
	}
	var body updateRoomRequest
	if err := s.decode(req, &body); err != nil {
		return nil, err
	}
	room, err := s.store.UpdateRoom(roomID, who, func(room *state.Room) error {
		if body.Title != nil {
			room.Title = *body.Title
		}
		if body.Info != nil {
			room.Info = *body.Info
		}
		if body.Location != nil {
			room.Location = *body.Location
		}
		if body.MinCapacity != nil {
			room.MinCapacity = *body.MinCapacity
		}
		if body.MaxCapacity != nil {
			room.MaxCapacity = *body.MaxCapacity
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return makeRoomResponse(room, who), nil
}

func (s *Server) joinRoom(req *http.Request, who *internal.Identity) (interface{}, error) {
	roomID, err := roomIDParam(req)
	if err != nil {
		return nil, err
	}
	room, cursor, err := s.store.JoinRoom(roomID, who)
	if err != nil {
		return nil, err
	}
	s.publish(req, &pubsub.MemberJoined{
		RoomID:       roomID,
		UserID:       who.UserID,
		VisiblePosts: int64(room.PostCount - cursor.HiddenCount),
	})
	return makeRoomResponse(room, who), nil
}

func (s *Server) unjoinRoom(req *http.Request, who *internal.Identity) (interface{}, error) {
	roomID, err := roomIDParam(req)
	if err != nil {
		return nil, err
	}
	room, err := s.store.LeaveRoom(roomID, who.UserID)
	if err != nil {
		return nil, err
	}
	s.publish(req, &pubsub.MemberLeft{RoomID: roomID, UserID: who.UserID})
	return makeRoomResponse(room, who), nil
}

func (s *Server) addMember(req *http.Request, who *internal.Identity) (interface{}, error) {
	roomID, err := roomIDParam(req)
	if err != nil {
		return nil, err
	}
	target := mux.Vars(req)["userID"]
	room, cursor, err := s.store.OwnerAddMember(roomID, who, target)
	if err != nil {
		return nil, err
	}
	s.publish(req, &pubsub.MemberJoined{
		RoomID:       roomID,
		UserID:       target,
		VisiblePosts: int64(room.PostCount - cursor.HiddenCount),
	})
	return makeRoomResponse(room, who), nil
}

func (s *Server) removeMember(req *http.Request, who *internal.Identity) (interface{}, error) {
	roomID, err := roomIDParam(req)
	if err != nil {
		return nil, err
	}
	target := mux.Vars(req)["userID"]
	room, err := s.store.OwnerRemoveMember(roomID, who, target)
	if err != nil {
		return nil, err
	}
	s.publish(req, &pubsub.MemberLeft{RoomID: roomID, UserID: target})
	return makeRoomResponse(room, who), nil
}

func (s *Server) cancelRoom(req *http.Request, who *internal.Identity) (interface{}, error) {
	roomID, err := roomIDParam(req)
	if err != nil {
		return nil, err
	}
	room, err := s.store.CancelRoom(roomID, who)
	if err != nil {
		return nil, err
	}
	return makeRoomResponse(room, who), nil
}

type reportRequest struct {
	Reason string `json:"reason" validate:"max=2048"`
}

func (s *Server) reportRoom(req *http.Request, who *internal.Identity) (interface{}, error) {
	roomID, err := roomIDParam(req)
	if err != nil {
		return nil, err
	}
	var body reportRequest
	if err := s.decode(req, &body); err != nil {
		return nil, err
	}
	if err := s.store.ReportRoom(roomID, who, body.Reason); err != nil {
		return nil, err
	}
	// the moderator queue counter belongs to the shared inbox account
	if err := s.counters.Increment(req.Context(), internal.ModeratorUser, alerts.KindModQueue, 1); err != nil {
		hlog.FromRequest(req).Err(err).Msg("modqueue counter increment failed")
	}
	return nil, nil
}
