package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"

	"github.com/shipboard-chat/shipboard/alerts"
	"github.com/shipboard-chat/shipboard/internal"
	"github.com/shipboard-chat/shipboard/pubsub"
	"github.com/shipboard-chat/shipboard/state"
)

type postResponse struct {
	ID        int64  `json:"id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Image     string `json:"image,omitempty"`
	CreatedTS int64  `json:"created_ts"`
}

func makePostResponses(posts []state.Post) []postResponse {
	out := make([]postResponse, len(posts))
	for i, p := range posts {
		out[i] = postResponse{
			ID:        p.ID,
			Author:    p.Author,
			Text:      p.Text,
			Image:     p.Image,
			CreatedTS: p.CreatedTS,
		}
	}
	return out
}

type createPostRequest struct {
	Text  string `json:"text" validate:"required,max=2048"`
	Image string `json:"image" validate:"max=500"`
}

func (s *Server) createPost(req *http.Request, who *internal.Identity) (interface{}, error) {
	if who.AccessLevel < internal.AccessVerified {
		return nil, internal.NewForbiddenError("account cannot post")
	}
	roomID, err := roomIDParam(req)
	if err != nil {
		return nil, err
	}
	var body createPostRequest
	if err := s.decode(req, &body); err != nil {
		return nil, err
	}
	result, err := s.store.RecordPost(roomID, who, body.Text, body.Image)
	if err != nil {
		return nil, err
	}
	// authoring implies having seen everything visible; keep the seen
	// checkpoint in step with the durable read count
	field := alerts.RoomUnreadField(roomID.String())
	if err := s.counters.MarkViewed(req.Context(), who.UserID, field, int64(result.AuthorReadCount)); err != nil {
		hlog.FromRequest(req).Err(err).Msg("author seen checkpoint bump failed")
	}
	s.publish(req, &pubsub.PostAdded{
		RoomID:       roomID,
		PostID:       result.Post.ID,
		Author:       result.Post.Author,
		Text:         result.Post.Text,
		Image:        result.Post.Image,
		CreatedTS:    result.Post.CreatedTS,
		Seamail:      result.Room.Kind.IsSeamail(),
		Participants: result.Room.Participants,
		HiddenFrom:   result.HiddenFrom,
	})
	return makePostResponses([]state.Post{*result.Post})[0], nil
}

func (s *Server) deletePost(req *http.Request, who *internal.Identity) (interface{}, error) {
	roomID, err := roomIDParam(req)
	if err != nil {
		return nil, err
	}
	postID, err := strconv.ParseInt(mux.Vars(req)["postID"], 10, 64)
	if err != nil {
		return nil, internal.NewInvalidRequestError("malformed post ID")
	}
	result, err := s.store.RecordPostDeletion(roomID, postID, who)
	if err != nil {
		return nil, err
	}
	s.publish(req, &pubsub.PostDeleted{
		RoomID:        roomID,
		PostID:        postID,
		Author:        result.Author,
		PositionIndex: result.PositionIndex,
		UnreadFor:     result.UnreadFor,
	})
	return nil, nil
}

type markReadRequest struct {
	Through int `json:"through" validate:"gte=0"`
}

func (s *Server) markRead(req *http.Request, who *internal.Identity) (interface{}, error) {
	roomID, err := roomIDParam(req)
	if err != nil {
		return nil, err
	}
	var body markReadRequest
	if err := s.decode(req, &body); err != nil {
		return nil, err
	}
	cursor, err := s.store.MarkRead(roomID, who.UserID, body.Through)
	if err != nil {
		return nil, err
	}
	field := alerts.RoomUnreadField(roomID.String())
	if err := s.counters.MarkViewed(req.Context(), who.UserID, field, int64(cursor.ReadCount)); err != nil {
		hlog.FromRequest(req).Err(err).Msg("seen checkpoint bump failed")
	}
	return map[string]int{
		"read_count":   cursor.ReadCount,
		"hidden_count": cursor.HiddenCount,
	}, nil
}
