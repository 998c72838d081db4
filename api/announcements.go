package api

import (
	"net/http"
	"time"

	"github.com/shipboard-chat/shipboard/internal"
	"github.com/shipboard-chat/shipboard/pubsub"
	"github.com/shipboard-chat/shipboard/state"
)

type createAnnouncementRequest struct {
	Text         string `json:"text" validate:"required,max=2048"`
	DisplayUntil int64  `json:"display_until" validate:"required,gt=0"`
}

type announcementResponse struct {
	ID           int64  `json:"id"`
	Author       string `json:"author"`
	Text         string `json:"text"`
	DisplayUntil int64  `json:"display_until"`
	CreatedTS    int64  `json:"created_ts"`
}

func (s *Server) createAnnouncement(req *http.Request, who *internal.Identity) (interface{}, error) {
	if who.AccessLevel < internal.AccessTHO {
		return nil, internal.NewForbiddenError("insufficient access to post announcements")
	}
	var body createAnnouncementRequest
	if err := s.decode(req, &body); err != nil {
		return nil, err
	}
	a := &state.Announcement{
		Author:       who.UserID,
		Text:         body.Text,
		DisplayUntil: body.DisplayUntil,
		CreatedTS:    time.Now().UnixMilli(),
	}
	id, err := s.store.Announcements.Insert(a)
	if err != nil {
		return nil, err
	}
	s.publish(req, &pubsub.AnnouncementAdded{AnnouncementID: id, Text: a.Text})
	return &announcementResponse{
		ID:           a.ID,
		Author:       a.Author,
		Text:         a.Text,
		DisplayUntil: a.DisplayUntil,
		CreatedTS:    a.CreatedTS,
	}, nil
}

func (s *Server) listAnnouncements(req *http.Request, who *internal.Identity) (interface{}, error) {
	active, err := s.store.Announcements.SelectActive(time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	out := make([]announcementResponse, len(active))
	for i, a := range active {
		out[i] = announcementResponse{
			ID:           a.ID,
			Author:       a.Author,
			Text:         a.Text,
			DisplayUntil: a.DisplayUntil,
			CreatedTS:    a.CreatedTS,
		}
	}
	return map[string]interface{}{"announcements": out}, nil
}
