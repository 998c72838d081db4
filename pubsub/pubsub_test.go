package pubsub

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

type recorder struct {
	posts     chan *PostAdded
	relations chan *RelationsChanged
}

func (r *recorder) OnPostAdded(p *PostAdded)                 { r.posts <- p }
func (r *recorder) OnPostDeleted(p *PostDeleted)             {}
func (r *recorder) OnMemberJoined(p *MemberJoined)           {}
func (r *recorder) OnMemberLeft(p *MemberLeft)               {}
func (r *recorder) OnAnnouncementAdded(p *AnnouncementAdded) {}
func (r *recorder) OnRelationsChanged(p *RelationsChanged)   { r.relations <- p }

func TestEventSubDispatch(t *testing.T) {
	bus := NewPubSub(10)
	recv := &recorder{
		posts:     make(chan *PostAdded, 1),
		relations: make(chan *RelationsChanged, 1),
	}
	sub := NewEventSub(bus, recv)
	go sub.Listen()
	defer sub.Teardown()

	roomID := uuid.New()
	if err := bus.Notify(ChanEvents, &PostAdded{RoomID: roomID, PostID: 9, Author: "alice"}); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	if err := bus.Notify(ChanEvents, &RelationsChanged{UserID: "bob"}); err != nil {
		t.Fatalf("Notify: %s", err)
	}

	select {
	case p := <-recv.posts:
		if p.RoomID != roomID || p.PostID != 9 {
			t.Fatalf("wrong payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for PostAdded")
	}
	select {
	case p := <-recv.relations:
		if p.UserID != "bob" {
			t.Fatalf("wrong payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for RelationsChanged")
	}
}

func TestPubSubCloseIsIdempotent(t *testing.T) {
	bus := NewPubSub(1)
	if err := bus.Notify("ch", &PostAdded{}); err != nil {
		t.Fatalf("Notify: %s", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %s", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close: %s", err)
	}
}
