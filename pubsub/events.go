package pubsub

import "github.com/google/uuid"

// The channel which carries domain events for the fan-out engine.
const ChanEvents = "eventsch"

// EventListener is implemented by the fan-out engine. Payloads are
// format-neutral event objects; rendering for a particular transport happens at
// the transport boundary, never here.
type EventListener interface {
	OnPostAdded(p *PostAdded)
	OnPostDeleted(p *PostDeleted)
	OnMemberJoined(p *MemberJoined)
	OnMemberLeft(p *MemberLeft)
	OnAnnouncementAdded(p *AnnouncementAdded)
	OnRelationsChanged(p *RelationsChanged)
}

type PostAdded struct {
	RoomID    uuid.UUID
	PostID    int64
	Author    string
	Text      string
	Image     string
	CreatedTS int64
	// seamail posts are private: they never feed alert-word matching
	Seamail bool
	// current membership, in participant order
	Participants []string
	// members whose hidden count absorbed this post: no push, no unread bump
	HiddenFrom []string
}

func (p PostAdded) Type() string { return "pa" }

type PostDeleted struct {
	RoomID        uuid.UUID
	PostID        int64
	Author        string
	PositionIndex int
	// members whose unread count included the deleted post
	UnreadFor []string
}

func (p PostDeleted) Type() string { return "pd" }

type MemberJoined struct {
	RoomID uuid.UUID
	UserID string
	// posts already in the room that the joiner can see; seeds their unread
	// counter so a built hash stays in step without a full rebuild
	VisiblePosts int64
}

func (p MemberJoined) Type() string { return "mj" }

type MemberLeft struct {
	RoomID uuid.UUID
	UserID string
}

func (p MemberLeft) Type() string { return "ml" }

type AnnouncementAdded struct {
	AnnouncementID int64
	Text           string
}

func (p AnnouncementAdded) Type() string { return "an" }

// RelationsChanged fires when a user's block/mute lists change; the fan-out
// engine invalidates the relation cache and schedules a counter rebuild.
type RelationsChanged struct {
	UserID string
}

func (p RelationsChanged) Type() string { return "rc" }

// EventSub glues a Listener to an EventListener, dispatching on payload type.
type EventSub struct {
	listener Listener
	receiver EventListener
}

func NewEventSub(l Listener, recv EventListener) *EventSub {
	return &EventSub{
		listener: l,
		receiver: recv,
	}
}

func (s *EventSub) Teardown() {
	s.listener.Close()
}

func (s *EventSub) onMessage(p Payload) {
	switch pl := p.(type) {
	case *PostAdded:
		s.receiver.OnPostAdded(pl)
	case *PostDeleted:
		s.receiver.OnPostDeleted(pl)
	case *MemberJoined:
		s.receiver.OnMemberJoined(pl)
	case *MemberLeft:
		s.receiver.OnMemberLeft(pl)
	case *AnnouncementAdded:
		s.receiver.OnAnnouncementAdded(pl)
	case *RelationsChanged:
		s.receiver.OnRelationsChanged(pl)
	}
}

func (s *EventSub) Listen() error {
	return s.listener.Listen(ChanEvents, s.onMessage)
}
