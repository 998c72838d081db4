package live

// Message kinds pushed down live connections. Payloads carry enough
// denormalised data for the client to render without a follow-up fetch.
const (
	MessagePostAdded         = "post_added"
	MessageMembershipChanged = "membership_changed"
	MessageNotificationDelta = "notification"
)

// Message is the format-neutral event object handed to a Pusher. Transports
// decide the wire encoding; the fan-out engine never branches on output format.
type Message struct {
	Kind         string               `json:"kind"`
	RoomID       string               `json:"room_id,omitempty"`
	Post         *PostPayload         `json:"post,omitempty"`
	Member       *MemberPayload       `json:"member,omitempty"`
	Notification *NotificationPayload `json:"notification,omitempty"`
}

type PostPayload struct {
	PostID    int64  `json:"post_id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Image     string `json:"image,omitempty"`
	CreatedTS int64  `json:"created_ts"`
}

type MemberPayload struct {
	UserID string `json:"user_id"`
	Joined bool   `json:"joined"`
}

// NotificationPayload is an account-wide counter delta for global connections.
type NotificationPayload struct {
	Field string `json:"field"`
	Delta int64  `json:"delta"`
}
