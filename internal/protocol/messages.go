package protocol

// ChatMessage is an outbound PRIVATE_MESSAGE or ROOM_MESSAGE frame. The
// id is client-generated so an attachment upload can be correlated with
// the message before the server echoes it back.
type ChatMessage struct {
	EventType     string `json:"event_type"`
	ID            string `json:"ID"`
	Content       string `json:"content"`
	RecipientID   string `json:"recipient_id,omitempty"`
	RoomID        string `json:"room_id,omitempty"`
	HasAttachment bool   `json:"has_attachment"`
}

// MessageUpdate edits a previously sent private message.
type MessageUpdate struct {
	EventType string `json:"event_type"`
	ID        string `json:"ID"`
	Content   string `json:"content"`
}

// MessageDelete retracts a previously sent private message.
type MessageDelete struct {
	EventType string `json:"event_type"`
	ID        string `json:"ID"`
}

// ConvState marks a conversation as open or exited on this client, so
// the server can route read receipts and suppress notifications.
type ConvState struct {
	EventType string `json:"event_type"`
	ConvID    string `json:"conv_id"`
}

// InboundMessage is a PRIVATE_MESSAGE or ROOM_MESSAGE push payload.
type InboundMessage struct {
	ID            string `json:"ID"`
	Content       string `json:"content"`
	AuthorID      string `json:"author_id"`
	RecipientID   string `json:"recipient_id,omitempty"`
	RoomID        string `json:"room_id,omitempty"`
	HasAttachment bool   `json:"has_attachment"`
	CreatedAt     string `json:"created_at"`
}

// Notifications is the NOTIFICATIONS push payload: the unread count for
// the session user.
type Notifications struct {
	Count int `json:"count"`
}
