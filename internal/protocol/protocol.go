// Package protocol defines the frames exchanged over the push socket.
//
// Outbound frames are flat JSON objects tagged by an event_type field.
// Inbound frames carry a TYPE tag and either type-specific fields or a
// DATA field holding string-encoded JSON (double encoding, a legacy wire
// quirk the server still emits; see UnwrapData).
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Outbound event types.
const (
	OutOpenSubscription   = "OPEN_SUBSCRIPTION"
	OutOpenSubscriptions  = "OPEN_SUBSCRIPTIONS"
	OutCloseSubscription  = "CLOSE_SUBSCRIPTION"
	OutPrivateMessage     = "PRIVATE_MESSAGE"
	OutPrivateMsgUpdate   = "PRIVATE_MESSAGE_UPDATE"
	OutPrivateMsgDelete   = "PRIVATE_MESSAGE_DELETE"
	OutRoomMessage        = "ROOM_MESSAGE"
	OutExitConv           = "EXIT_CONV"
	OutOpenConv           = "OPEN_CONV"
	OutVidJoin            = "VID_JOIN"
	OutVidLeave           = "VID_LEAVE"
	OutVidSendingSignal   = "VID_SENDING_SIGNAL_IN"
	OutVidReturningSignal = "VID_RETURNING_SIGNAL_IN"
)

// Inbound event types.
const (
	InChange                = "CHANGE"
	InPrivateMessage        = "PRIVATE_MESSAGE"
	InRoomMessage           = "ROOM_MESSAGE"
	InPostVote              = "POST_VOTE"
	InPostCommentVote       = "POST_COMMENT_VOTE"
	InAttachmentProgress    = "ATTACHMENT_PROGRESS"
	InAttachmentComplete    = "ATTACHMENT_COMPLETE"
	InNotifications         = "NOTIFICATIONS"
	InVidAllUsers           = "VID_ALL_USERS"
	InVidUserJoined         = "VID_USER_JOINED"
	InVidUserLeft           = "VID_USER_LEFT"
	InVidReturnedSignal     = "VID_RECEIVING_RETURNED_SIGNAL"
)

// PeekType returns the TYPE tag of an inbound frame without a full decode.
func PeekType(raw []byte) string {
	return gjson.GetBytes(raw, "TYPE").Str
}

// UnwrapData extracts the double-encoded DATA payload of an inbound frame.
// The server string-encodes the inner JSON, so DATA arrives as a JSON
// string whose contents are themselves JSON. Returns nil when the frame
// has no DATA field.
func UnwrapData(raw []byte) []byte {
	inner := gjson.GetBytes(raw, "DATA")
	if !inner.Exists() {
		return nil
	}
	return []byte(inner.Str)
}

// OpenSubscription asks the server to start pushing events for one topic.
type OpenSubscription struct {
	EventType string `json:"event_type"`
	Name      string `json:"name"`
}

// OpenSubscriptions batches topic opens, sent once after (re)connect.
type OpenSubscriptions struct {
	EventType string   `json:"event_type"`
	Names     []string `json:"names"`
}

// CloseSubscription asks the server to stop pushing events for a topic.
type CloseSubscription struct {
	EventType string `json:"event_type"`
	Name      string `json:"name"`
}

// VidJoin announces entry into a conversation or room video session. The
// server replies with VID_ALL_USERS listing current participants.
type VidJoin struct {
	EventType string `json:"event_type"`
	JoinID    string `json:"join_id"`
	IsRoom    bool   `json:"is_room"`
}

// VidLeave announces departure from the current video session.
type VidLeave struct {
	EventType string `json:"event_type"`
}

// VidSendingSignal relays an initiator's negotiation payload to a peer.
// The signal is opaque to both this client core and the server.
type VidSendingSignal struct {
	EventType string          `json:"event_type"`
	Signal    json.RawMessage `json:"signal"`
	ToUID     string          `json:"to_uid"`
}

// VidReturningSignal relays a responder's answer back to the initiator.
type VidReturningSignal struct {
	EventType string          `json:"event_type"`
	Signal    json.RawMessage `json:"signal"`
	CallerUID string          `json:"caller_uid"`
}

// VidAllUsers is the server reply to VID_JOIN: everyone already present.
type VidAllUsers struct {
	UIDs []string `json:"uids"`
}

// VidUserJoined delivers an inbound signal from a newly joined initiator.
type VidUserJoined struct {
	CallerUID string          `json:"caller_uid"`
	Signal    json.RawMessage `json:"signal"`
}

// VidUserLeft announces a participant leaving the session.
type VidUserLeft struct {
	UID string `json:"uid"`
}

// VidReturnedSignal delivers a responder's answer to the initiator.
type VidReturnedSignal struct {
	UID    string          `json:"uid"`
	Signal json.RawMessage `json:"signal"`
}

// AttachmentProgress reports upload progress for the message that owns
// the attachment. Ratio is 0..1. Failed marks a server-side abort.
type AttachmentProgress struct {
	MsgID  string  `json:"ID"`
	Ratio  float64 `json:"ratio"`
	Failed bool    `json:"failed"`
}

// ChangeMethod is the mutation kind carried by a CHANGE event.
type ChangeMethod string

const (
	MethodInsert      ChangeMethod = "INSERT"
	MethodUpdate      ChangeMethod = "UPDATE"
	MethodDelete      ChangeMethod = "DELETE"
	MethodUpdateImage ChangeMethod = "UPDATE_IMAGE"
)

// EntityKind routes a CHANGE event to its local collection.
type EntityKind string

const (
	EntityPost    EntityKind = "POST"
	EntityComment EntityKind = "COMMENT"
	EntityRoom    EntityKind = "ROOM"
	EntityUser    EntityKind = "USER"
	EntityMessage EntityKind = "MESSAGE"
)

// ChangeEvent is a decoded CHANGE frame. Data holds the inner entity
// payload with the double encoding already unwrapped.
type ChangeEvent struct {
	Method ChangeMethod
	Entity EntityKind
	Data   []byte
}

// ParseChange decodes a raw CHANGE frame. The METHOD and ENTITY tags sit
// beside TYPE at the top level; the entity payload is double-encoded in
// DATA.
func ParseChange(raw []byte) (ChangeEvent, error) {
	method := gjson.GetBytes(raw, "METHOD").Str
	entity := gjson.GetBytes(raw, "ENTITY").Str
	if method == "" || entity == "" {
		return ChangeEvent{}, fmt.Errorf("change frame missing METHOD or ENTITY")
	}
	return ChangeEvent{
		Method: ChangeMethod(method),
		Entity: EntityKind(entity),
		Data:   UnwrapData(raw),
	}, nil
}
