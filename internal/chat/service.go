// Package chat is the messaging surface: sending, editing, and deleting
// messages over the push socket, and folding inbound message pushes into
// the local collections.
package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tomdraper/plexus/internal/presence"
	"github.com/tomdraper/plexus/internal/protocol"
	"github.com/tomdraper/plexus/internal/reconcile"
)

// Sender is the subset of the push socket the service needs.
type Sender interface {
	SendIfPossible(v any)
}

// Service sends outbound chat traffic and consumes inbound message
// pushes. Message ids are client-generated so attachments can be
// correlated before the server echo arrives.
type Service struct {
	logger  *slog.Logger
	sender  Sender
	store   *reconcile.Store
	tracker *presence.Tracker
	selfID  string

	mu     sync.Mutex
	unread int
}

// NewService wires the messaging surface. tracker may be nil in tests.
func NewService(sender Sender, store *reconcile.Store, tracker *presence.Tracker, selfID string, logger *slog.Logger) *Service {
	return &Service{
		logger:  logger,
		sender:  sender,
		store:   store,
		tracker: tracker,
		selfID:  selfID,
	}
}

// SendPrivate sends a direct message and returns its client-generated id.
func (s *Service) SendPrivate(content, recipientID string, hasAttachment bool) string {
	id := uuid.NewString()
	s.sender.SendIfPossible(protocol.ChatMessage{
		EventType:     protocol.OutPrivateMessage,
		ID:            id,
		Content:       content,
		RecipientID:   recipientID,
		HasAttachment: hasAttachment,
	})
	return id
}

// SendRoom sends a room message and returns its client-generated id.
func (s *Service) SendRoom(content, roomID string, hasAttachment bool) string {
	id := uuid.NewString()
	s.sender.SendIfPossible(protocol.ChatMessage{
		EventType:     protocol.OutRoomMessage,
		ID:            id,
		Content:       content,
		RoomID:        roomID,
		HasAttachment: hasAttachment,
	})
	return id
}

// UpdatePrivate edits a sent message.
func (s *Service) UpdatePrivate(id, content string) {
	s.sender.SendIfPossible(protocol.MessageUpdate{
		EventType: protocol.OutPrivateMsgUpdate,
		ID:        id,
		Content:   content,
	})
}

// DeletePrivate retracts a sent message.
func (s *Service) DeletePrivate(id string) {
	s.sender.SendIfPossible(protocol.MessageDelete{
		EventType: protocol.OutPrivateMsgDelete,
		ID:        id,
	})
}

// OpenConversation tells the server this conversation is on screen.
func (s *Service) OpenConversation(convID string) {
	s.sender.SendIfPossible(protocol.ConvState{
		EventType: protocol.OutOpenConv,
		ConvID:    convID,
	})
}

// ExitConversation tells the server this conversation left the screen.
func (s *Service) ExitConversation(convID string) {
	s.sender.SendIfPossible(protocol.ConvState{
		EventType: protocol.OutExitConv,
		ConvID:    convID,
	})
}

// HandleMessage is the push handler for PRIVATE_MESSAGE and ROOM_MESSAGE
// frames: the message is folded into the local collection and, when its
// author is already cached, the snapshot is refreshed. Authors nobody
// has in view are deliberately not fetched.
func (s *Service) HandleMessage(raw []byte) {
	data := protocol.UnwrapData(raw)

	var msg protocol.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug("unparseable message frame", slog.String("error", err.Error()))
		return
	}
	if msg.ID == "" {
		return
	}

	s.store.Apply(protocol.ChangeEvent{
		Method: protocol.MethodInsert,
		Entity: protocol.EntityMessage,
		Data:   data,
	})

	if s.tracker != nil && msg.AuthorID != "" && msg.AuthorID != s.selfID {
		// The refresh is a REST round trip; it must never stall dispatch
		// of the push frames behind this one.
		go func() {
			if err := s.tracker.CacheEntity(context.Background(), msg.AuthorID, false); err != nil {
				s.logger.Debug("refreshing message author",
					slog.String("author", msg.AuthorID),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// HandleNotifications is the push handler for NOTIFICATIONS frames.
func (s *Service) HandleNotifications(raw []byte) {
	var n protocol.Notifications
	if err := json.Unmarshal(protocol.UnwrapData(raw), &n); err != nil {
		s.logger.Debug("unparseable notifications frame", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.unread = n.Count
	s.mu.Unlock()
}

// Unread returns the last pushed notification count.
func (s *Service) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}
