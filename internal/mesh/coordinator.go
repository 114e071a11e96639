// Package mesh negotiates a full mesh of direct media connections among
// the participants of a conversation or room. The push socket is purely
// a signaling relay: negotiation payloads are opaque blobs passed
// between the peer-connection library and the wire unmodified, and the
// server never sees media.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tomdraper/plexus/internal/protocol"
)

// SessionState is the coordinator lifecycle.
type SessionState int

const (
	Idle SessionState = iota
	Joining
	Meshed
	Leaving
)

// PeerConn is one direct connection to a remote participant, produced by
// the peer-connection library behind PeerFactory.
type PeerConn interface {
	// Signal feeds a remote negotiation payload into the connection.
	Signal(data json.RawMessage) error
	Close() error
}

// PeerFactory wraps the peer-connection library. Initiator peers
// generate the opening signal; onSignal relays every locally generated
// payload outward. When streaming is true the local capture tracks are
// attached to the connection.
type PeerFactory interface {
	NewPeer(initiator, streaming bool, onSignal func(json.RawMessage)) (PeerConn, error)
}

// Media owns local audio+video capture.
type Media interface {
	Acquire(ctx context.Context) error
	Release()
}

// Sender is the subset of the push socket the coordinator needs.
type Sender interface {
	SendIfPossible(v any)
}

type peerRecord struct {
	conn      PeerConn
	initiator bool
}

// Coordinator manages one video session: membership, signaling, and the
// local capture lifecycle. One peer record exists per remote participant
// at steady state; duplicate or late signals for a known id feed the
// existing record and never create a second connection.
type Coordinator struct {
	logger  *slog.Logger
	sender  Sender
	factory PeerFactory
	media   Media

	mu        sync.Mutex
	state     SessionState
	target    string
	isRoom    bool
	streaming bool
	peers     map[string]*peerRecord
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(sender Sender, factory PeerFactory, media Media, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger:  logger,
		sender:  sender,
		factory: factory,
		media:   media,
		peers:   make(map[string]*peerRecord),
	}
}

// Join announces entry into the session for target (a conversation
// partner or a room). The server replies with VID_ALL_USERS; peers are
// built there.
func (c *Coordinator) Join(target string, isRoom bool) {
	c.mu.Lock()
	c.state = Joining
	c.target = target
	c.isRoom = isRoom
	c.mu.Unlock()

	c.sender.SendIfPossible(protocol.VidJoin{
		EventType: protocol.OutVidJoin,
		JoinID:    target,
		IsRoom:    isRoom,
	})
}

// Leave sends VID_LEAVE, destroys every peer connection, releases local
// media, and resets the session to idle.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	c.state = Leaving
	c.mu.Unlock()

	c.sender.SendIfPossible(protocol.VidLeave{EventType: protocol.OutVidLeave})

	c.mu.Lock()
	c.teardownLocked()
	if c.streaming {
		c.media.Release()
		c.streaming = false
	}
	c.state = Idle
	c.target = ""
	c.mu.Unlock()
}

// ToggleStream starts or stops local capture, then tears down every
// existing peer connection and rejoins from scratch. Incremental track
// renegotiation is rejected here on purpose: full rebuild is simpler to
// reason about and tolerates peer churn. Capture denial is returned to
// the caller and leaves streaming off.
func (c *Coordinator) ToggleStream(ctx context.Context) error {
	c.mu.Lock()
	wasStreaming := c.streaming
	target, isRoom := c.target, c.isRoom
	c.mu.Unlock()

	if wasStreaming {
		c.media.Release()
		c.mu.Lock()
		c.streaming = false
		c.mu.Unlock()
	} else {
		if err := c.media.Acquire(ctx); err != nil {
			return fmt.Errorf("acquiring media: %w", err)
		}
		c.mu.Lock()
		c.streaming = true
		c.mu.Unlock()
	}

	// Full teardown before the new join goes out.
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()

	if target != "" {
		c.Join(target, isRoom)
	}
	return nil
}

// HandleAllUsers is the push handler for VID_ALL_USERS: the server's
// reply to our join listing everyone already present. We act as
// initiator toward each of them.
func (c *Coordinator) HandleAllUsers(raw []byte) {
	var msg protocol.VidAllUsers
	if err := json.Unmarshal(protocol.UnwrapData(raw), &msg); err != nil {
		c.logger.Debug("unparseable all-users frame", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, uid := range msg.UIDs {
		if _, ok := c.peers[uid]; ok {
			continue
		}
		c.addPeerLocked(uid, true)
	}
	c.state = Meshed
}

// HandleUserJoined is the push handler for VID_USER_JOINED: an inbound
// opening signal from a new participant. We respond as the non-initiator
// and relay our answer back.
func (c *Coordinator) HandleUserJoined(raw []byte) {
	var msg protocol.VidUserJoined
	if err := json.Unmarshal(protocol.UnwrapData(raw), &msg); err != nil {
		c.logger.Debug("unparseable user-joined frame", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.peers[msg.CallerUID]
	if !ok {
		rec = c.addPeerLocked(msg.CallerUID, false)
		if rec == nil {
			return
		}
	}
	// Duplicate joins feed the existing record: last signal wins.
	if err := rec.conn.Signal(msg.Signal); err != nil {
		c.logger.Debug("feeding join signal",
			slog.String("peer", msg.CallerUID),
			slog.String("error", err.Error()),
		)
	}
}

// HandleReturnedSignal is the push handler for
// VID_RECEIVING_RETURNED_SIGNAL: the responder's answer to our offer.
// Answers for unknown peers are late or duplicate and dropped silently.
func (c *Coordinator) HandleReturnedSignal(raw []byte) {
	var msg protocol.VidReturnedSignal
	if err := json.Unmarshal(protocol.UnwrapData(raw), &msg); err != nil {
		c.logger.Debug("unparseable returned-signal frame", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	rec, ok := c.peers[msg.UID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := rec.conn.Signal(msg.Signal); err != nil {
		c.logger.Debug("feeding returned signal",
			slog.String("peer", msg.UID),
			slog.String("error", err.Error()),
		)
	}
}

// HandleUserLeft is the push handler for VID_USER_LEFT. Only the named
// record is destroyed; the rest of the mesh is untouched.
func (c *Coordinator) HandleUserLeft(raw []byte) {
	var msg protocol.VidUserLeft
	if err := json.Unmarshal(protocol.UnwrapData(raw), &msg); err != nil {
		c.logger.Debug("unparseable user-left frame", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.peers[msg.UID]
	if !ok {
		return
	}
	if err := rec.conn.Close(); err != nil {
		c.logger.Debug("closing peer", slog.String("peer", msg.UID), slog.String("error", err.Error()))
	}
	delete(c.peers, msg.UID)
}

// State returns the session state.
func (c *Coordinator) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsStreaming reports whether local capture is live.
func (c *Coordinator) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Peers returns the remote ids with a live record, for inspection.
func (c *Coordinator) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for uid := range c.peers {
		out = append(out, uid)
	}
	return out
}

// Initiator reports whether we initiated toward uid.
func (c *Coordinator) Initiator(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.peers[uid]
	return ok && rec.initiator
}

// addPeerLocked creates a peer record toward uid. Locally generated
// signals are relayed out as SIGNAL or RETURNING_SIGNAL depending on
// which side initiated. Called with c.mu held.
func (c *Coordinator) addPeerLocked(uid string, initiator bool) *peerRecord {
	onSignal := func(signal json.RawMessage) {
		if initiator {
			c.sender.SendIfPossible(protocol.VidSendingSignal{
				EventType: protocol.OutVidSendingSignal,
				Signal:    signal,
				ToUID:     uid,
			})
			return
		}
		c.sender.SendIfPossible(protocol.VidReturningSignal{
			EventType: protocol.OutVidReturningSignal,
			Signal:    signal,
			CallerUID: uid,
		})
	}

	conn, err := c.factory.NewPeer(initiator, c.streaming, onSignal)
	if err != nil {
		c.logger.Warn("creating peer connection",
			slog.String("peer", uid),
			slog.String("error", err.Error()),
		)
		return nil
	}
	rec := &peerRecord{conn: conn, initiator: initiator}
	c.peers[uid] = rec
	return rec
}

// teardownLocked closes and removes every peer record. Called with c.mu
// held.
func (c *Coordinator) teardownLocked() {
	for uid, rec := range c.peers {
		if err := rec.conn.Close(); err != nil {
			c.logger.Debug("closing peer", slog.String("peer", uid), slog.String("error", err.Error()))
		}
		delete(c.peers, uid)
	}
}
