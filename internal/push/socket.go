// Package push owns the single multiplexed push-event connection to the
// server: dialing, reconnection, the pending send queue, topic
// subscription bookkeeping, and dispatch of inbound frames by event type.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tomdraper/plexus/internal/protocol"
)

const (
	// idleTimeout closes the connection when nothing has arrived for this
	// long. The platform protocol has no ping op; silence this long means
	// the TCP session is dead and a redial is cheaper than waiting.
	idleTimeout = 120 * time.Second

	// idleCheckEvery is the tick interval for the idle watchdog.
	idleCheckEvery = 20 * time.Second

	// writeTimeout bounds a single outbound frame write.
	writeTimeout = 5 * time.Second

	// readLimit caps inbound frame size. Push frames are metadata only
	// (binary assets travel over REST), so 1MB is generous.
	readLimit = 1 * 1024 * 1024

	// inboundChanSize buffers the reader goroutine feeding the dispatch
	// loop.
	inboundChanSize = 64
)

// alwaysOnPrefixes are topics the server subscribes every session to
// implicitly. Opens for these are sent (the server dedupes) but the name
// is not tracked in the desired set, so it is never replayed or closed.
var alwaysOnPrefixes = []string{"inbox="}

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
)

// Handler consumes the raw bytes of one inbound frame. Handlers run on
// the dispatch goroutine in server-send order and must not block.
type Handler func(data []byte)

// Dialer establishes a connection. Swapped for a mock in tests.
type Dialer func(ctx context.Context) (Conn, error)

// Config holds the parameters for a push socket.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://host/api/ws.
	URL string

	// Header is attached to the dial request (session cookie).
	Header http.Header

	// Dial overrides the default dialer. Tests inject a mock here.
	Dial Dialer

	// Backoff paces reconnect attempts. Defaults to exponential with
	// jitter when nil.
	Backoff Backoff
}

// Socket is the client's one persistent connection to the server.
//
// Architecture: a reader goroutine feeds inboundCh with raw frames; the
// Run loop dispatches them to handlers and owns reconnection. Outbound
// sends happen from caller goroutines under a mutex, queueing when the
// connection is down. On every (re)connect the desired-subscription set
// is replayed in one batch before the pending queue is drained in FIFO
// order.
type Socket struct {
	logger  *slog.Logger
	dial    Dialer
	backoff Backoff

	// mu guards conn, state, pending, and the desired set. Writes to the
	// connection also happen under mu: the websocket permits only one
	// concurrent writer, and frames are small enough that holding the
	// lock across a write is cheap.
	mu      sync.Mutex
	conn    Conn
	state   State
	pending [][]byte

	// desired holds subscription names in insertion order so replay is
	// deterministic. desiredSet mirrors it for O(1) dedup.
	desired    []string
	desiredSet map[string]struct{}

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	// runCtx is the context passed to Run, used for writes triggered by
	// callers that carry no context of their own.
	runCtx context.Context

	inboundCh chan inboundMsg
}

// NewSocket creates a push socket. Run must be called to connect.
func NewSocket(cfg Config, logger *slog.Logger) *Socket {
	dial := cfg.Dial
	if dial == nil {
		dial = func(ctx context.Context) (Conn, error) {
			conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
				HTTPHeader: cfg.Header,
			})
			if err != nil {
				return nil, err
			}
			conn.SetReadLimit(readLimit)
			return conn, nil
		}
	}

	backoff := cfg.Backoff
	if backoff == nil {
		backoff = NewExpBackoff(0, 0)
	}

	return &Socket{
		logger:     logger,
		dial:       dial,
		backoff:    backoff,
		desiredSet: make(map[string]struct{}),
		handlers:   make(map[string][]Handler),
		runCtx:     context.Background(),
	}
}

// Handle registers a handler for an inbound event type. Multiple
// handlers for one type run in registration order.
func (s *Socket) Handle(eventType string, h Handler) {
	s.handlersMu.Lock()
	s.handlers[eventType] = append(s.handlers[eventType], h)
	s.handlersMu.Unlock()
}

// Run connects and processes inbound frames until ctx is cancelled.
// Connection loss is never surfaced to callers: the loop silently
// redials with backoff and replays subscriptions.
func (s *Socket) Run(ctx context.Context) error {
	s.runCtx = ctx

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.setState(Connecting)
		conn, err := s.dial(ctx)
		if err != nil {
			s.setState(Disconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := s.backoff.Next()
			s.logger.Warn("dial failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", delay),
			)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		s.onOpen(ctx, conn)
		s.backoff.Reset()
		s.logger.Info("push socket connected")

		err = s.readLoop(ctx, conn)
		s.teardown(conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := s.backoff.Next()
		s.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// SendIfPossible marshals v and sends it when the connection is open,
// otherwise appends it to the pending queue for the next (re)connect.
// Failures are logged, never returned: a dropped connection is handled
// by the Run loop, and the frame stays queued.
func (s *Socket) SendIfPossible(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("marshalling outbound frame", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Open {
		s.pending = append(s.pending, data)
		return
	}

	if err := s.write(data); err != nil {
		// The readLoop will observe the dead connection and reconnect;
		// keep the frame for the replay.
		s.pending = append(s.pending, data)
		s.logger.Debug("queued frame after write failure", slog.String("error", err.Error()))
	}
}

// OpenSubscription sends a per-name open immediately and records the
// name for replay after reconnects. Duplicate opens are idempotent.
// Always-on topics (inbox) are opened but not tracked.
func (s *Socket) OpenSubscription(name string) {
	tracked := !isAlwaysOn(name)

	s.mu.Lock()
	if tracked {
		if _, ok := s.desiredSet[name]; !ok {
			s.desiredSet[name] = struct{}{}
			s.desired = append(s.desired, name)
		}
	}
	s.mu.Unlock()

	s.SendIfPossible(protocol.OpenSubscription{
		EventType: protocol.OutOpenSubscription,
		Name:      name,
	})
}

// CloseSubscription sends a close and drops the name from the desired set.
func (s *Socket) CloseSubscription(name string) {
	s.mu.Lock()
	if _, ok := s.desiredSet[name]; ok {
		delete(s.desiredSet, name)
		for i, n := range s.desired {
			if n == name {
				s.desired = append(s.desired[:i], s.desired[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	s.SendIfPossible(protocol.CloseSubscription{
		EventType: protocol.OutCloseSubscription,
		Name:      name,
	})
}

// Subscriptions returns the desired set in replay order.
func (s *Socket) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.desired))
	copy(out, s.desired)
	return out
}

// Connected reports whether the socket is open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Open
}

// onOpen installs the new connection, replays the desired-subscription
// set as one batch, then drains the pending queue in FIFO order. Frames
// that fail to write stay queued for the next connection.
func (s *Socket) onOpen(ctx context.Context, conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
	s.state = Open

	if len(s.desired) > 0 {
		batch := protocol.OpenSubscriptions{
			EventType: protocol.OutOpenSubscriptions,
			Names:     append([]string(nil), s.desired...),
		}
		data, err := json.Marshal(batch)
		if err == nil {
			if err := s.write(data); err != nil {
				s.logger.Warn("replaying subscriptions", slog.String("error", err.Error()))
				return
			}
		}
		s.logger.Debug("subscriptions replayed", slog.Int("count", len(s.desired)))
	}

	for i, data := range s.pending {
		if err := s.write(data); err != nil {
			// Keep the unsent tail (including this frame) queued.
			s.pending = s.pending[i:]
			s.logger.Warn("draining pending queue", slog.String("error", err.Error()))
			return
		}
	}
	s.pending = nil
}

// teardown marks the socket disconnected and closes the dead connection.
func (s *Socket) teardown(conn Conn) {
	s.mu.Lock()
	s.state = Disconnected
	s.conn = nil
	s.mu.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, "reconnecting")
}

// readLoop feeds frames from the reader goroutine to handlers until the
// connection dies. An idle watchdog closes connections that have gone
// silent for longer than idleTimeout.
func (s *Socket) readLoop(ctx context.Context, conn Conn) error {
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	s.startReader(connCtx, conn)

	lastMessage := time.Now()
	ticker := time.NewTicker(idleCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}
			lastMessage = time.Now()

			if msg.typ == websocket.MessageBinary {
				s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}
			s.dispatch(msg.data)

		case <-ticker.C:
			if time.Since(lastMessage) > idleTimeout {
				conn.Close(websocket.StatusGoingAway, "idle timeout")
				return fmt.Errorf("idle timeout")
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// startReader launches a goroutine that reads from the connection and
// feeds inboundCh. The channel is captured by value so a stale reader
// from a previous connection cannot feed the new one.
func (s *Socket) startReader(connCtx context.Context, conn Conn) {
	ch := make(chan inboundMsg, inboundChanSize)
	s.inboundCh = ch
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// dispatch routes one inbound frame to the handlers registered for its
// TYPE tag. Unknown types are logged and dropped, never fatal.
func (s *Socket) dispatch(data []byte) {
	typ := protocol.PeekType(data)
	if typ == "" {
		s.logger.Debug("frame without TYPE tag", slog.Int("bytes", len(data)))
		return
	}

	s.handlersMu.RLock()
	hs := s.handlers[typ]
	s.handlersMu.RUnlock()

	if len(hs) == 0 {
		s.logger.Debug("no handler for event", slog.String("type", typ))
		return
	}
	for _, h := range hs {
		h(data)
	}
}

// write sends one frame on the current connection. Callers hold s.mu.
func (s *Socket) write(data []byte) error {
	ctx, cancel := context.WithTimeout(s.runCtx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Socket) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func isAlwaysOn(name string) bool {
	for _, p := range alwaysOnPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// sleep waits for d or until ctx is cancelled. Reports whether the full
// delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
