package upload

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tomdraper/plexus/internal/protocol"
)

// Progress is one progress report for an in-flight attachment.
type Progress struct {
	Ratio    float64
	Failed   bool
	Complete bool
}

// doneHistory bounds how many completed message ids are remembered for
// the benefit of late subscribers.
const doneHistory = 128

// Registry correlates asynchronous ATTACHMENT_PROGRESS and
// ATTACHMENT_COMPLETE push events back to the feature that rendered the
// message. Subscribers are keyed by message id.
type Registry struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]chan Progress

	// done remembers recently completed ids so a subscriber that shows
	// up after the terminal event gets a closed channel instead of one
	// that never settles. doneOrder evicts oldest-first.
	done      map[string]struct{}
	doneOrder []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		subs:   make(map[string]chan Progress),
		done:   make(map[string]struct{}),
	}
}

// Subscribe returns the progress channel for a message id. The channel
// is buffered; a slow consumer drops intermediate reports rather than
// stalling the dispatch loop. Subscribing to a message whose upload
// already completed returns a closed channel.
func (r *Registry) Subscribe(messageID string) <-chan Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.done[messageID]; ok {
		ch := make(chan Progress)
		close(ch)
		return ch
	}

	ch, ok := r.subs[messageID]
	if !ok {
		ch = make(chan Progress, 8)
		r.subs[messageID] = ch
	}
	return ch
}

// Unsubscribe drops the subscriber for a message id.
func (r *Registry) Unsubscribe(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.subs[messageID]; ok {
		close(ch)
		delete(r.subs, messageID)
	}
}

// HandleProgress is the push handler for ATTACHMENT_PROGRESS frames.
func (r *Registry) HandleProgress(raw []byte) {
	r.deliver(raw, false)
}

// HandleComplete is the push handler for ATTACHMENT_COMPLETE frames.
// The subscription is torn down after delivery: complete is terminal.
func (r *Registry) HandleComplete(raw []byte) {
	r.deliver(raw, true)
}

func (r *Registry) deliver(raw []byte, complete bool) {
	var msg protocol.AttachmentProgress
	if err := json.Unmarshal(protocol.UnwrapData(raw), &msg); err != nil {
		r.logger.Debug("unparseable attachment frame", slog.String("error", err.Error()))
		return
	}
	if msg.MsgID == "" {
		return
	}

	p := Progress{Ratio: msg.Ratio, Failed: msg.Failed, Complete: complete}
	if complete && !msg.Failed {
		p.Ratio = 1
	}

	r.mu.Lock()
	ch, ok := r.subs[msg.MsgID]
	if ok {
		select {
		case ch <- p:
		default:
			// Drop rather than block the dispatch goroutine.
		}
		if complete {
			close(ch)
			delete(r.subs, msg.MsgID)
		}
	}
	if complete {
		r.markDoneLocked(msg.MsgID)
	}
	r.mu.Unlock()

	if !ok {
		// Progress for a message nobody is watching: late or foreign.
		r.logger.Debug("unclaimed attachment progress", slog.String("message_id", msg.MsgID))
	}
}

// markDoneLocked records a completed id, evicting the oldest entry past
// the history bound. Called with r.mu held.
func (r *Registry) markDoneLocked(messageID string) {
	if _, ok := r.done[messageID]; ok {
		return
	}
	r.done[messageID] = struct{}{}
	r.doneOrder = append(r.doneOrder, messageID)
	for len(r.doneOrder) > doneHistory {
		oldest := r.doneOrder[0]
		r.doneOrder = r.doneOrder[1:]
		delete(r.done, oldest)
	}
}
