// Package reconcile applies CHANGE push events to the local in-memory
// collections. Events arrive at-least-once and may race REST responses,
// so every operation is idempotent and safe when the referenced entity
// is missing locally.
package reconcile

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/tomdraper/plexus/internal/presence"
	"github.com/tomdraper/plexus/internal/protocol"
)

// feedCap bounds live-feed collections; inserts beyond it drop the
// oldest item.
const feedCap = 20

// UserCache receives USER changes. Satisfied by *presence.Tracker.
type UserCache interface {
	ApplyUpdate(partial presence.Entity)
	BumpImageVersion(id string)
	Remove(id string)
}

// Item is one locally cached entity.
type Item map[string]any

func (i Item) id() string {
	id, _ := i["ID"].(string)
	return id
}

// collection is an insertion-ordered, optionally capped set of items.
type collection struct {
	cap   int
	order []string
	items map[string]Item
}

func newCollection(cap int) *collection {
	return &collection{cap: cap, items: make(map[string]Item)}
}

func (c *collection) insert(it Item) {
	id := it.id()
	if id == "" {
		return
	}
	if _, ok := c.items[id]; ok {
		// Duplicate delivery of the same INSERT.
		return
	}
	c.items[id] = it
	c.order = append(c.order, id)
	for c.cap > 0 && len(c.order) > c.cap {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
}

func (c *collection) update(partial Item) {
	id := partial.id()
	cur, ok := c.items[id]
	if !ok {
		return
	}
	for k, v := range partial {
		cur[k] = v
	}
}

func (c *collection) remove(id string) {
	if _, ok := c.items[id]; !ok {
		return
	}
	delete(c.items, id)
	for i, n := range c.order {
		if n == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *collection) bumpImage(id string) {
	cur, ok := c.items[id]
	if !ok {
		return
	}
	v, _ := cur["img_v"].(int)
	cur["img_v"] = v + 1
}

func (c *collection) snapshot() []Item {
	out := make([]Item, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// Store routes CHANGE events by entity kind to the matching collection.
// USER changes go to the presence tracker, which owns user snapshots.
type Store struct {
	logger *slog.Logger
	users  UserCache

	mu       sync.Mutex
	posts    *collection
	comments *collection
	rooms    *collection
	messages *collection
}

// NewStore creates the local collections. users may be nil when no
// presence tracker is wired (tests).
func NewStore(users UserCache, logger *slog.Logger) *Store {
	return &Store{
		logger:   logger,
		users:    users,
		posts:    newCollection(feedCap),
		comments: newCollection(feedCap),
		rooms:    newCollection(0),
		messages: newCollection(feedCap),
	}
}

// HandleChange is the push handler for CHANGE frames.
func (s *Store) HandleChange(raw []byte) {
	ev, err := protocol.ParseChange(raw)
	if err != nil {
		s.logger.Debug("unparseable change frame", slog.String("error", err.Error()))
		return
	}
	s.Apply(ev)
}

// Apply executes one CHANGE event. Unknown kinds, unknown methods, and
// missing ids all degrade to a no-op; nothing here is fatal.
func (s *Store) Apply(ev protocol.ChangeEvent) {
	if ev.Entity == protocol.EntityUser {
		s.applyUser(ev)
		return
	}

	var payload Item
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			s.logger.Debug("unparseable change payload",
				slog.String("entity", string(ev.Entity)),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collectionFor(ev.Entity)
	if col == nil {
		s.logger.Debug("change for unknown entity kind", slog.String("entity", string(ev.Entity)))
		return
	}

	switch ev.Method {
	case protocol.MethodInsert:
		col.insert(payload)
	case protocol.MethodUpdate:
		col.update(payload)
	case protocol.MethodDelete:
		col.remove(payload.id())
	case protocol.MethodUpdateImage:
		col.bumpImage(payload.id())
	default:
		s.logger.Debug("change with unknown method", slog.String("method", string(ev.Method)))
	}
}

// applyUser forwards USER changes into the presence tracker.
func (s *Store) applyUser(ev protocol.ChangeEvent) {
	if s.users == nil {
		return
	}

	id := gjson.GetBytes(ev.Data, "ID").Str
	switch ev.Method {
	case protocol.MethodUpdate, protocol.MethodInsert:
		var partial presence.Entity
		if err := json.Unmarshal(ev.Data, &partial); err != nil {
			return
		}
		s.users.ApplyUpdate(partial)
	case protocol.MethodDelete:
		s.users.Remove(id)
	case protocol.MethodUpdateImage:
		s.users.BumpImageVersion(id)
	}
}

// ApplyVote merges a vote tally push (POST_VOTE / POST_COMMENT_VOTE)
// into the named collection. Missing ids are ignored.
func (s *Store) ApplyVote(entity protocol.EntityKind, raw []byte) {
	data := protocol.UnwrapData(raw)
	id := gjson.GetBytes(data, "ID").Str
	if id == "" {
		return
	}
	votes := int(gjson.GetBytes(data, "votes").Int())

	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collectionFor(entity)
	if col == nil {
		return
	}
	cur, ok := col.items[id]
	if !ok {
		return
	}
	cur["votes"] = votes
}

// Get returns one cached item from the named collection.
func (s *Store) Get(entity protocol.EntityKind, id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collectionFor(entity)
	if col == nil {
		return nil, false
	}
	it, ok := col.items[id]
	return it, ok
}

// Snapshot returns the named collection in feed order.
func (s *Store) Snapshot(entity protocol.EntityKind) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.collectionFor(entity)
	if col == nil {
		return nil
	}
	return col.snapshot()
}

// collectionFor is called with s.mu held.
func (s *Store) collectionFor(entity protocol.EntityKind) *collection {
	switch entity {
	case protocol.EntityPost:
		return s.posts
	case protocol.EntityComment:
		return s.comments
	case protocol.EntityRoom:
		return s.rooms
	case protocol.EntityMessage:
		return s.messages
	default:
		return nil
	}
}
