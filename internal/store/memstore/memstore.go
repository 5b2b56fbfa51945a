// Package memstore is an in-process remote store. Every Conn behaves like
// one client connection: it owns watch streams and disconnect hooks, and
// Drop simulates that client vanishing without a goodbye.
package memstore

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

var ErrDisconnected = errors.New("memstore: connection lost")

// Operation names accepted by Conn.FailNext and Conn.Block.
const (
	OpCreateSetlist = "CreateSetlist"
	OpUpdateTarget  = "UpdateTargetTime"
	OpSetShares     = "SetShares"
	OpCreateItem    = "CreateItem"
	OpUpdateItem    = "UpdateItem"
	OpDeleteItem    = "DeleteItem"
	OpReorderItems  = "ReorderItems"
	OpAddComment    = "AddComment"
	OpUpdateComment = "UpdateComment"
	OpDeleteComment = "DeleteComment"
	OpPutPresence   = "Put"
	OpPatchPresence = "Patch"
	OpWatch         = "Watch"
	// OpDeliver gates the snapshots an open watch sends after its first.
	// Only Block applies to it.
	OpDeliver = "Deliver"
)

var documentWrites = []string{
	OpCreateSetlist, OpUpdateTarget, OpSetShares, OpCreateItem, OpUpdateItem,
	OpDeleteItem, OpReorderItems, OpAddComment, OpUpdateComment, OpDeleteComment,
}

type Option func(*Server)

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

type Server struct {
	mu sync.Mutex

	setlists map[string]*setlist.Setlist
	items    map[string]map[string]setlist.Item
	comments map[string]map[string]setlist.Comment
	presence map[string]map[string]setlist.Presence

	watchers map[string]map[*watcher]struct{}
	now      func() time.Time
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		setlists: make(map[string]*setlist.Setlist),
		items:    make(map[string]map[string]setlist.Item),
		comments: make(map[string]map[string]setlist.Comment),
		presence: make(map[string]map[string]setlist.Presence),
		watchers: make(map[string]map[*watcher]struct{}),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect opens a new client connection.
func (s *Server) Connect() *Conn {
	return &Conn{
		srv:          s,
		onDisconnect: make(map[presenceKey]struct{}),
		failures:     make(map[string][]error),
		blocks:       make(map[string]chan struct{}),
		calls:        make(map[string]int),
		watches:      make(map[*watcher]struct{}),
	}
}

// Seed stores a setlist and its items as given, positions included.
func (s *Server) Seed(sl setlist.Setlist, items ...setlist.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setlists[sl.ID] = sl.Clone()
	col := s.itemCol(sl.ID)
	for _, it := range items {
		it.SetlistID = sl.ID
		col[it.ID] = it.Clone()
	}
	s.publishLocked(topicSetlist(sl.ID), topicItems(sl.ID))
}

// Items returns the stored items of a setlist sorted by position.
func (s *Server) Items(setlistID string) []setlist.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsLocked(setlistID)
}

func (s *Server) Setlist(id string) *setlist.Setlist {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setlists[id].Clone()
}

func (s *Server) Presence(setlistID string) []setlist.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presenceLocked(setlistID)
}

func (s *Server) itemCol(setlistID string) map[string]setlist.Item {
	col, ok := s.items[setlistID]
	if !ok {
		col = make(map[string]setlist.Item)
		s.items[setlistID] = col
	}
	return col
}

func (s *Server) itemsLocked(setlistID string) []setlist.Item {
	out := make([]setlist.Item, 0, len(s.items[setlistID]))
	for _, it := range s.items[setlistID] {
		out = append(out, it.Clone())
	}
	setlist.SortByPosition(out)
	return out
}

func (s *Server) commentsLocked(setlistID, itemID string) []setlist.Comment {
	out := []setlist.Comment{}
	for _, c := range s.comments[setlistID] {
		if c.ItemID == itemID {
			c.Mentions = slices.Clone(c.Mentions)
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b setlist.Comment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Server) presenceLocked(setlistID string) []setlist.Presence {
	out := slices.Collect(maps.Values(s.presence[setlistID]))
	slices.SortFunc(out, func(a, b setlist.Presence) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

func (s *Server) removePresence(setlistID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.presence[setlistID][key]; ok {
		delete(s.presence[setlistID], key)
		s.publishLocked(topicPresence(setlistID))
	}
}

func newID() string {
	return ulid.Make().String()
}

func topicSetlist(id string) string  { return "setlist:" + id }
func topicItems(id string) string    { return "items:" + id }
func topicPresence(id string) string { return "presence:" + id }
func topicComments(setlistID, itemID string) string {
	return "comments:" + setlistID + ":" + itemID
}

type presenceKey struct {
	setlistID string
	key       string
}

// Conn is one client's view of the server.
type Conn struct {
	srv *Server

	mu           sync.Mutex
	dropped      bool
	onDisconnect map[presenceKey]struct{}
	failures     map[string][]error
	blocks       map[string]chan struct{}
	calls        map[string]int
	watches      map[*watcher]struct{}
}

var (
	_ store.Documents = (*Conn)(nil)
	_ store.Ephemeral = (*Conn)(nil)
)

// FailNext makes the next call of op return err.
func (c *Conn) FailNext(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], err)
}

// Block holds calls of op until the returned release func is called.
func (c *Conn) Block(op string) (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.blocks[op] = ch
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.blocks[op] == ch {
				delete(c.blocks, op)
			}
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Calls reports how many times op was attempted.
func (c *Conn) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// DocumentWrites counts every attempted document mutation.
func (c *Conn) DocumentWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, op := range documentWrites {
		n += c.calls[op]
	}
	return n
}

// Drop simulates an ungraceful disconnect. Registered presence records are
// removed and every open watch ends with ErrDisconnected. Later calls fail
// until Restore.
func (c *Conn) Drop() {
	c.mu.Lock()
	if c.dropped {
		c.mu.Unlock()
		return
	}
	c.dropped = true
	hooks := slices.Collect(maps.Keys(c.onDisconnect))
	clear(c.onDisconnect)
	watches := slices.Collect(maps.Keys(c.watches))
	c.mu.Unlock()

	for _, k := range hooks {
		c.srv.removePresence(k.setlistID, k.key)
	}
	for _, w := range watches {
		w.fail(ErrDisconnected)
	}
}

// Restore brings a dropped connection back.
func (c *Conn) Restore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = false
}

func (c *Conn) begin(ctx context.Context, op string) error {
	c.mu.Lock()
	c.calls[op]++
	if c.dropped {
		c.mu.Unlock()
		return ErrDisconnected
	}
	if q := c.failures[op]; len(q) > 0 {
		err := q[0]
		c.failures[op] = q[1:]
		c.mu.Unlock()
		return err
	}
	block := c.blocks[op]
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return ErrDisconnected
	}
	return nil
}

// hold waits while op is blocked. It reports false if ctx ended first.
func (c *Conn) hold(ctx context.Context, op string) bool {
	c.mu.Lock()
	block := c.blocks[op]
	c.mu.Unlock()
	if block == nil {
		return true
	}
	select {
	case <-block:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return ErrDisconnected
	}
	return nil
}
