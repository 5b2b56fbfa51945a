// Package collab is the client side of a shared setlist: it keeps a shadow
// copy of the remote documents, layers optimistic edits over it and
// exposes the actions a UI calls.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"setlist-sync/internal/logging"
	"setlist-sync/internal/presence"
	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

var (
	ErrSessionClosed = errors.New("collab: session closed")
	ErrNotOpen       = errors.New("collab: session not open")
)

type Options struct {
	// GuardCooldown is how long a written optimistic op stays layered over
	// snapshots. It only hides the snapshot race for this session's own
	// writes; it does not order writes from other sessions.
	GuardCooldown time.Duration
	// DebounceQuiet is the quiet period of the target time coalescer.
	DebounceQuiet time.Duration
	// OnlineCheckInterval drives the connectivity check. Zero disables it.
	OnlineCheckInterval time.Duration
	Heartbeat           time.Duration
	StaleAfter          time.Duration
	Logger              logging.Logger
	Now                 func() time.Time
}

func DefaultOptions() Options {
	return Options{
		GuardCooldown:       time.Second,
		DebounceQuiet:       800 * time.Millisecond,
		OnlineCheckInterval: 3 * time.Second,
		Heartbeat:           30 * time.Second,
		StaleAfter:          90 * time.Second,
		Logger:              logging.Nop(),
		Now:                 time.Now,
	}
}

// State is a point-in-time copy of what the session shows.
type State struct {
	Setlist      *setlist.Setlist
	Items        []setlist.Item
	Capabilities setlist.Capabilities
	TargetTime   int
	Loading      bool
	Syncing      bool
	Connected    bool
	Err          *setlist.SyncError
}

// Listener receives pushed state. Nil funcs are skipped. Callbacks run on
// session goroutines, one at a time. They may read State but must not call
// actions synchronously. The slices they get are shared between listeners
// and must not be modified. OnError gets nil when a set error is cleared.
type Listener struct {
	OnSetlist  func(*setlist.Setlist)
	OnItems    func([]setlist.Item)
	OnTarget   func(int)
	OnError    func(*setlist.SyncError)
	OnPresence func([]setlist.Presence)
}

// Session is one user's view of one setlist.
type Session struct {
	docs      store.Documents
	ident     setlist.Identity
	opts      Options
	log       logging.Logger
	sub       *Subscriber
	tracker   *presence.Tracker
	listeners CallbackList[*Listener]

	emitMu sync.Mutex
	wg     sync.WaitGroup

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	setlistID string
	sl        *setlist.Setlist
	items     ItemsState
	target    *Coalescer[int]
	loading   bool
	connected bool
	inflight  int
	err       *setlist.SyncError
	gen       int
	unsubs    []func()
	timers    map[*time.Timer]struct{}
	opened    bool
	closed    bool

	// comment watches survive Retry
	commentUnsubs []func()
}

// NewSession builds a session for ident. eph may be nil, in which case the
// session has no presence.
func NewSession(docs store.Documents, eph store.Ephemeral, ident setlist.Identity, opts Options) *Session {
	def := DefaultOptions()
	if opts.GuardCooldown <= 0 {
		opts.GuardCooldown = def.GuardCooldown
	}
	if opts.DebounceQuiet <= 0 {
		opts.DebounceQuiet = def.DebounceQuiet
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}

	s := &Session{
		docs:   docs,
		ident:  ident,
		opts:   opts,
		log:    opts.Logger.With("component", "collab", "user", ident.UserID),
		sub:    NewSubscriber(docs, ident, opts.Logger, opts.Now),
		timers: make(map[*time.Timer]struct{}),
	}
	if eph != nil {
		s.tracker = presence.New(eph, ident, presence.Options{
			Heartbeat:  opts.Heartbeat,
			StaleAfter: opts.StaleAfter,
			Logger:     opts.Logger,
			Now:        opts.Now,
		})
		s.tracker.OnChange(func([]setlist.Presence) { s.emitPresence() })
	}
	return s
}

// Listen registers l and returns the func that removes it.
func (s *Session) Listen(l *Listener) (remove func()) {
	s.listeners.add(l)
	return func() { s.listeners.remove(l) }
}

// Open subscribes to setlistID and joins its presence. A presence failure
// is logged and does not fail Open.
func (s *Session) Open(ctx context.Context, setlistID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.opened {
		s.mu.Unlock()
		return fmt.Errorf("collab: session already open on %q", s.setlistID)
	}
	s.opened = true
	s.setlistID = setlistID
	s.loading = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.target = NewCoalescer(s.ctx, s.opts.DebounceQuiet, s.writeTarget, s.emitTarget, s.targetFailed)
	sctx := s.ctx
	s.mu.Unlock()

	s.subscribeAll()
	s.joinPresence(ctx)

	if s.opts.OnlineCheckInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			MonitorConnectivity(sctx, s.docs, s.opts.OnlineCheckInterval, func() { s.NetworkOnline(sctx) })
		}()
	}

	s.log.Info(ctx, "collab: opened", "setlist", setlistID)
	return nil
}

func (s *Session) subscribeAll() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	old := s.unsubs
	s.unsubs = nil
	s.gen++
	gen, ctx, id := s.gen, s.ctx, s.setlistID
	s.mu.Unlock()

	for _, unsub := range old {
		unsub()
	}

	unsubs := []func(){
		s.sub.SubscribeSetlist(ctx, id, s.onSetlist(gen), s.onSyncError(gen)),
		s.sub.SubscribeItems(ctx, id, s.onItems(gen), s.onSyncError(gen)),
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		return
	}
	s.unsubs = append(s.unsubs, unsubs...)
	s.mu.Unlock()
}

func (s *Session) joinPresence(ctx context.Context) {
	if s.tracker == nil || s.ident.UserID == "" {
		return
	}
	if err := s.tracker.Join(ctx, s.setlistID); err != nil {
		s.log.Warn(ctx, "collab: presence unavailable", "err", err)
	}
}

// current reports whether a callback of subscription generation gen may
// still change state. The caller holds s.mu.
func (s *Session) current(gen int) bool {
	return !s.closed && s.gen == gen
}

func (s *Session) onSetlist(gen int) func(*setlist.Setlist) {
	return func(sl *setlist.Setlist) {
		s.mu.Lock()
		if !s.current(gen) {
			s.mu.Unlock()
			return
		}
		s.sl = sl
		s.connected = true
		target := s.target
		s.mu.Unlock()

		if sl != nil {
			target.Observe(sl.TargetTime)
		}
		s.emitSetlist()
	}
}

func (s *Session) onItems(gen int) func([]setlist.Item) {
	return func(items []setlist.Item) {
		s.mu.Lock()
		if !s.current(gen) {
			s.mu.Unlock()
			return
		}
		s.items = Reduce(s.items, Snapshot{Items: items})
		s.loading = false
		s.connected = true
		s.mu.Unlock()

		s.emitItems()
	}
}

func (s *Session) onSyncError(gen int) func(*setlist.SyncError) {
	return func(se *setlist.SyncError) {
		s.mu.Lock()
		if !s.current(gen) {
			s.mu.Unlock()
			return
		}
		s.err = se
		s.connected = false
		s.loading = false
		s.mu.Unlock()

		s.log.Warn(s.ctx, "collab: subscription failed", "code", se.Code, "err", se)
		s.emitError(se)
	}
}

// dispatch runs one reducer action and pushes the new view.
func (s *Session) dispatch(a Action) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.items = Reduce(s.items, a)
	s.mu.Unlock()
	s.emitItems()
}

// afterGuard runs fn once the guard cool-down has passed, unless the
// session is closed first.
func (s *Session) afterGuard(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(s.opts.GuardCooldown, func() {
		s.mu.Lock()
		delete(s.timers, t)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			fn()
		}
	})
	s.timers[t] = struct{}{}
}

func (s *Session) setError(se *setlist.SyncError) {
	s.mu.Lock()
	s.err = se
	s.mu.Unlock()
	s.emitError(se)
}

func (s *Session) emitSetlist() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	sl := s.sl.Clone()
	s.mu.Unlock()
	for _, l := range s.listeners.get() {
		if l.OnSetlist != nil {
			l.OnSetlist(sl)
		}
	}
}

func (s *Session) emitItems() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.mu.Lock()
	view := cloneItems(s.items.View)
	s.mu.Unlock()
	for _, l := range s.listeners.get() {
		if l.OnItems != nil {
			l.OnItems(view)
		}
	}
}

func (s *Session) emitTarget(v int) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for _, l := range s.listeners.get() {
		if l.OnTarget != nil {
			l.OnTarget(v)
		}
	}
}

func (s *Session) emitError(se *setlist.SyncError) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for _, l := range s.listeners.get() {
		if l.OnError != nil {
			l.OnError(se)
		}
	}
}

func (s *Session) emitPresence() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	users := s.ActiveUsers()
	for _, l := range s.listeners.get() {
		if l.OnPresence != nil {
			l.OnPresence(users)
		}
	}
}

// State returns a copy of the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		Setlist:      s.sl.Clone(),
		Items:        cloneItems(s.items.View),
		Capabilities: setlist.CapabilitiesFor(s.sl, s.ident.UserID),
		TargetTime:   setlist.DefaultTargetTime,
		Loading:      s.loading,
		Syncing:      s.inflight > 0 || s.items.Syncing(),
		Connected:    s.connected,
		Err:          s.err,
	}
	if s.sl != nil {
		st.TargetTime = s.sl.TargetTime
	}
	if s.target != nil && (s.sl != nil || s.target.Dirty()) {
		st.TargetTime = s.target.Value()
	}
	return st
}

func (s *Session) Items() []setlist.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.items.View)
}

func (s *Session) Err() *setlist.SyncError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Capabilities() setlist.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setlist.CapabilitiesFor(s.sl, s.ident.UserID)
}

// Timing summarizes the displayed items against the displayed target.
func (s *Session) Timing() setlist.TimingStats {
	st := s.State()
	return setlist.Timing(st.Items, st.TargetTime)
}

// ClearError drops the current error. Errors are never cleared otherwise.
func (s *Session) ClearError() {
	s.mu.Lock()
	had := s.err != nil
	s.err = nil
	s.mu.Unlock()
	if had {
		s.emitError(nil)
	}
}

// Retry clears the error, replaces both subscriptions and rejoins
// presence if it was lost.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.opened {
		s.mu.Unlock()
		return ErrNotOpen
	}
	had := s.err != nil
	s.err = nil
	s.loading = true
	s.mu.Unlock()

	if had {
		s.emitError(nil)
	}
	s.log.Info(ctx, "collab: retry", "setlist", s.setlistID)
	s.subscribeAll()

	if s.tracker != nil && s.ident.UserID != "" && !s.tracker.Connected() {
		_ = s.tracker.Leave(ctx)
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.joinPresence(ctx)
		}
	}
	return nil
}

// NetworkOnline is called when connectivity comes back. It retries only
// when the session is errored and disconnected, and reports whether it did.
func (s *Session) NetworkOnline(ctx context.Context) bool {
	s.mu.Lock()
	should := s.opened && !s.closed && s.err != nil && !s.connected
	s.mu.Unlock()
	if !should {
		return false
	}
	s.log.Info(ctx, "collab: back online, retrying")
	return s.Retry(ctx) == nil
}

// Close cancels every subscription, timer and pending write and leaves
// presence. Unwritten debounced edits are dropped. Calling Close again is
// a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := append(s.unsubs, s.commentUnsubs...)
	timers, target, cancel := s.timers, s.target, s.cancel
	s.unsubs, s.commentUnsubs = nil, nil
	s.timers = make(map[*time.Timer]struct{})
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for t := range timers {
		t.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if target != nil {
		target.Close()
	}
	s.wg.Wait()

	if s.tracker != nil {
		return s.tracker.Leave(ctx)
	}
	return nil
}
