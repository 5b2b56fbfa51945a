// Package presence tracks who is looking at a setlist and what they are
// editing. Everything here is best effort: a failed presence write is
// logged and reported, never propagated into document editing.
package presence

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"setlist-sync/internal/logging"
	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

type Options struct {
	// Heartbeat is how often lastSeen is refreshed.
	Heartbeat time.Duration
	// StaleAfter hides records whose lastSeen is older than this. Zero
	// disables the check.
	StaleAfter time.Duration
	Logger     logging.Logger
	Now        func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Heartbeat:  30 * time.Second,
		StaleAfter: 90 * time.Second,
		Logger:     logging.Nop(),
		Now:        time.Now,
	}
}

type Tracker struct {
	eph   store.Ephemeral
	ident setlist.Identity
	opts  Options
	log   logging.Logger

	mu        sync.Mutex
	setlistID string
	key       string
	joined    bool
	connected bool
	err       error
	records   []setlist.Presence
	onChange  func([]setlist.Presence)
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(eph store.Ephemeral, ident setlist.Identity, opts Options) *Tracker {
	def := DefaultOptions()
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = def.Heartbeat
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	return &Tracker{
		eph:   eph,
		ident: ident,
		opts:  opts,
		log:   opts.Logger.With("component", "presence", "user", ident.UserID),
	}
}

// OnChange registers fn to receive every observed record set. Set it before
// Join.
func (t *Tracker) OnChange(fn func([]setlist.Presence)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Join writes this session's record, registers its disconnect cleanup and
// starts the heartbeat and the watch. On failure the tracker stays
// disconnected and the error is also available from Err.
func (t *Tracker) Join(ctx context.Context, setlistID string) error {
	if t.ident.UserID == "" {
		return setlist.ErrAuthRequired
	}

	t.mu.Lock()
	if t.joined {
		t.mu.Unlock()
		return errors.New("presence: already joined")
	}
	now := t.opts.Now()
	rec := setlist.Presence{
		Key:         uuid.NewString(),
		UserID:      t.ident.UserID,
		DisplayName: t.ident.Name(),
		Avatar:      t.ident.Avatar,
		JoinedAt:    now,
		LastSeen:    now,
		IsActive:    true,
	}
	t.setlistID = setlistID
	t.key = rec.Key
	t.mu.Unlock()

	if err := t.register(ctx, rec); err != nil {
		_ = t.eph.Remove(context.WithoutCancel(ctx), setlistID, rec.Key)
		t.fail(ctx, "presence: join", err)
		return err
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ch, err := t.eph.Watch(wctx, setlistID)
	if err != nil {
		cancel()
		_ = t.eph.Remove(context.WithoutCancel(ctx), setlistID, rec.Key)
		t.fail(ctx, "presence: watch", err)
		return err
	}

	t.mu.Lock()
	t.joined = true
	t.connected = true
	t.err = nil
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(2)
	go t.consume(wctx, ch)
	go t.heartbeat(wctx)

	t.log.Info(ctx, "presence: joined", "setlist", setlistID, "key", rec.Key)
	return nil
}

func (t *Tracker) register(ctx context.Context, rec setlist.Presence) error {
	if err := t.eph.Put(ctx, t.setlistID, rec); err != nil {
		return err
	}
	return t.eph.OnDisconnectRemove(ctx, t.setlistID, rec.Key)
}

func (t *Tracker) fail(ctx context.Context, msg string, err error) {
	t.mu.Lock()
	t.connected = false
	t.err = err
	t.mu.Unlock()
	t.log.Warn(ctx, msg, "err", err)
}

func (t *Tracker) consume(ctx context.Context, ch <-chan store.PresenceSnapshot) {
	defer t.wg.Done()
	for snap := range ch {
		if snap.Err != nil {
			t.fail(ctx, "presence: watch ended", snap.Err)
			return
		}
		t.mu.Lock()
		t.records = snap.Records
		fn := t.onChange
		t.mu.Unlock()
		if fn != nil {
			fn(slices.Clone(snap.Records))
		}
	}
}

func (t *Tracker) heartbeat(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := t.opts.Now()
			err := t.patch(ctx, setlist.PresencePatch{LastSeen: &now})
			if errors.Is(err, store.ErrNotFound) {
				// Our record expired under us; put it back.
				err = t.rejoin(ctx, now)
			}
			if err != nil && ctx.Err() == nil {
				t.log.Warn(ctx, "presence: heartbeat", "err", err)
			}
		}
	}
}

func (t *Tracker) rejoin(ctx context.Context, now time.Time) error {
	t.mu.Lock()
	rec := setlist.Presence{
		Key:         t.key,
		UserID:      t.ident.UserID,
		DisplayName: t.ident.Name(),
		Avatar:      t.ident.Avatar,
		JoinedAt:    now,
		LastSeen:    now,
		IsActive:    true,
	}
	t.mu.Unlock()
	return t.register(ctx, rec)
}

func (t *Tracker) patch(ctx context.Context, p setlist.PresencePatch) error {
	t.mu.Lock()
	joined, sid, key := t.joined, t.setlistID, t.key
	t.mu.Unlock()
	if !joined {
		return nil
	}
	return t.eph.Patch(ctx, sid, key, p)
}

// UpdateCurrentlyEditing sets this session's editing tag: an item id or one
// of the reserved tags.
func (t *Tracker) UpdateCurrentlyEditing(ctx context.Context, tag string) error {
	return t.logged(ctx, "presence: update editing", t.patch(ctx, setlist.PresencePatch{CurrentlyEditing: &tag}))
}

func (t *Tracker) ClearCurrentlyEditing(ctx context.Context) error {
	return t.logged(ctx, "presence: clear editing", t.patch(ctx, setlist.PresencePatch{ClearEditing: true}))
}

// SetActive records window focus (true) or blur (false).
func (t *Tracker) SetActive(ctx context.Context, active bool) error {
	now := t.opts.Now()
	return t.logged(ctx, "presence: set active", t.patch(ctx, setlist.PresencePatch{IsActive: &active, LastSeen: &now}))
}

func (t *Tracker) logged(ctx context.Context, msg string, err error) error {
	if err != nil {
		t.log.Warn(ctx, msg, "err", err)
	}
	return err
}

// ActiveUsers returns the other active sessions. The caller's own session
// and any other session of the same user are left out.
func (t *Tracker) ActiveUsers() []setlist.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.opts.Now()
	out := make([]setlist.Presence, 0, len(t.records))
	for _, r := range t.records {
		if r.Key == t.key || r.UserID == t.ident.UserID || !r.IsActive {
			continue
		}
		if t.opts.StaleAfter > 0 && now.Sub(r.LastSeen) > t.opts.StaleAfter {
			continue
		}
		out = append(out, r)
	}
	return out
}

// UsersEditingField returns other active users whose editing tag is tag.
func (t *Tracker) UsersEditingField(tag string) []setlist.Presence {
	return slices.DeleteFunc(t.ActiveUsers(), func(r setlist.Presence) bool {
		return r.CurrentlyEditing == nil || *r.CurrentlyEditing != tag
	})
}

func (t *Tracker) UsersEditingItem(itemID string) []setlist.Presence {
	return t.UsersEditingField(itemID)
}

func (t *Tracker) UsersEditingDuration(itemID string) []setlist.Presence {
	return t.UsersEditingField(setlist.DurationTag(itemID))
}

func (t *Tracker) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tracker) Key() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key
}

// Leave removes this session's record and stops the background work. It is
// safe to call more than once and without a prior Join.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	if !t.joined {
		t.mu.Unlock()
		return nil
	}
	t.joined = false
	t.connected = false
	cancel, sid, key := t.cancel, t.setlistID, t.key
	t.records = nil
	t.mu.Unlock()

	cancel()
	t.wg.Wait()

	if err := t.eph.Remove(ctx, sid, key); err != nil {
		t.log.Warn(ctx, "presence: leave", "err", err)
		return err
	}
	t.log.Info(ctx, "presence: left", "setlist", sid, "key", key)
	return nil
}
