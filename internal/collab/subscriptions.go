package collab

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"setlist-sync/internal/logging"
	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

// Subscriber turns store watches into callbacks. Each Subscribe call owns
// one watch and returns its cancel func.
type Subscriber struct {
	docs  store.Documents
	ident setlist.Identity
	log   logging.Logger
	now   func() time.Time
}

func NewSubscriber(docs store.Documents, ident setlist.Identity, log logging.Logger, now func() time.Time) *Subscriber {
	if log == nil {
		log = logging.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Subscriber{docs: docs, ident: ident, log: log.With("component", "subscriber"), now: now}
}

// SubscribeSetlist delivers every version of the setlist document. A
// missing demo- setlist is created once on behalf of a signed-in user;
// otherwise a missing document is delivered as nil.
func (s *Subscriber) SubscribeSetlist(ctx context.Context, id string, onSetlist func(*setlist.Setlist), onError func(*setlist.SyncError)) (unsubscribe func()) {
	var created bool
	return subscribe(ctx, "subscribe setlist", onError,
		func(ctx context.Context) (<-chan store.SetlistSnapshot, error) { return s.docs.WatchSetlist(ctx, id) },
		func(snap store.SetlistSnapshot) error { return snap.Err },
		func(ctx context.Context, snap store.SetlistSnapshot) (func(), error) {
			if snap.Setlist == nil && !created && setlist.IsDemoID(id) && s.ident.UserID != "" {
				created = true
				ok, err := s.docs.CreateSetlistIfAbsent(ctx, setlist.DemoSetlist(id, s.ident.UserID, s.now()))
				if err != nil {
					return nil, err
				}
				if ok {
					s.log.Info(ctx, "subscriber: created demo setlist", "setlist", id)
					// The watch delivers the new document next.
					return nil, nil
				}
			}
			sl := snap.Setlist.Clone()
			return func() { onSetlist(sl) }, nil
		})
}

// SubscribeItems delivers the item collection sorted by position on every
// commit.
func (s *Subscriber) SubscribeItems(ctx context.Context, setlistID string, onItems func([]setlist.Item), onError func(*setlist.SyncError)) (unsubscribe func()) {
	return subscribe(ctx, "subscribe items", onError,
		func(ctx context.Context) (<-chan store.ItemsSnapshot, error) { return s.docs.WatchItems(ctx, setlistID) },
		func(snap store.ItemsSnapshot) error { return snap.Err },
		func(_ context.Context, snap store.ItemsSnapshot) (func(), error) {
			items := cloneItems(snap.Items)
			setlist.SortByPosition(items)
			return func() { onItems(items) }, nil
		})
}

// SubscribeComments delivers the comments of one item, oldest first.
func (s *Subscriber) SubscribeComments(ctx context.Context, setlistID, itemID string, onComments func([]setlist.Comment), onError func(*setlist.SyncError)) (unsubscribe func()) {
	return subscribe(ctx, "subscribe comments", onError,
		func(ctx context.Context) (<-chan store.CommentsSnapshot, error) {
			return s.docs.WatchComments(ctx, setlistID, itemID)
		},
		func(snap store.CommentsSnapshot) error { return snap.Err },
		func(_ context.Context, snap store.CommentsSnapshot) (func(), error) {
			comments := slices.Clone(snap.Comments)
			slices.SortStableFunc(comments, func(a, b setlist.Comment) int { return a.CreatedAt.Compare(b.CreatedAt) })
			return func() { onComments(comments) }, nil
		})
}

// subscribe runs one watch on its own goroutine. prepare turns a snapshot
// into the callback invocation, or nil to skip it.
//
// Once the returned unsubscribe func returns, no callback starts. It waits
// for a delivery that has passed its closed check but not yet reached the
// callback. When a callback is already running it returns without waiting,
// so a callback may unsubscribe itself.
func subscribe[T any](
	ctx context.Context,
	op string,
	onError func(*setlist.SyncError),
	open func(context.Context) (<-chan T, error),
	errOf func(T) error,
	prepare func(context.Context, T) (func(), error),
) func() {
	ctx, cancel := context.WithCancel(ctx)
	var (
		mu      sync.Mutex
		closed  atomic.Bool
		running atomic.Bool
		once    sync.Once
	)

	invoke := func(fn func()) bool {
		mu.Lock()
		defer mu.Unlock()
		if closed.Load() {
			return false
		}
		running.Store(true)
		defer running.Store(false)
		fn()
		return true
	}
	report := func(err error) {
		if onError == nil || ctx.Err() != nil {
			return
		}
		se := wrapSyncError(op, err)
		invoke(func() { onError(se) })
	}

	go func() {
		ch, err := open(ctx)
		if err != nil {
			report(err)
			return
		}
		for v := range ch {
			if closed.Load() {
				return
			}
			if err := errOf(v); err != nil {
				report(err)
				return
			}
			call, err := prepare(ctx, v)
			if err != nil {
				report(err)
				continue
			}
			if call != nil && !invoke(call) {
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			closed.Store(true)
			cancel()
		})
		// A running callback holds mu, possibly on this goroutine.
		if !running.Load() {
			mu.Lock()
			mu.Unlock()
		}
	}
}

// wrapSyncError gives every store failure the single SyncError shape.
func wrapSyncError(op string, err error) *setlist.SyncError {
	var se *setlist.SyncError
	if errors.As(err, &se) {
		return se
	}
	code := setlist.CodeUnavailable
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = setlist.CodeNotFound
	case errors.Is(err, setlist.ErrPermissionDenied):
		code = setlist.CodePermissionDenied
	case errors.Is(err, context.DeadlineExceeded):
		code = setlist.CodeDeadline
	case errors.Is(err, context.Canceled):
		code = setlist.CodeCanceled
	case errors.Is(err, store.ErrConflict):
		code = setlist.CodeUnknown
	}
	return setlist.NewSyncError(op+" failed", code, err)
}
