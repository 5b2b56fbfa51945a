// Package store declares what the sync core needs from the remote document
// store and the ephemeral presence store. Implementations live in the
// memstore, pgstore and redisstore subpackages.
package store

import (
	"context"
	"errors"

	"setlist-sync/internal/setlist"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// SetlistSnapshot is one push of a watched setlist document. Setlist is nil
// when the document does not exist. A snapshot with Err set is the last one
// on its channel.
type SetlistSnapshot struct {
	Setlist *setlist.Setlist
	Err     error
}

// ItemsSnapshot is the full item collection of a setlist at one commit.
type ItemsSnapshot struct {
	Items []setlist.Item
	Err   error
}

type CommentsSnapshot struct {
	Comments []setlist.Comment
	Err      error
}

type PresenceSnapshot struct {
	Records []setlist.Presence
	Err     error
}

// PositionUpdate assigns one item a new position inside a batch.
type PositionUpdate struct {
	ItemID   string
	Position int
}

// Documents is the durable document store. Watch channels deliver the
// current state first and then one snapshot per commit; they are closed
// when ctx is cancelled or after an error snapshot.
type Documents interface {
	GetSetlist(ctx context.Context, id string) (*setlist.Setlist, error)
	CreateSetlist(ctx context.Context, s setlist.Setlist) (string, error)
	// CreateSetlistIfAbsent reports whether the document was created.
	CreateSetlistIfAbsent(ctx context.Context, s setlist.Setlist) (bool, error)
	UpdateTargetTime(ctx context.Context, id string, seconds int) error
	SetShares(ctx context.Context, id string, shares []setlist.Share) error
	WatchSetlist(ctx context.Context, id string) (<-chan SetlistSnapshot, error)

	// CreateItem appends at max(position)+1 and returns the new id.
	CreateItem(ctx context.Context, setlistID string, it setlist.Item) (string, error)
	UpdateItem(ctx context.Context, setlistID, itemID string, patch setlist.ItemPatch, editorID string) error
	// DeleteItem removes the item and compacts the positions after it.
	DeleteItem(ctx context.Context, setlistID, itemID string) error
	// ReorderItems commits all position updates atomically.
	ReorderItems(ctx context.Context, setlistID string, updates []PositionUpdate) error
	WatchItems(ctx context.Context, setlistID string) (<-chan ItemsSnapshot, error)

	AddComment(ctx context.Context, c setlist.Comment) (string, error)
	UpdateComment(ctx context.Context, setlistID, commentID, content string, mentions []string) error
	DeleteComment(ctx context.Context, setlistID, itemID, commentID string) error
	GetComment(ctx context.Context, setlistID, commentID string) (*setlist.Comment, error)
	WatchComments(ctx context.Context, setlistID, itemID string) (<-chan CommentsSnapshot, error)

	// Ping is a cheap liveness check.
	Ping(ctx context.Context) error
}

// Ephemeral holds presence records that disappear when their session goes
// away.
type Ephemeral interface {
	Put(ctx context.Context, setlistID string, rec setlist.Presence) error
	Patch(ctx context.Context, setlistID, key string, patch setlist.PresencePatch) error
	Remove(ctx context.Context, setlistID, key string) error
	// OnDisconnectRemove arranges for the record to be removed when the
	// connection that wrote it is lost without an explicit Remove.
	OnDisconnectRemove(ctx context.Context, setlistID, key string) error
	Watch(ctx context.Context, setlistID string) (<-chan PresenceSnapshot, error)
}

// SendLatest hands v to a single-slot channel, replacing an unread value.
// Watch producers use it so a slow consumer only ever sees the newest
// snapshot. ch must be buffered and have a single producer.
func SendLatest[T any](ctx context.Context, ch chan T, v T) bool {
	for {
		select {
		case ch <- v:
			return true
		case <-ctx.Done():
			return false
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
