package collab

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

// gate checks the session and the acting user's capability before any
// local or remote change. It returns the open setlist.
func (s *Session) gate(op string, allowed func(setlist.Capabilities) bool) (*setlist.Setlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.ident.UserID == "" {
		return nil, fmt.Errorf("%s: %w", op, setlist.ErrAuthRequired)
	}
	if !s.opened {
		return nil, ErrNotOpen
	}
	if !allowed(setlist.CapabilitiesFor(s.sl, s.ident.UserID)) {
		return nil, fmt.Errorf("%s: %w", op, setlist.ErrPermissionDenied)
	}
	return s.sl.Clone(), nil
}

func canEdit(c setlist.Capabilities) bool    { return c.CanEdit }
func canComment(c setlist.Capabilities) bool { return c.CanComment }
func isOwner(c setlist.Capabilities) bool    { return c.IsOwner }

// begin and end bracket a remote write for the Syncing flag.
func (s *Session) begin() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

func (s *Session) end() {
	s.mu.Lock()
	s.inflight--
	s.mu.Unlock()
}

// failed reverts op (if any), records the error and returns it.
func (s *Session) failed(ctx context.Context, op, opID string, err error) error {
	if opID != "" {
		s.dispatch(Fail{OpID: opID})
	}
	se := wrapSyncError(op, err)
	s.log.Error(ctx, "collab: "+op, "code", se.Code, "err", err)
	s.setError(se)
	return se
}

// settled marks op as written and drops it after the guard cool-down.
func (s *Session) settled(opID, serverID string) {
	s.dispatch(Settle{OpID: opID, ServerID: serverID})
	s.afterGuard(func() { s.dispatch(Expire{OpID: opID}) })
}

func (s *Session) editing(ctx context.Context, tag string) {
	if s.tracker != nil {
		_ = s.tracker.UpdateCurrentlyEditing(ctx, tag)
	}
}

func (s *Session) doneEditing(ctx context.Context) {
	if s.tracker != nil {
		_ = s.tracker.ClearCurrentlyEditing(ctx)
	}
}

// AddItem shows the new item at the end of the list at once and returns
// the id the store assigned. On failure the local item is removed again.
func (s *Session) AddItem(ctx context.Context, in setlist.NewItem) (string, error) {
	sl, err := s.gate("add item", canEdit)
	if err != nil {
		return "", err
	}

	now := s.opts.Now()
	stored := in.Build(sl.ID, s.ident.UserID, now)
	local := stored.Clone()
	if in.EstimatedDuration <= 0 {
		local.EstimatedDuration = setlist.OptimisticDuration
	}

	op := Op{
		ID:     uuid.NewString(),
		Kind:   OpInsert,
		ItemID: PendingPrefix + uuid.NewString(),
		Item:   local,
	}
	s.dispatch(Apply{Op: op})
	s.editing(ctx, setlist.TagAddingItem)
	s.begin()

	id, err := s.docs.CreateItem(ctx, sl.ID, stored)
	s.end()
	s.doneEditing(ctx)
	if err != nil {
		return "", s.failed(ctx, "add item", op.ID, err)
	}
	s.settled(op.ID, id)
	s.log.Debug(ctx, "collab: item added", "item", id)
	return id, nil
}

// EditItem applies patch locally and writes it. While the write is in
// flight other sessions see this user editing the item.
func (s *Session) EditItem(ctx context.Context, itemID string, patch setlist.ItemPatch) error {
	return s.editItem(ctx, "edit item", itemID, patch, "")
}

// UpdateItemDuration is EditItem for the duration field with its own
// presence tag.
func (s *Session) UpdateItemDuration(ctx context.Context, itemID string, seconds int) error {
	return s.editItem(ctx, "update duration", itemID, setlist.ItemPatch{EstimatedDuration: &seconds}, setlist.DurationTag(itemID))
}

func (s *Session) editItem(ctx context.Context, name, itemID string, patch setlist.ItemPatch, tag string) error {
	sl, err := s.gate(name, canEdit)
	if err != nil {
		return err
	}
	if err := patch.Validate(); err != nil {
		return err
	}
	id, err := s.resolveItem(itemID)
	if err != nil {
		return err
	}
	if tag == "" {
		tag = id
	}

	op := Op{ID: uuid.NewString(), Kind: OpPatch, ItemID: id, Patch: patch}
	s.dispatch(Apply{Op: op})
	s.editing(ctx, tag)
	s.begin()

	err = s.docs.UpdateItem(ctx, sl.ID, id, patch, s.ident.UserID)
	s.end()
	if err != nil {
		s.doneEditing(ctx)
		return s.failed(ctx, name, op.ID, err)
	}
	s.settled(op.ID, "")
	s.afterGuard(func() { s.doneEditing(context.WithoutCancel(ctx)) })
	return nil
}

// RemoveItem hides the item at once. If the delete fails the item comes
// back at its old position.
func (s *Session) RemoveItem(ctx context.Context, itemID string) error {
	sl, err := s.gate("remove item", canEdit)
	if err != nil {
		return err
	}
	id, err := s.resolveItem(itemID)
	if err != nil {
		return err
	}

	op := Op{ID: uuid.NewString(), Kind: OpRemove, ItemID: id}
	s.dispatch(Apply{Op: op})
	s.begin()

	err = s.docs.DeleteItem(ctx, sl.ID, id)
	s.end()
	if err != nil {
		return s.failed(ctx, "remove item", op.ID, err)
	}
	s.settled(op.ID, "")
	return nil
}

// resolveItem resolves itemID against the displayed items. Items whose create
// has not been written yet cannot be targeted.
func (s *Session) resolveItem(itemID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.items.resolveID(itemID)
	if !ok {
		return "", &setlist.ValidationError{Msg: "item " + itemID + " is still being saved"}
	}
	if indexOf(s.items.View, id) < 0 {
		return "", &setlist.ValidationError{Msg: "unknown item " + itemID}
	}
	return id, nil
}

// ReorderItems moves the items into ids order and writes every position
// in one batch. Unknown ids are ignored; the rest must be a permutation of
// the stored items.
func (s *Session) ReorderItems(ctx context.Context, ids []string) error {
	sl, err := s.gate("reorder items", canEdit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	stored := slices.DeleteFunc(cloneItems(s.items.View), func(it setlist.Item) bool { return IsPendingID(it.ID) })
	s.mu.Unlock()

	order, err := setlist.ResolveOrder(stored, ids)
	if err != nil {
		return err
	}
	updates := make([]store.PositionUpdate, len(order))
	for i, id := range order {
		updates[i] = store.PositionUpdate{ItemID: id, Position: i}
	}

	op := Op{ID: uuid.NewString(), Kind: OpMove, Order: order}
	s.dispatch(Apply{Op: op})
	s.begin()

	err = s.docs.ReorderItems(ctx, sl.ID, updates)
	s.end()
	if err != nil {
		return s.failed(ctx, "reorder items", op.ID, err)
	}
	s.settled(op.ID, "")
	return nil
}

// MoveItem is the drag-and-drop form of ReorderItems.
func (s *Session) MoveItem(ctx context.Context, from, to int) error {
	s.mu.Lock()
	stored := slices.DeleteFunc(cloneItems(s.items.View), func(it setlist.Item) bool { return IsPendingID(it.ID) })
	s.mu.Unlock()

	if from < 0 || from >= len(stored) {
		return &setlist.ValidationError{Msg: fmt.Sprintf("no item at position %d", from)}
	}
	return s.ReorderItems(ctx, setlist.ArrayMove(setlist.IDs(stored), from, to))
}

// SetSharedTarget shows seconds at once and writes it after the debounce
// quiet period. Negative values are clamped to zero.
func (s *Session) SetSharedTarget(ctx context.Context, seconds int) error {
	if _, err := s.gate("set target time", canEdit); err != nil {
		return err
	}
	seconds = max(seconds, 0)

	s.mu.Lock()
	target := s.target
	s.mu.Unlock()

	s.editing(ctx, setlist.TagTargetTime)
	target.SetValue(seconds)
	return nil
}

func (s *Session) writeTarget(ctx context.Context, seconds int) error {
	s.begin()
	defer s.end()
	defer s.doneEditing(ctx)
	return s.docs.UpdateTargetTime(ctx, s.setlistID, seconds)
}

func (s *Session) targetFailed(err error) {
	_ = s.failed(s.ctx, "set target time", "", err)
}

// ShareWith grants or changes userID's permission. Owner only; not
// optimistic.
func (s *Session) ShareWith(ctx context.Context, userID string, perm setlist.Permission) error {
	sl, err := s.gate("share setlist", isOwner)
	if err != nil {
		return err
	}
	shares, err := sl.WithShare(userID, perm, s.opts.Now())
	if err != nil {
		return err
	}
	return s.writeShares(ctx, "share setlist", sl.ID, shares)
}

// Unshare revokes userID's access. Owner only.
func (s *Session) Unshare(ctx context.Context, userID string) error {
	sl, err := s.gate("unshare setlist", isOwner)
	if err != nil {
		return err
	}
	return s.writeShares(ctx, "unshare setlist", sl.ID, sl.WithoutShare(userID))
}

func (s *Session) writeShares(ctx context.Context, op, setlistID string, shares []setlist.Share) error {
	s.begin()
	err := s.docs.SetShares(ctx, setlistID, shares)
	s.end()
	if err != nil {
		return s.failed(ctx, op, "", err)
	}
	return nil
}

// ActiveUsers lists the other sessions currently on this setlist.
func (s *Session) ActiveUsers() []setlist.Presence {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.ActiveUsers()
}

func (s *Session) UsersEditingItem(itemID string) []setlist.Presence {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.UsersEditingItem(itemID)
}

func (s *Session) UsersEditingField(tag string) []setlist.Presence {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.UsersEditingField(tag)
}

// UpdateCurrentlyEditing sets this session's editing tag; an empty tag
// clears it.
func (s *Session) UpdateCurrentlyEditing(ctx context.Context, tag string) error {
	if s.tracker == nil {
		return nil
	}
	if tag == "" {
		return s.tracker.ClearCurrentlyEditing(ctx)
	}
	return s.tracker.UpdateCurrentlyEditing(ctx, tag)
}

// SetActive records window focus or blur.
func (s *Session) SetActive(ctx context.Context, active bool) error {
	if s.tracker == nil {
		return nil
	}
	return s.tracker.SetActive(ctx, active)
}
