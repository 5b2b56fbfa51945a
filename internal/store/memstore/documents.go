package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

func (c *Conn) GetSetlist(ctx context.Context, id string) (*setlist.Setlist, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.setlists[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return sl.Clone(), nil
}

func (c *Conn) CreateSetlist(ctx context.Context, sl setlist.Setlist) (string, error) {
	if err := c.begin(ctx, OpCreateSetlist); err != nil {
		return "", err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if sl.ID == "" {
		sl.ID = newID()
	}
	if _, ok := s.setlists[sl.ID]; ok {
		return "", fmt.Errorf("setlist %s: %w", sl.ID, store.ErrConflict)
	}
	now := s.now()
	sl.CreatedAt, sl.UpdatedAt = now, now
	s.setlists[sl.ID] = sl.Clone()
	s.publishLocked(topicSetlist(sl.ID))
	return sl.ID, nil
}

func (c *Conn) CreateSetlistIfAbsent(ctx context.Context, sl setlist.Setlist) (bool, error) {
	_, err := c.CreateSetlist(ctx, sl)
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	return err == nil, err
}

func (c *Conn) UpdateTargetTime(ctx context.Context, id string, seconds int) error {
	return c.updateSetlist(ctx, OpUpdateTarget, id, func(sl *setlist.Setlist) {
		sl.TargetTime = seconds
	})
}

func (c *Conn) SetShares(ctx context.Context, id string, shares []setlist.Share) error {
	return c.updateSetlist(ctx, OpSetShares, id, func(sl *setlist.Setlist) {
		sl.SharedWith = slices.Clone(shares)
	})
}

func (c *Conn) updateSetlist(ctx context.Context, op, id string, fn func(*setlist.Setlist)) error {
	if err := c.begin(ctx, op); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.setlists[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(sl)
	sl.UpdatedAt = s.now()
	s.publishLocked(topicSetlist(id))
	return nil
}

func (c *Conn) WatchSetlist(ctx context.Context, id string) (<-chan store.SetlistSnapshot, error) {
	s := c.srv
	return watch(ctx, c, topicSetlist(id),
		func() store.SetlistSnapshot {
			s.mu.Lock()
			defer s.mu.Unlock()
			return store.SetlistSnapshot{Setlist: s.setlists[id].Clone()}
		},
		func(err error) store.SetlistSnapshot { return store.SetlistSnapshot{Err: err} },
	)
}

func (c *Conn) CreateItem(ctx context.Context, setlistID string, it setlist.Item) (string, error) {
	if err := c.begin(ctx, OpCreateItem); err != nil {
		return "", err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.itemCol(setlistID)
	next := 0
	for _, other := range col {
		next = max(next, other.Position+1)
	}

	now := s.now()
	it = it.Clone()
	it.ID = newID()
	it.SetlistID = setlistID
	it.Position = next
	it.Pending = false
	it.CommentCount = 0
	if it.EstimatedDuration <= 0 {
		it.EstimatedDuration = setlist.StoredDuration
	}
	it.CreatedAt, it.UpdatedAt, it.LastEditedAt = now, now, now
	col[it.ID] = it
	s.publishLocked(topicItems(setlistID))
	return it.ID, nil
}

func (c *Conn) UpdateItem(ctx context.Context, setlistID, itemID string, patch setlist.ItemPatch, editorID string) error {
	if err := c.begin(ctx, OpUpdateItem); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[setlistID][itemID]
	if !ok {
		return store.ErrNotFound
	}
	it = patch.Apply(it)
	now := s.now()
	it.LastEditedBy = editorID
	it.LastEditedAt, it.UpdatedAt = now, now
	s.items[setlistID][itemID] = it
	s.publishLocked(topicItems(setlistID))
	return nil
}

func (c *Conn) DeleteItem(ctx context.Context, setlistID, itemID string) error {
	if err := c.begin(ctx, OpDeleteItem); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.items[setlistID]
	it, ok := col[itemID]
	if !ok {
		return store.ErrNotFound
	}
	delete(col, itemID)
	for id, other := range col {
		if other.Position > it.Position {
			other.Position--
			col[id] = other
		}
	}
	for id, cm := range s.comments[setlistID] {
		if cm.ItemID == itemID {
			delete(s.comments[setlistID], id)
		}
	}
	s.publishLocked(topicItems(setlistID), topicComments(setlistID, itemID))
	return nil
}

func (c *Conn) ReorderItems(ctx context.Context, setlistID string, updates []store.PositionUpdate) error {
	if err := c.begin(ctx, OpReorderItems); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	col := s.items[setlistID]
	for _, u := range updates {
		if _, ok := col[u.ItemID]; !ok {
			return fmt.Errorf("item %s: %w", u.ItemID, store.ErrNotFound)
		}
	}
	now := s.now()
	mentioned := make(map[string]bool, len(updates))
	for _, u := range updates {
		mentioned[u.ItemID] = true
	}
	// Items the batch does not name (added after the caller's view) go
	// after it in their current order.
	var rest []setlist.Item
	for _, it := range s.itemsLocked(setlistID) {
		if !mentioned[it.ID] {
			rest = append(rest, it)
		}
	}
	for _, u := range updates {
		it := col[u.ItemID]
		it.Position = u.Position
		it.UpdatedAt = now
		col[u.ItemID] = it
	}
	for k, r := range rest {
		it := col[r.ID]
		it.Position = len(updates) + k
		it.UpdatedAt = now
		col[r.ID] = it
	}
	s.publishLocked(topicItems(setlistID))
	return nil
}

func (c *Conn) WatchItems(ctx context.Context, setlistID string) (<-chan store.ItemsSnapshot, error) {
	s := c.srv
	return watch(ctx, c, topicItems(setlistID),
		func() store.ItemsSnapshot {
			s.mu.Lock()
			defer s.mu.Unlock()
			return store.ItemsSnapshot{Items: s.itemsLocked(setlistID)}
		},
		func(err error) store.ItemsSnapshot { return store.ItemsSnapshot{Err: err} },
	)
}
