package memstore

import (
	"context"

	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

func (c *Conn) Put(ctx context.Context, setlistID string, rec setlist.Presence) error {
	if err := c.begin(ctx, OpPutPresence); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.presence[setlistID] == nil {
		s.presence[setlistID] = make(map[string]setlist.Presence)
	}
	s.presence[setlistID][rec.Key] = rec
	s.publishLocked(topicPresence(setlistID))
	return nil
}

func (c *Conn) Patch(ctx context.Context, setlistID, key string, patch setlist.PresencePatch) error {
	if err := c.begin(ctx, OpPatchPresence); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.presence[setlistID][key]
	if !ok {
		return store.ErrNotFound
	}
	s.presence[setlistID][key] = patch.Apply(rec)
	s.publishLocked(topicPresence(setlistID))
	return nil
}

// Remove works on a dropped connection too, so teardown never fails.
func (c *Conn) Remove(ctx context.Context, setlistID, key string) error {
	c.mu.Lock()
	delete(c.onDisconnect, presenceKey{setlistID, key})
	c.mu.Unlock()

	c.srv.removePresence(setlistID, key)
	return nil
}

func (c *Conn) OnDisconnectRemove(ctx context.Context, setlistID, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return ErrDisconnected
	}
	c.onDisconnect[presenceKey{setlistID, key}] = struct{}{}
	return nil
}

func (c *Conn) Watch(ctx context.Context, setlistID string) (<-chan store.PresenceSnapshot, error) {
	s := c.srv
	return watch(ctx, c, topicPresence(setlistID),
		func() store.PresenceSnapshot {
			s.mu.Lock()
			defer s.mu.Unlock()
			return store.PresenceSnapshot{Records: s.presenceLocked(setlistID)}
		},
		func(err error) store.PresenceSnapshot { return store.PresenceSnapshot{Err: err} },
	)
}
