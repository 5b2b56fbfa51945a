package memstore

import (
	"context"
	"slices"

	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

func (c *Conn) AddComment(ctx context.Context, cm setlist.Comment) (string, error) {
	if err := c.begin(ctx, OpAddComment); err != nil {
		return "", err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[cm.SetlistID][cm.ItemID]
	if !ok {
		return "", store.ErrNotFound
	}

	now := s.now()
	cm.ID = newID()
	cm.Mentions = slices.Clone(cm.Mentions)
	cm.IsEdited = false
	cm.CreatedAt, cm.UpdatedAt = now, now
	if s.comments[cm.SetlistID] == nil {
		s.comments[cm.SetlistID] = make(map[string]setlist.Comment)
	}
	s.comments[cm.SetlistID][cm.ID] = cm

	it.CommentCount++
	s.items[cm.SetlistID][cm.ItemID] = it
	s.publishLocked(topicComments(cm.SetlistID, cm.ItemID), topicItems(cm.SetlistID))
	return cm.ID, nil
}

func (c *Conn) GetComment(ctx context.Context, setlistID, commentID string) (*setlist.Comment, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	cm, ok := s.comments[setlistID][commentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cm.Mentions = slices.Clone(cm.Mentions)
	return &cm, nil
}

func (c *Conn) UpdateComment(ctx context.Context, setlistID, commentID, content string, mentions []string) error {
	if err := c.begin(ctx, OpUpdateComment); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	cm, ok := s.comments[setlistID][commentID]
	if !ok {
		return store.ErrNotFound
	}
	cm.Content = content
	cm.Mentions = slices.Clone(mentions)
	cm.IsEdited = true
	cm.UpdatedAt = s.now()
	s.comments[setlistID][commentID] = cm
	s.publishLocked(topicComments(setlistID, cm.ItemID))
	return nil
}

func (c *Conn) DeleteComment(ctx context.Context, setlistID, itemID, commentID string) error {
	if err := c.begin(ctx, OpDeleteComment); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.comments[setlistID][commentID]; !ok {
		return store.ErrNotFound
	}
	delete(s.comments[setlistID], commentID)
	if it, ok := s.items[setlistID][itemID]; ok {
		it.CommentCount = max(0, it.CommentCount-1)
		s.items[setlistID][itemID] = it
	}
	s.publishLocked(topicComments(setlistID, itemID), topicItems(setlistID))
	return nil
}

func (c *Conn) WatchComments(ctx context.Context, setlistID, itemID string) (<-chan store.CommentsSnapshot, error) {
	s := c.srv
	return watch(ctx, c, topicComments(setlistID, itemID),
		func() store.CommentsSnapshot {
			s.mu.Lock()
			defer s.mu.Unlock()
			return store.CommentsSnapshot{Comments: s.commentsLocked(setlistID, itemID)}
		},
		func(err error) store.CommentsSnapshot { return store.CommentsSnapshot{Err: err} },
	)
}
