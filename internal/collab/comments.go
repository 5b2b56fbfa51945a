package collab

import (
	"context"
	"fmt"

	"setlist-sync/internal/setlist"
)

// AddComment attaches a comment (or, with parentID, a reply) to an item.
// Comments are not optimistic; they show up through SubscribeComments.
func (s *Session) AddComment(ctx context.Context, itemID, content string, parentID *string) (string, error) {
	sl, err := s.gate("add comment", canComment)
	if err != nil {
		return "", err
	}
	content, err = setlist.CleanCommentContent(content)
	if err != nil {
		return "", err
	}
	id, err := s.resolveItem(itemID)
	if err != nil {
		return "", err
	}

	c := setlist.Comment{
		ItemID:       id,
		SetlistID:    sl.ID,
		AuthorID:     s.ident.UserID,
		AuthorName:   s.ident.Name(),
		AuthorAvatar: s.ident.Avatar,
		Content:      content,
		ParentID:     parentID,
		Mentions:     setlist.ExtractMentions(content),
	}
	s.begin()
	commentID, err := s.docs.AddComment(ctx, c)
	s.end()
	if err != nil {
		return "", s.failed(ctx, "add comment", "", err)
	}
	return commentID, nil
}

// EditComment replaces the content of one of the caller's own comments.
func (s *Session) EditComment(ctx context.Context, commentID, content string) error {
	sl, err := s.gate("edit comment", canComment)
	if err != nil {
		return err
	}
	content, err = setlist.CleanCommentContent(content)
	if err != nil {
		return err
	}
	c, err := s.docs.GetComment(ctx, sl.ID, commentID)
	if err != nil {
		return s.failed(ctx, "edit comment", "", err)
	}
	if c.AuthorID != s.ident.UserID {
		return fmt.Errorf("edit comment: %w", setlist.ErrPermissionDenied)
	}

	s.begin()
	err = s.docs.UpdateComment(ctx, sl.ID, commentID, content, setlist.ExtractMentions(content))
	s.end()
	if err != nil {
		return s.failed(ctx, "edit comment", "", err)
	}
	return nil
}

// DeleteComment removes a comment. Authors may delete their own comments,
// the owner any.
func (s *Session) DeleteComment(ctx context.Context, commentID string) error {
	sl, err := s.gate("delete comment", canComment)
	if err != nil {
		return err
	}
	c, err := s.docs.GetComment(ctx, sl.ID, commentID)
	if err != nil {
		return s.failed(ctx, "delete comment", "", err)
	}
	if c.AuthorID != s.ident.UserID && sl.OwnerID != s.ident.UserID {
		return fmt.Errorf("delete comment: %w", setlist.ErrPermissionDenied)
	}

	s.begin()
	err = s.docs.DeleteComment(ctx, sl.ID, c.ItemID, commentID)
	s.end()
	if err != nil {
		return s.failed(ctx, "delete comment", "", err)
	}
	return nil
}

// SubscribeComments watches the comments of one item. The subscription is
// also cancelled by Close.
func (s *Session) SubscribeComments(ctx context.Context, itemID string, onComments func([]setlist.Comment), onError func(*setlist.SyncError)) (unsubscribe func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if !s.opened {
		return nil, ErrNotOpen
	}
	unsub := s.sub.SubscribeComments(ctx, s.setlistID, itemID, onComments, onError)
	s.commentUnsubs = append(s.commentUnsubs, unsub)
	return unsub, nil
}
