package realtime

import (
	"encoding/json"
	"errors"

	"setlist-sync/internal/collab"
	"setlist-sync/internal/setlist"
)

// Server to client.
const (
	msgSetlistUpdated  = "setlist.updated"
	msgItemsUpdated    = "items.updated"
	msgTargetUpdated   = "target.updated"
	msgPresenceUpdated = "presence.updated"
	msgCommentsUpdated = "comments.updated"
	msgSyncError       = "sync.error"
	msgSyncCleared     = "sync.cleared"
	msgAck             = "ack"
	msgActionError     = "action.error"
	msgServerClosing   = "server.closing"
)

// Client to server.
const (
	msgItemAdd           = "item.add"
	msgItemEdit          = "item.edit"
	msgItemDuration      = "item.duration"
	msgItemRemove        = "item.remove"
	msgItemMove          = "item.move"
	msgItemsReorder      = "items.reorder"
	msgTargetSet         = "target.set"
	msgShareAdd          = "share.add"
	msgShareRemove       = "share.remove"
	msgPresenceEditing   = "presence.editing"
	msgPresenceActive    = "presence.active"
	msgErrorClear        = "error.clear"
	msgRetry             = "retry"
	msgCommentAdd        = "comment.add"
	msgCommentEdit       = "comment.edit"
	msgCommentDelete     = "comment.delete"
	msgCommentsSubscribe = "comments.subscribe"
)

// inbound is one client request. Ref is echoed on the reply.
type inbound struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Data any    `json:"data,omitempty"`
}

type itemsPayload struct {
	Items  []setlist.Item      `json:"items"`
	Timing setlist.TimingStats `json:"timing"`
}

type commentsPayload struct {
	ItemID   string                 `json:"itemId"`
	Comments []*setlist.CommentNode `json:"comments"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type itemRef struct {
	ID string `json:"id"`
}

type itemEdit struct {
	ID    string            `json:"id"`
	Patch setlist.ItemPatch `json:"patch"`
}

type itemDuration struct {
	ID      string `json:"id"`
	Seconds int    `json:"seconds"`
}

type itemMove struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type itemsReorder struct {
	IDs []string `json:"ids"`
}

type targetSet struct {
	Seconds int `json:"seconds"`
}

type shareChange struct {
	UserID     string             `json:"userId"`
	Permission setlist.Permission `json:"permission"`
}

type presenceEditing struct {
	Tag string `json:"tag"`
}

type presenceActive struct {
	Active bool `json:"active"`
}

type commentAdd struct {
	ItemID   string  `json:"itemId"`
	Content  string  `json:"content"`
	ParentID *string `json:"parentId,omitempty"`
}

type commentEdit struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type commentsSubscribe struct {
	ItemID string `json:"itemId"`
}

// Codes sent with action.error besides the sync error codes.
const (
	codeAuthRequired = "auth-required"
	codeInvalid      = "invalid-argument"
	codeClosed       = "session-closed"
	codeInternal     = "internal"
)

func errorCode(err error) string {
	var se *setlist.SyncError
	switch {
	case errors.Is(err, setlist.ErrAuthRequired):
		return codeAuthRequired
	case errors.Is(err, setlist.ErrPermissionDenied):
		return setlist.CodePermissionDenied
	case setlist.IsValidation(err):
		return codeInvalid
	case errors.Is(err, collab.ErrSessionClosed), errors.Is(err, collab.ErrNotOpen):
		return codeClosed
	case errors.As(err, &se):
		return se.Code
	}
	return codeInternal
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(outbound{Type: msgActionError, Data: errorPayload{Code: codeInternal, Message: err.Error()}})
	}
	return b
}
