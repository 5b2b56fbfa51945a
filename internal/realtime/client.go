package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"setlist-sync/internal/collab"
	"setlist-sync/internal/logging"
	"setlist-sync/internal/setlist"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// Client is one websocket connection bound to one collab session.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session *collab.Session
	log     logging.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, session *collab.Session, log logging.Logger) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		session: session,
		log:     log,
		send:    make(chan []byte, sendBuffer),
	}
}

// trySend queues msg without blocking. It reports false when the client
// is gone or its buffer is full.
func (c *Client) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) push(typ string, data any) {
	if !c.trySend(mustMarshal(outbound{Type: typ, Data: data})) {
		c.log.Warn(context.Background(), "realtime: dropped message", "type", typ)
	}
}

// listener forwards session pushes to the socket.
func (c *Client) listener() *collab.Listener {
	return &collab.Listener{
		OnSetlist: func(sl *setlist.Setlist) {
			c.push(msgSetlistUpdated, sl)
		},
		OnItems: func(items []setlist.Item) {
			c.push(msgItemsUpdated, itemsPayload{Items: items, Timing: setlist.Timing(items, c.session.State().TargetTime)})
		},
		OnTarget: func(v int) {
			c.push(msgTargetUpdated, targetSet{Seconds: v})
		},
		OnError: func(se *setlist.SyncError) {
			if se == nil {
				c.push(msgSyncCleared, nil)
				return
			}
			c.push(msgSyncError, errorPayload{Code: se.Code, Message: se.Message})
		},
		OnPresence: func(users []setlist.Presence) {
			c.push(msgPresenceUpdated, users)
		},
	}
}

// readPump reads requests until the connection fails, then tears the
// session down.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		if err := c.session.Close(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn(ctx, "realtime: close session", "err", err)
		}
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn(ctx, "realtime: read", "err", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(msg.Ref, nil, &setlist.ValidationError{Msg: "malformed message"})
			continue
		}
		result, err := c.handle(ctx, msg)
		c.reply(msg.Ref, result, err)
	}
}

func (c *Client) reply(ref string, result any, err error) {
	if err != nil {
		c.log.Debug(context.Background(), "realtime: action failed", "ref", ref, "err", err)
		c.trySend(mustMarshal(outbound{Type: msgActionError, Ref: ref, Data: errorPayload{Code: errorCode(err), Message: err.Error()}}))
		return
	}
	c.trySend(mustMarshal(outbound{Type: msgAck, Ref: ref, Data: result}))
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &setlist.ValidationError{Msg: "malformed data: " + err.Error()}
	}
	return v, nil
}

// handle maps one request onto the session's action surface.
func (c *Client) handle(ctx context.Context, msg inbound) (any, error) {
	s := c.session
	switch msg.Type {
	case msgItemAdd:
		in, err := decode[setlist.NewItem](msg.Data)
		if err != nil {
			return nil, err
		}
		id, err := s.AddItem(ctx, in)
		return itemRef{ID: id}, err

	case msgItemEdit:
		in, err := decode[itemEdit](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.EditItem(ctx, in.ID, in.Patch)

	case msgItemDuration:
		in, err := decode[itemDuration](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.UpdateItemDuration(ctx, in.ID, in.Seconds)

	case msgItemRemove:
		in, err := decode[itemRef](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.RemoveItem(ctx, in.ID)

	case msgItemMove:
		in, err := decode[itemMove](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.MoveItem(ctx, in.From, in.To)

	case msgItemsReorder:
		in, err := decode[itemsReorder](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.ReorderItems(ctx, in.IDs)

	case msgTargetSet:
		in, err := decode[targetSet](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.SetSharedTarget(ctx, in.Seconds)

	case msgShareAdd:
		in, err := decode[shareChange](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.ShareWith(ctx, in.UserID, in.Permission)

	case msgShareRemove:
		in, err := decode[shareChange](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.Unshare(ctx, in.UserID)

	case msgPresenceEditing:
		in, err := decode[presenceEditing](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.UpdateCurrentlyEditing(ctx, in.Tag)

	case msgPresenceActive:
		in, err := decode[presenceActive](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.SetActive(ctx, in.Active)

	case msgErrorClear:
		s.ClearError()
		return nil, nil

	case msgRetry:
		return nil, s.Retry(ctx)

	case msgCommentAdd:
		in, err := decode[commentAdd](msg.Data)
		if err != nil {
			return nil, err
		}
		id, err := s.AddComment(ctx, in.ItemID, in.Content, in.ParentID)
		return itemRef{ID: id}, err

	case msgCommentEdit:
		in, err := decode[commentEdit](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.EditComment(ctx, in.ID, in.Content)

	case msgCommentDelete:
		in, err := decode[itemRef](msg.Data)
		if err != nil {
			return nil, err
		}
		return nil, s.DeleteComment(ctx, in.ID)

	case msgCommentsSubscribe:
		in, err := decode[commentsSubscribe](msg.Data)
		if err != nil {
			return nil, err
		}
		if in.ItemID == "" {
			return nil, &setlist.ValidationError{Msg: "itemId is required"}
		}
		_, err = s.SubscribeComments(ctx, in.ItemID,
			func(cs []setlist.Comment) {
				c.push(msgCommentsUpdated, commentsPayload{ItemID: in.ItemID, Comments: setlist.Thread(cs)})
			},
			func(se *setlist.SyncError) {
				c.push(msgSyncError, errorPayload{Code: se.Code, Message: se.Message})
			})
		return nil, err
	}
	return nil, &setlist.ValidationError{Msg: fmt.Sprintf("unknown message type %q", msg.Type)}
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.log.Debug(context.Background(), "realtime: write", "err", err)
				}
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
