package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setlist-sync/internal/collab"
	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
	"setlist-sync/internal/store/memstore"
	"setlist-sync/internal/store/redisstore"
)

var testSecret = []byte("test-secret")

const testOrigin = "http://localhost:5173"

func token(t *testing.T, user, typ string) string {
	t.Helper()
	claims := TokenClaims{
		UserID:    user,
		Name:      strings.ToUpper(user[:1]) + user[1:],
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return raw
}

type fixture struct {
	srv  *memstore.Server
	conn *memstore.Conn
	hub  *Hub
	http *httptest.Server
	stop context.CancelFunc
}

func newFixture(t *testing.T, eph func(*memstore.Conn) store.Ephemeral) *fixture {
	t.Helper()
	srv := memstore.NewServer()
	srv.Seed(setlist.Setlist{
		ID:         "s1",
		OwnerID:    "alice",
		TargetTime: 300,
		SharedWith: []setlist.Share{{UserID: "dave", Permission: setlist.PermRead}},
	},
		setlist.Item{ID: "a", Title: "A", Position: 0, EstimatedDuration: 60},
		setlist.Item{ID: "b", Title: "B", Position: 1, EstimatedDuration: 60},
	)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)

	conn := srv.Connect()
	var e store.Ephemeral = conn
	if eph != nil {
		e = eph(conn)
	}
	opts := collab.DefaultOptions()
	opts.GuardCooldown = 20 * time.Millisecond
	opts.DebounceQuiet = 20 * time.Millisecond
	opts.OnlineCheckInterval = 0

	s := NewServer(hub, conn, e, Options{JWTSecret: testSecret, AllowedOrigin: testOrigin, Session: opts})
	hs := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		hs.Close()
		cancel()
	})
	return &fixture{srv: srv, conn: conn, hub: hub, http: hs, stop: cancel}
}

func (f *fixture) wsURL(setlistID, tok string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?setlist=" + setlistID + "&token=" + tok
}

func (f *fixture) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", testOrigin)
	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL("s1", token(t, user, "access")), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

type message struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref"`
	Data json.RawMessage `json:"data"`
}

// await reads until a message of type typ satisfies match.
func await(t *testing.T, ws *websocket.Conn, typ string, match func(message) bool) message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		var m message
		require.NoError(t, json.Unmarshal(data, &m))
		if m.Type == typ && (match == nil || match(m)) {
			return m
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, typ, ref string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(inbound{Type: typ, Ref: ref, Data: raw}))
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["clients"])
}

func TestWS_RejectsBadRequests(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		url    string
		origin string
		status int
	}{
		{"no token", strings.Replace(f.wsURL("s1", ""), "&token=", "", 1), testOrigin, http.StatusUnauthorized},
		{"refresh token", f.wsURL("s1", token(t, "alice", "refresh")), testOrigin, http.StatusUnauthorized},
		{"garbage token", f.wsURL("s1", "abc.def.ghi"), testOrigin, http.StatusUnauthorized},
		{"no setlist", f.wsURL("", token(t, "alice", "access")), testOrigin, http.StatusBadRequest},
		{"foreign origin", f.wsURL("s1", token(t, "alice", "access")), "http://evil.example", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set("Origin", tt.origin)
			_, resp, err := websocket.DefaultDialer.Dial(tt.url, h)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestWS_BearerHeader(t *testing.T) {
	f := newFixture(t, nil)
	h := http.Header{}
	h.Set("Origin", testOrigin)
	h.Set("Authorization", "Bearer "+token(t, "alice", "access"))

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.http.URL, "http")+"/ws?setlist=s1", h)
	require.NoError(t, err)
	defer ws.Close()

	await(t, ws, msgSetlistUpdated, nil)
}

func TestWS_SessionRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ws := f.dial(t, "alice")

	m := await(t, ws, msgItemsUpdated, nil)
	var items itemsPayload
	require.NoError(t, json.Unmarshal(m.Data, &items))
	assert.Len(t, items.Items, 2)
	assert.Equal(t, 120, items.Timing.Total)
	assert.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	send(t, ws, msgItemAdd, "r1", setlist.NewItem{Title: "C"})
	ack := await(t, ws, msgAck, func(m message) bool { return m.Ref == "r1" })
	var ref itemRef
	require.NoError(t, json.Unmarshal(ack.Data, &ref))
	assert.NotEmpty(t, ref.ID)

	await(t, ws, msgItemsUpdated, func(m message) bool {
		var p itemsPayload
		return json.Unmarshal(m.Data, &p) == nil && len(p.Items) == 3 && p.Items[2].ID == ref.ID
	})
	require.Len(t, f.srv.Items("s1"), 3)

	send(t, ws, msgItemsReorder, "r2", itemsReorder{IDs: []string{ref.ID, "a", "b"}})
	await(t, ws, msgAck, func(m message) bool { return m.Ref == "r2" })
	assert.Equal(t, ref.ID, f.srv.Items("s1")[0].ID)

	send(t, ws, msgTargetSet, "r3", targetSet{Seconds: 600})
	await(t, ws, msgAck, func(m message) bool { return m.Ref == "r3" })
	assert.Eventually(t, func() bool { return f.srv.Setlist("s1").TargetTime == 600 }, 2*time.Second, 5*time.Millisecond)

	send(t, ws, "bogus", "r4", nil)
	bad := await(t, ws, msgActionError, func(m message) bool { return m.Ref == "r4" })
	var e errorPayload
	require.NoError(t, json.Unmarshal(bad.Data, &e))
	assert.Equal(t, codeInvalid, e.Code)
}

func TestWS_ClearErrorIsPushed(t *testing.T) {
	f := newFixture(t, nil)
	ws := f.dial(t, "alice")
	await(t, ws, msgItemsUpdated, nil)

	f.conn.FailNext(memstore.OpUpdateItem, errors.New("unavailable"))
	title := "A2"
	send(t, ws, msgItemEdit, "r1", itemEdit{ID: "a", Patch: setlist.ItemPatch{Title: &title}})
	await(t, ws, msgSyncError, nil)
	await(t, ws, msgActionError, func(m message) bool { return m.Ref == "r1" })

	send(t, ws, msgErrorClear, "r2", nil)
	await(t, ws, msgSyncCleared, nil)
	await(t, ws, msgAck, func(m message) bool { return m.Ref == "r2" })
}

func TestWS_PermissionDenied(t *testing.T) {
	f := newFixture(t, nil)
	ws := f.dial(t, "dave")
	await(t, ws, msgItemsUpdated, nil)

	send(t, ws, msgItemRemove, "r1", itemRef{ID: "a"})
	m := await(t, ws, msgActionError, func(m message) bool { return m.Ref == "r1" })
	var e errorPayload
	require.NoError(t, json.Unmarshal(m.Data, &e))
	assert.Equal(t, setlist.CodePermissionDenied, e.Code)
	assert.Len(t, f.srv.Items("s1"), 2)
}

func TestWS_CommentsAndPresence(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	presence := redisstore.New(rdb, 90*time.Second, redisstore.WithSweepInterval(20*time.Millisecond))
	f := newFixture(t, func(*memstore.Conn) store.Ephemeral { return presence })

	alice := f.dial(t, "alice")
	bob := f.dial(t, "bob")
	await(t, alice, msgItemsUpdated, nil)
	await(t, bob, msgItemsUpdated, nil)

	send(t, bob, msgPresenceEditing, "p1", presenceEditing{Tag: "a"})
	await(t, bob, msgAck, func(m message) bool { return m.Ref == "p1" })
	await(t, alice, msgPresenceUpdated, func(m message) bool {
		var users []setlist.Presence
		if json.Unmarshal(m.Data, &users) != nil {
			return false
		}
		return len(users) == 1 && users[0].UserID == "bob" &&
			users[0].CurrentlyEditing != nil && *users[0].CurrentlyEditing == "a"
	})

	send(t, alice, msgCommentsSubscribe, "c0", commentsSubscribe{ItemID: "a"})
	await(t, alice, msgAck, func(m message) bool { return m.Ref == "c0" })
	send(t, alice, msgCommentAdd, "c1", commentAdd{ItemID: "a", Content: "tighten this @bob"})
	await(t, alice, msgAck, func(m message) bool { return m.Ref == "c1" })
	await(t, alice, msgCommentsUpdated, func(m message) bool {
		var p commentsPayload
		return json.Unmarshal(m.Data, &p) == nil && len(p.Comments) == 1 &&
			p.Comments[0].AuthorName == "Alice" && len(p.Comments[0].Mentions) == 1
	})

	require.NoError(t, bob.Close())
	await(t, alice, msgPresenceUpdated, func(m message) bool {
		var users []setlist.Presence
		return json.Unmarshal(m.Data, &users) == nil && len(users) == 0
	})
}

func TestHub_ShutdownNotifiesClients(t *testing.T) {
	f := newFixture(t, nil)
	ws := f.dial(t, "alice")
	await(t, ws, msgItemsUpdated, nil)

	f.stop()
	await(t, ws, msgServerClosing, nil)

	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, f.hub.Clients())
}
