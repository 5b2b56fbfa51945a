package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setlist-sync/internal/setlist"
	"setlist-sync/internal/store"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	var zero T
	return zero
}

func seeded(t *testing.T) (*Server, *Conn) {
	t.Helper()
	srv := NewServer()
	srv.Seed(setlist.Setlist{ID: "s1", OwnerID: "owner", TargetTime: 300})
	return srv, srv.Connect()
}

func TestCreateItem_AppendsDense(t *testing.T) {
	srv, c := seeded(t)
	ctx := context.Background()

	for _, title := range []string{"A", "B", "C"} {
		_, err := c.CreateItem(ctx, "s1", setlist.Item{Title: title})
		require.NoError(t, err)
	}

	items := srv.Items("s1")
	require.Len(t, items, 3)
	assert.True(t, setlist.IsDense(items))
	assert.Equal(t, "A", items[0].Title)
	assert.Equal(t, setlist.StoredDuration, items[2].EstimatedDuration)
}

func TestDeleteItem_Compacts(t *testing.T) {
	srv, c := seeded(t)
	ctx := context.Background()

	var ids []string
	for _, title := range []string{"A", "B", "C", "D"} {
		id, err := c.CreateItem(ctx, "s1", setlist.Item{Title: title})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.NoError(t, c.DeleteItem(ctx, "s1", ids[1]))
	items := srv.Items("s1")
	assert.Equal(t, []string{ids[0], ids[2], ids[3]}, setlist.IDs(items))
	assert.True(t, setlist.IsDense(items))

	assert.ErrorIs(t, c.DeleteItem(ctx, "s1", ids[1]), store.ErrNotFound)
}

func TestReorderItems_AllOrNothing(t *testing.T) {
	srv := NewServer()
	srv.Seed(setlist.Setlist{ID: "s1"},
		setlist.Item{ID: "A", Position: 0},
		setlist.Item{ID: "B", Position: 1},
		setlist.Item{ID: "C", Position: 2},
	)
	c := srv.Connect()
	ctx := context.Background()

	err := c.ReorderItems(ctx, "s1", []store.PositionUpdate{{ItemID: "C", Position: 0}, {ItemID: "A", Position: 1}, {ItemID: "ghost", Position: 2}})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, []string{"A", "B", "C"}, setlist.IDs(srv.Items("s1")))

	require.NoError(t, c.ReorderItems(ctx, "s1", []store.PositionUpdate{{ItemID: "C", Position: 0}, {ItemID: "A", Position: 1}, {ItemID: "B", Position: 2}}))
	assert.Equal(t, []string{"C", "A", "B"}, setlist.IDs(srv.Items("s1")))
}

func TestReorderItems_StaleBatchStaysDense(t *testing.T) {
	srv := NewServer()
	srv.Seed(setlist.Setlist{ID: "s1"},
		setlist.Item{ID: "A", Position: 0},
		setlist.Item{ID: "B", Position: 1},
		setlist.Item{ID: "C", Position: 2},
	)
	bob, alice := srv.Connect(), srv.Connect()
	ctx := context.Background()

	d, err := bob.CreateItem(ctx, "s1", setlist.Item{Title: "D"})
	require.NoError(t, err)
	require.NoError(t, bob.ReorderItems(ctx, "s1", []store.PositionUpdate{{ItemID: d, Position: 0}, {ItemID: "A", Position: 1}, {ItemID: "B", Position: 2}, {ItemID: "C", Position: 3}}))

	// alice never saw D
	require.NoError(t, alice.ReorderItems(ctx, "s1", []store.PositionUpdate{{ItemID: "C", Position: 0}, {ItemID: "A", Position: 1}, {ItemID: "B", Position: 2}}))

	items := srv.Items("s1")
	assert.True(t, setlist.IsDense(items))
	assert.Equal(t, []string{"C", "A", "B", d}, setlist.IDs(items))
}

func TestBlockDeliver_HoldsWatchUpdates(t *testing.T) {
	srv, c := seeded(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.WatchItems(ctx, "s1")
	require.NoError(t, err)
	first := <-ch
	assert.Empty(t, first.Items)

	release := c.Block(OpDeliver)
	_, err = srv.Connect().CreateItem(ctx, "s1", setlist.Item{Title: "A"})
	require.NoError(t, err)

	select {
	case <-ch:
		t.Fatal("delivery should be held")
	case <-time.After(50 * time.Millisecond):
	}
	release()

	select {
	case snap := <-ch:
		require.Len(t, snap.Items, 1)
		assert.Equal(t, "A", snap.Items[0].Title)
	case <-time.After(time.Second):
		t.Fatal("no delivery after release")
	}
}

func TestCreateSetlistIfAbsent(t *testing.T) {
	srv := NewServer()
	c := srv.Connect()
	ctx := context.Background()

	created, err := c.CreateSetlistIfAbsent(ctx, setlist.DemoSetlist("demo-1", "u1", time.Now()))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.CreateSetlistIfAbsent(ctx, setlist.DemoSetlist("demo-1", "u2", time.Now()))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "u1", srv.Setlist("demo-1").OwnerID)
}

func TestWatchItems_InitialAndUpdates(t *testing.T) {
	_, c := seeded(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := c.WatchItems(ctx, "s1")
	require.NoError(t, err)

	first := recv(t, ch)
	assert.Empty(t, first.Items)

	_, err = c.CreateItem(ctx, "s1", setlist.Item{Title: "A"})
	require.NoError(t, err)

	second := recv(t, ch)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "A", second.Items[0].Title)

	cancel()
	for range ch {
	}
}

func TestWatchSetlist_Missing(t *testing.T) {
	srv := NewServer()
	c := srv.Connect()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := c.WatchSetlist(ctx, "nope")
	require.NoError(t, err)
	snap := recv(t, ch)
	assert.Nil(t, snap.Setlist)
	assert.NoError(t, snap.Err)
}

func TestDrop_RemovesPresenceAndEndsWatches(t *testing.T) {
	srv := NewServer()
	a := srv.Connect()
	b := srv.Connect()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Put(ctx, "s1", setlist.Presence{Key: "ka", UserID: "ua", IsActive: true}))
	require.NoError(t, a.OnDisconnectRemove(ctx, "s1", "ka"))
	require.NoError(t, b.Put(ctx, "s1", setlist.Presence{Key: "kb", UserID: "ub", IsActive: true}))

	watchB, err := b.Watch(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, recv(t, watchB).Records, 2)

	watchA, err := a.WatchItems(ctx, "s1")
	require.NoError(t, err)
	recv(t, watchA)

	a.Drop()

	snap := recv(t, watchB)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, "kb", snap.Records[0].Key)

	failed := recv(t, watchA)
	assert.ErrorIs(t, failed.Err, ErrDisconnected)
	_, open := <-watchA
	assert.False(t, open)

	assert.ErrorIs(t, a.Ping(ctx), ErrDisconnected)
	a.Restore()
	assert.NoError(t, a.Ping(ctx))
}

func TestFailNextAndBlock(t *testing.T) {
	_, c := seeded(t)
	ctx := context.Background()

	c.FailNext(OpCreateItem, assert.AnError)
	_, err := c.CreateItem(ctx, "s1", setlist.Item{Title: "A"})
	assert.ErrorIs(t, err, assert.AnError)

	release := c.Block(OpUpdateTarget)
	done := make(chan error, 1)
	go func() { done <- c.UpdateTargetTime(ctx, "s1", 120) }()

	select {
	case <-done:
		t.Fatal("write should be held")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	require.NoError(t, <-done)

	assert.Equal(t, 2, c.DocumentWrites())
}

func TestComments_CountNeverNegative(t *testing.T) {
	srv := NewServer()
	srv.Seed(setlist.Setlist{ID: "s1"}, setlist.Item{ID: "i1"})
	c := srv.Connect()
	ctx := context.Background()

	id, err := c.AddComment(ctx, setlist.Comment{SetlistID: "s1", ItemID: "i1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Items("s1")[0].CommentCount)

	require.NoError(t, c.UpdateComment(ctx, "s1", id, "hello", nil))
	got, err := c.GetComment(ctx, "s1", id)
	require.NoError(t, err)
	assert.True(t, got.IsEdited)
	assert.Equal(t, "hello", got.Content)

	require.NoError(t, c.DeleteComment(ctx, "s1", "i1", id))
	assert.Equal(t, 0, srv.Items("s1")[0].CommentCount)

	_, err = c.AddComment(ctx, setlist.Comment{SetlistID: "s1", ItemID: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
