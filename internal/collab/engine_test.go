package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setlist-sync/internal/setlist"
)

func items(ids ...string) []setlist.Item {
	out := make([]setlist.Item, len(ids))
	for i, id := range ids {
		out[i] = setlist.Item{ID: id, Title: id, Position: i}
	}
	return out
}

func viewIDs(s ItemsState) []string {
	return setlist.IDs(s.View)
}

func TestReduce_InsertSurvivesUnrelatedSnapshot(t *testing.T) {
	s := Reduce(ItemsState{}, Snapshot{Items: items("a", "b")})
	s = Reduce(s, Apply{Op: Op{ID: "op1", Kind: OpInsert, ItemID: "pending-x", Item: setlist.Item{Title: "X"}}})
	require.Equal(t, []string{"a", "b", "pending-x"}, viewIDs(s))
	assert.True(t, s.View[2].Pending)
	assert.True(t, s.Syncing())

	changed := items("a", "b")
	changed[0].Title = "A2"
	s = Reduce(s, Snapshot{Items: changed})
	assert.Equal(t, []string{"a", "b", "pending-x"}, viewIDs(s))
	assert.Equal(t, "A2", s.View[0].Title)
	assert.Equal(t, 2, s.View[2].Position)
}

func TestReduce_FailedInsertIsDropped(t *testing.T) {
	s := Reduce(ItemsState{}, Snapshot{Items: items("a")})
	s = Reduce(s, Apply{Op: Op{ID: "op1", Kind: OpInsert, ItemID: "pending-x"}})
	s = Reduce(s, Fail{OpID: "op1"})

	assert.Equal(t, []string{"a"}, viewIDs(s))
	assert.Empty(t, s.Pending)
	assert.False(t, s.Syncing())
}

func TestReduce_SettledInsertIsNotDuplicated(t *testing.T) {
	s := Reduce(ItemsState{}, Snapshot{Items: items("a")})
	s = Reduce(s, Apply{Op: Op{ID: "op1", Kind: OpInsert, ItemID: "pending-x", Item: setlist.Item{Title: "X"}}})
	s = Reduce(s, Settle{OpID: "op1", ServerID: "x"})
	require.Equal(t, []string{"a", "x"}, viewIDs(s))
	assert.False(t, s.View[1].Pending)

	id, ok := s.resolveID("pending-x")
	assert.True(t, ok)
	assert.Equal(t, "x", id)

	s = Reduce(s, Snapshot{Items: items("a", "x")})
	assert.Equal(t, []string{"a", "x"}, viewIDs(s))
	assert.Empty(t, s.Pending)

	// deleted remotely afterwards: stays gone
	s = Reduce(s, Snapshot{Items: items("a")})
	assert.Equal(t, []string{"a"}, viewIDs(s))

	s = Reduce(s, Expire{OpID: "op1"})
	assert.Equal(t, []string{"a"}, viewIDs(s))
}

func TestReduce_FailedRemoveRestoresPosition(t *testing.T) {
	s := Reduce(ItemsState{}, Snapshot{Items: items("a", "b", "c")})
	s = Reduce(s, Apply{Op: Op{ID: "op1", Kind: OpRemove, ItemID: "b"}})
	require.Equal(t, []string{"a", "c"}, viewIDs(s))
	assert.Equal(t, 1, s.View[1].Position)

	s = Reduce(s, Fail{OpID: "op1"})
	assert.Equal(t, []string{"a", "b", "c"}, viewIDs(s))
}

func TestReduce_PatchDoesNotResurrectRemoteDelete(t *testing.T) {
	title := "new"
	s := Reduce(ItemsState{}, Snapshot{Items: items("a", "b")})
	s = Reduce(s, Apply{Op: Op{ID: "op1", Kind: OpPatch, ItemID: "b", Patch: setlist.ItemPatch{Title: &title}}})
	require.Equal(t, "new", s.View[1].Title)
	assert.True(t, s.View[1].Pending)

	s = Reduce(s, Snapshot{Items: items("a")})
	assert.Equal(t, []string{"a"}, viewIDs(s))
}

func TestReduce_MoveKeepsUnmentionedItemsLast(t *testing.T) {
	s := Reduce(ItemsState{}, Snapshot{Items: items("a", "b", "c")})
	s = Reduce(s, Apply{Op: Op{ID: "ins", Kind: OpInsert, ItemID: "pending-x"}})
	s = Reduce(s, Apply{Op: Op{ID: "mv", Kind: OpMove, Order: []string{"c", "a", "b"}}})

	assert.Equal(t, []string{"c", "a", "b", "pending-x"}, viewIDs(s))
	for i, it := range s.View {
		assert.Equal(t, i, it.Position)
	}
}

func TestReduce_SnapshotIsSorted(t *testing.T) {
	in := items("a", "b", "c")
	in[0].Position, in[2].Position = 2, 0
	s := Reduce(ItemsState{}, Snapshot{Items: in})
	assert.Equal(t, []string{"c", "b", "a"}, viewIDs(s))
	// input untouched
	assert.Equal(t, "a", in[0].ID)
}

func TestReduce_SettleAfterSnapshotDropsInsert(t *testing.T) {
	s := Reduce(ItemsState{}, Snapshot{Items: items("a")})
	s = Reduce(s, Apply{Op: Op{ID: "op1", Kind: OpInsert, ItemID: "pending-x"}})
	s = Reduce(s, Snapshot{Items: items("a", "x")})
	require.Equal(t, []string{"a", "x", "pending-x"}, viewIDs(s))

	s = Reduce(s, Settle{OpID: "op1", ServerID: "x"})
	assert.Equal(t, []string{"a", "x"}, viewIDs(s))
	assert.Empty(t, s.Pending)
}

func TestReduce_UnseenSettledInsertLastsOnlyTheGuard(t *testing.T) {
	s := Reduce(ItemsState{}, Snapshot{Items: items("a")})
	s = Reduce(s, Apply{Op: Op{ID: "op1", Kind: OpInsert, ItemID: "pending-x", Item: setlist.Item{Title: "X"}}})
	s = Reduce(s, Settle{OpID: "op1", ServerID: "x"})

	// Could be a snapshot taken before the insert committed, or one taken
	// after someone deleted it. The guard keeps the item either way.
	s = Reduce(s, Snapshot{Items: items("a")})
	require.Equal(t, []string{"a", "x"}, viewIDs(s))
	assert.False(t, s.View[1].Pending)

	s = Reduce(s, Expire{OpID: "op1"})
	assert.Equal(t, []string{"a"}, viewIDs(s))
	assert.False(t, s.Syncing())
}
