package collab

import (
	"slices"
	"strings"

	"setlist-sync/internal/setlist"
)

// PendingPrefix marks ids of items that exist only locally.
const PendingPrefix = "pending-"

func IsPendingID(id string) bool {
	return strings.HasPrefix(id, PendingPrefix)
}

type OpKind int

const (
	OpInsert OpKind = iota + 1
	OpPatch
	OpRemove
	OpMove
)

// Op is one optimistic mutation layered over the confirmed items.
type Op struct {
	ID     string
	Kind   OpKind
	ItemID string // insert: the local pending id

	Item  setlist.Item      // insert
	Patch setlist.ItemPatch // patch
	Order []string          // move: full id order

	// ServerID is the id the store assigned to an inserted item.
	ServerID string
	// Settled ops have been written and only wait out the guard window.
	Settled bool
}

// ItemsState is the reducer state: the last authoritative items and the
// pending ops on top of them. View is always fold(Pending, Confirmed).
type ItemsState struct {
	Confirmed []setlist.Item
	Pending   []Op
	View      []setlist.Item
}

// Syncing reports whether any op still waits for its write.
func (s ItemsState) Syncing() bool {
	return slices.ContainsFunc(s.Pending, func(op Op) bool { return !op.Settled })
}

// Action is an input to Reduce.
type Action interface {
	reduce(ItemsState) ItemsState
}

// Snapshot replaces the confirmed items with a store push.
type Snapshot struct{ Items []setlist.Item }

// Apply layers a new op.
type Apply struct{ Op Op }

// Settle marks an op as written. ServerID is set for inserts.
type Settle struct {
	OpID     string
	ServerID string
}

// Fail drops an op whose write was rejected.
type Fail struct{ OpID string }

// Expire drops a settled op once its guard window has passed.
type Expire struct{ OpID string }

// Reduce is the pure state transition of the optimistic engine.
func Reduce(s ItemsState, a Action) ItemsState {
	s = a.reduce(s)
	s.View = fold(s.Confirmed, s.Pending)
	return s
}

func (a Snapshot) reduce(s ItemsState) ItemsState {
	items := cloneItems(a.Items)
	setlist.SortByPosition(items)
	s.Confirmed = items
	// A written insert the store has shown once is done; a later snapshot
	// without it means someone deleted it.
	s.Pending = slices.DeleteFunc(slices.Clone(s.Pending), func(op Op) bool {
		return op.Kind == OpInsert && op.Settled && indexOf(items, op.ServerID) >= 0
	})
	return s
}

func (a Apply) reduce(s ItemsState) ItemsState {
	s.Pending = append(slices.Clone(s.Pending), a.Op)
	return s
}

func (a Settle) reduce(s ItemsState) ItemsState {
	if a.ServerID != "" && indexOf(s.Confirmed, a.ServerID) >= 0 {
		// The snapshot carrying the insert beat the write's return.
		s.Pending = dropOp(s.Pending, a.OpID)
		return s
	}
	s.Pending = slices.Clone(s.Pending)
	for i := range s.Pending {
		if s.Pending[i].ID == a.OpID {
			s.Pending[i].Settled = true
			if a.ServerID != "" {
				s.Pending[i].ServerID = a.ServerID
			}
		}
	}
	return s
}

func (a Fail) reduce(s ItemsState) ItemsState {
	s.Pending = dropOp(s.Pending, a.OpID)
	return s
}

func (a Expire) reduce(s ItemsState) ItemsState {
	s.Pending = dropOp(s.Pending, a.OpID)
	return s
}

func dropOp(ops []Op, id string) []Op {
	return slices.DeleteFunc(slices.Clone(ops), func(op Op) bool { return op.ID == id })
}

// fold applies pending ops in order over the confirmed items. Ops whose
// target is gone are skipped, so nothing the store deleted comes back.
func fold(confirmed []setlist.Item, pending []Op) []setlist.Item {
	view := cloneItems(confirmed)
	for _, op := range pending {
		switch op.Kind {
		case OpInsert:
			if op.ServerID != "" && indexOf(view, op.ServerID) >= 0 {
				continue
			}
			it := op.Item.Clone()
			it.ID = op.ItemID
			it.Pending = !op.Settled
			if op.ServerID != "" {
				it.ID = op.ServerID
			}
			it.Position = len(view)
			view = append(view, it)

		case OpPatch:
			if i := indexOf(view, op.ItemID); i >= 0 {
				pending := view[i].Pending || !op.Settled
				view[i] = op.Patch.Apply(view[i])
				view[i].Pending = pending
			}

		case OpRemove:
			if i := indexOf(view, op.ItemID); i >= 0 {
				view = slices.Delete(view, i, i+1)
			}

		case OpMove:
			view = applyOrder(view, op.Order)
		}
	}
	for i := range view {
		view[i].Position = i
	}
	return view
}

// applyOrder puts the named items first, in order, followed by the items
// the order does not mention.
func applyOrder(view []setlist.Item, order []string) []setlist.Item {
	pos := setlist.Positions(order)
	out := slices.Clone(view)
	slices.SortStableFunc(out, func(a, b setlist.Item) int {
		pa, okA := pos[a.ID]
		pb, okB := pos[b.ID]
		switch {
		case okA && okB:
			return pa - pb
		case okA:
			return -1
		case okB:
			return 1
		}
		return 0
	})
	return out
}

func indexOf(items []setlist.Item, id string) int {
	return slices.IndexFunc(items, func(it setlist.Item) bool { return it.ID == id })
}

func cloneItems(items []setlist.Item) []setlist.Item {
	out := make([]setlist.Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// resolveID maps a pending id to its server id once the insert settled.
func (s ItemsState) resolveID(id string) (string, bool) {
	if !IsPendingID(id) {
		return id, true
	}
	for _, op := range s.Pending {
		if op.Kind == OpInsert && op.ItemID == id {
			return op.ServerID, op.ServerID != ""
		}
	}
	return "", false
}
