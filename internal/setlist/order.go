package setlist

import (
	"cmp"
	"slices"
)

// SortByPosition orders items by position, breaking ties by creation time
// and then id so concurrent appends render the same everywhere.
func SortByPosition(items []Item) {
	slices.SortStableFunc(items, func(a, b Item) int {
		if c := cmp.Compare(a.Position, b.Position); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func IDs(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// ResolveOrder checks a requested order against the current items. Ids that
// are not present are dropped; what is left must name every current item
// exactly once.
func ResolveOrder(current []Item, requested []string) ([]string, error) {
	known := make(map[string]bool, len(current))
	for _, it := range current {
		known[it.ID] = true
	}

	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(current))
	for _, id := range requested {
		if !known[id] {
			continue
		}
		if seen[id] {
			return nil, &ValidationError{Msg: "duplicate id in order: " + id}
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) != len(current) {
		return nil, &ValidationError{Msg: "order must include every item"}
	}
	return out, nil
}

// ArrayMove removes the element at from and reinserts it at to, shifting
// the elements in between. Out of range indices are clamped.
func ArrayMove[T any](s []T, from, to int) []T {
	out := slices.Clone(s)
	if len(out) == 0 || from < 0 || from >= len(out) {
		return out
	}
	to = max(0, min(to, len(out)-1))
	if from == to {
		return out
	}
	v := out[from]
	out = slices.Delete(out, from, from+1)
	return slices.Insert(out, to, v)
}

// Positions maps each id to its index.
func Positions(ids []string) map[string]int {
	out := make(map[string]int, len(ids))
	for i, id := range ids {
		out[id] = i
	}
	return out
}

// IsDense reports whether positions are exactly 0..len-1.
func IsDense(items []Item) bool {
	seen := make([]bool, len(items))
	for _, it := range items {
		if it.Position < 0 || it.Position >= len(items) || seen[it.Position] {
			return false
		}
		seen[it.Position] = true
	}
	return true
}
