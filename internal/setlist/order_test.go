package setlist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemsAt(ids ...string) []Item {
	out := make([]Item, len(ids))
	for i, id := range ids {
		out[i] = Item{ID: id, Position: i}
	}
	return out
}

func TestSortByPosition(t *testing.T) {
	t0 := time.Unix(100, 0)
	items := []Item{
		{ID: "c", Position: 2},
		{ID: "b2", Position: 1, CreatedAt: t0.Add(time.Second)},
		{ID: "a", Position: 0},
		{ID: "b1", Position: 1, CreatedAt: t0},
	}
	SortByPosition(items)
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, IDs(items))
}

func TestResolveOrder(t *testing.T) {
	current := itemsAt("A", "B", "C")

	tests := []struct {
		name    string
		req     []string
		want    []string
		wantErr bool
	}{
		{"permutation", []string{"C", "A", "B"}, []string{"C", "A", "B"}, false},
		{"unknown ids ignored", []string{"C", "zzz", "A", "B"}, []string{"C", "A", "B"}, false},
		{"duplicate", []string{"C", "C", "A", "B"}, nil, true},
		{"missing", []string{"C", "A"}, nil, true},
		{"empty", nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveOrder(current, tt.req)
			if tt.wantErr {
				assert.True(t, IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestArrayMove(t *testing.T) {
	in := []string{"A", "B", "C", "D"}

	assert.Equal(t, []string{"C", "A", "B", "D"}, ArrayMove(in, 2, 0))
	assert.Equal(t, []string{"B", "C", "D", "A"}, ArrayMove(in, 0, 3))
	assert.Equal(t, []string{"A", "C", "B", "D"}, ArrayMove(in, 1, 2))
	assert.Equal(t, []string{"B", "C", "D", "A"}, ArrayMove(in, 0, 99))
	assert.Equal(t, in, ArrayMove(in, 7, 0))
	assert.Equal(t, []string{"A", "B", "C", "D"}, in, "input must not be mutated")
}

func TestPositionsAndDensity(t *testing.T) {
	pos := Positions([]string{"C", "A", "B"})
	assert.Equal(t, map[string]int{"C": 0, "A": 1, "B": 2}, pos)

	assert.True(t, IsDense(itemsAt("A", "B", "C")))
	assert.True(t, IsDense(nil))
	assert.False(t, IsDense([]Item{{ID: "A", Position: 0}, {ID: "B", Position: 2}}))
	assert.False(t, IsDense([]Item{{ID: "A", Position: 1}, {ID: "B", Position: 1}}))
}
