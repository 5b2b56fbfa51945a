package setlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTiming(t *testing.T) {
	items := []Item{{EstimatedDuration: 120}, {EstimatedDuration: 90}, {EstimatedDuration: 60}}

	st := Timing(items, 300)
	assert.Equal(t, 270, st.Total)
	assert.Equal(t, -30, st.Difference)
	assert.False(t, st.IsOverTime)
	assert.True(t, st.IsCloseToTarget)
	assert.Equal(t, 3, st.Count)
	assert.InDelta(t, 90.0, st.Percent, 0.001)

	over := Timing(append(items, Item{EstimatedDuration: 100}), 300)
	assert.True(t, over.IsOverTime)
	assert.False(t, over.IsCloseToTarget)

	assert.Zero(t, Timing(nil, 0).Percent)
}

func TestFormatAndParseDuration(t *testing.T) {
	assert.Equal(t, "5:00", FormatDuration(300))
	assert.Equal(t, "0:07", FormatDuration(7))
	assert.Equal(t, "-1:30", FormatDuration(-90))

	for in, want := range map[string]int{"5:00": 300, "0:45": 45, "90": 90, " 1:05 ": 65} {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "1:5", "1:60", "a:00", "-3"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}
