package setlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"nice one @alice", []string{"alice"}},
		{"@bob and @alice, also @bob.", []string{"bob", "alice"}},
		{"mail me at a@b.com", []string{}},
		{"no mentions", []string{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractMentions(tt.in), tt.in)
	}
}

func TestCleanCommentContent(t *testing.T) {
	got, err := CleanCommentContent("  hi  ")
	require.NoError(t, err)
	assert.Equal(t, "hi", got)

	_, err = CleanCommentContent("   ")
	assert.True(t, IsValidation(err))
}

func TestThread(t *testing.T) {
	p := func(s string) *string { return &s }
	comments := []Comment{
		{ID: "1"},
		{ID: "2", ParentID: p("1")},
		{ID: "3"},
		{ID: "4", ParentID: p("2")},
		{ID: "5", ParentID: p("gone")},
	}

	roots := Thread(comments)
	require.Len(t, roots, 3)
	assert.Equal(t, "1", roots[0].ID)
	require.Len(t, roots[0].Replies, 1)
	assert.Equal(t, "2", roots[0].Replies[0].ID)
	assert.Equal(t, "4", roots[0].Replies[0].Replies[0].ID)
	assert.Equal(t, "3", roots[1].ID)
	assert.Equal(t, "5", roots[2].ID)
}
