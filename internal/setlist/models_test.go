package setlist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewItem_Build(t *testing.T) {
	now := time.Now()

	it := NewItem{Text: "  airline food  ", Tags: []string{"crowd", " ", "crowd", "opener"}}.Build("s1", "u1", now)

	assert.Equal(t, "airline food", it.Title)
	assert.Equal(t, StoredDuration, it.EstimatedDuration)
	assert.Equal(t, []string{"crowd", "opener"}, it.Tags)
	assert.Equal(t, "u1", it.AuthorID)
	assert.Equal(t, "u1", it.LastEditedBy)
	assert.Equal(t, "s1", it.SetlistID)

	empty := NewItem{}.Build("s1", "u1", now)
	assert.Equal(t, untitledItem, empty.Title)
}

func TestNewSetlist_Build(t *testing.T) {
	s := NewSetlist{Title: " "}.Build("u1", time.Now())
	assert.Equal(t, DefaultTitle, s.Title)
	assert.Equal(t, DefaultTargetTime, s.TargetTime)
	assert.Equal(t, "u1", s.OwnerID)
	assert.NotNil(t, s.SharedWith)

	demo := DemoSetlist("demo-1", "u1", time.Now())
	assert.True(t, demo.IsDemo)
	assert.Equal(t, DemoTitle, demo.Title)
	assert.True(t, IsDemoID("demo-1"))
	assert.False(t, IsDemoID("prod-1"))
}

func TestItemPatch(t *testing.T) {
	title := "new"
	dur := 45
	it := Item{ID: "i1", Title: "old", Text: "x", Tags: []string{"a"}, EstimatedDuration: 30}

	out := ItemPatch{Title: &title, EstimatedDuration: &dur}.Apply(it)
	assert.Equal(t, "new", out.Title)
	assert.Equal(t, "x", out.Text)
	assert.Equal(t, 45, out.EstimatedDuration)
	assert.Equal(t, "old", it.Title)

	assert.True(t, IsValidation(ItemPatch{}.Validate()))
	neg := -1
	assert.True(t, IsValidation(ItemPatch{EstimatedDuration: &neg}.Validate()))
	assert.NoError(t, ItemPatch{Title: &title}.Validate())
}

func TestPresencePatch(t *testing.T) {
	tag := "item-1"
	active := false
	r := Presence{Key: "k", IsActive: true}

	r = PresencePatch{CurrentlyEditing: &tag, IsActive: &active}.Apply(r)
	assert.Equal(t, "item-1", *r.CurrentlyEditing)
	assert.False(t, r.IsActive)

	r = PresencePatch{ClearEditing: true, CurrentlyEditing: &tag}.Apply(r)
	assert.Nil(t, r.CurrentlyEditing)
}

func TestSyncError(t *testing.T) {
	cause := assert.AnError
	err := NewSyncError("write failed", CodeUnavailable, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "unavailable")
}
