package setlist

import (
	"strings"
	"time"
)

const (
	DefaultTargetTime = 300
	DefaultTitle      = "Untitled Setlist"
	DemoTitle         = "Collaborative Demo Setlist"
	DemoPrefix        = "demo-"

	// Items created locally carry this duration until the store assigns
	// its own default.
	OptimisticDuration = 30
	StoredDuration     = 60

	untitledItem = "Untitled Item"
)

// Setlist is the shared document. Items live in their own collection.
type Setlist struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	OwnerID     string    `json:"ownerId"`
	TargetTime  int       `json:"targetTime"` // seconds
	IsPublic    bool      `json:"isPublic"`
	IsDemo      bool      `json:"isDemo,omitempty"`
	SharedWith  []Share   `json:"sharedWith"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Share grants one non-owner user access to a setlist.
type Share struct {
	UserID     string     `json:"userId"`
	Permission Permission `json:"permission"`
	JoinedAt   time.Time  `json:"joinedAt"`
}

// NewSetlist is the input for creating a setlist.
type NewSetlist struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	TargetTime  int    `json:"targetTime"`
	IsPublic    bool   `json:"isPublic"`
}

// Build fills defaults and returns the document to store.
func (n NewSetlist) Build(ownerID string, now time.Time) Setlist {
	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = DefaultTitle
	}
	target := n.TargetTime
	if target <= 0 {
		target = DefaultTargetTime
	}
	return Setlist{
		ID:          n.ID,
		Title:       title,
		Description: strings.TrimSpace(n.Description),
		OwnerID:     ownerID,
		TargetTime:  target,
		IsPublic:    n.IsPublic,
		SharedWith:  []Share{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// DemoSetlist is the document created on first visit to a demo- id.
func DemoSetlist(id, ownerID string, now time.Time) Setlist {
	s := NewSetlist{ID: id, Title: DemoTitle, TargetTime: DefaultTargetTime}.Build(ownerID, now)
	s.IsDemo = true
	return s
}

func IsDemoID(id string) bool {
	return strings.HasPrefix(id, DemoPrefix)
}

func (s *Setlist) Clone() *Setlist {
	if s == nil {
		return nil
	}
	c := *s
	c.SharedWith = append([]Share(nil), s.SharedWith...)
	return &c
}

// Item is one entry ("joke") of a setlist. Position is 0-based and dense
// once all writes have settled.
type Item struct {
	ID                string    `json:"id"`
	SetlistID         string    `json:"setlistId"`
	Title             string    `json:"title"`
	Text              string    `json:"text"`
	Setup             string    `json:"setup"`
	Punchline         string    `json:"punchline"`
	Notes             string    `json:"notes"`
	Tags              []string  `json:"tags"`
	Position          int       `json:"position"`
	EstimatedDuration int       `json:"estimatedDuration"` // seconds
	AuthorID          string    `json:"authorId"`
	LastEditedBy      string    `json:"lastEditedBy"`
	LastEditedAt      time.Time `json:"lastEditedAt"`
	CommentCount      int       `json:"commentCount"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`

	// Pending is set on optimistic copies that the store has not confirmed.
	Pending bool `json:"pending,omitempty"`
}

func (it Item) Clone() Item {
	it.Tags = append([]string(nil), it.Tags...)
	return it
}

// DisplayTitle falls back through text and setup when no title is set.
func (it Item) DisplayTitle() string {
	for _, s := range []string{it.Title, it.Text, it.Setup} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return untitledItem
}

// NewItem is the input for AddItem.
type NewItem struct {
	Title             string   `json:"title"`
	Text              string   `json:"text"`
	Setup             string   `json:"setup"`
	Punchline         string   `json:"punchline"`
	Notes             string   `json:"notes"`
	Tags              []string `json:"tags"`
	EstimatedDuration int      `json:"estimatedDuration"`
}

// Build produces the item as written to the store. Position is assigned by
// the store.
func (n NewItem) Build(setlistID, authorID string, now time.Time) Item {
	it := Item{
		SetlistID:         setlistID,
		Text:              strings.TrimSpace(n.Text),
		Setup:             strings.TrimSpace(n.Setup),
		Punchline:         strings.TrimSpace(n.Punchline),
		Notes:             n.Notes,
		Tags:              normalizeTags(n.Tags),
		EstimatedDuration: n.EstimatedDuration,
		AuthorID:          authorID,
		LastEditedBy:      authorID,
		LastEditedAt:      now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	it.Title = strings.TrimSpace(n.Title)
	if it.Title == "" {
		it.Title = it.DisplayTitle()
	}
	if it.EstimatedDuration <= 0 {
		it.EstimatedDuration = StoredDuration
	}
	return it
}

// ItemPatch is a partial update. Nil fields are left untouched.
type ItemPatch struct {
	Title             *string   `json:"title,omitempty"`
	Text              *string   `json:"text,omitempty"`
	Setup             *string   `json:"setup,omitempty"`
	Punchline         *string   `json:"punchline,omitempty"`
	Notes             *string   `json:"notes,omitempty"`
	Tags              *[]string `json:"tags,omitempty"`
	EstimatedDuration *int      `json:"estimatedDuration,omitempty"`
}

func (p ItemPatch) IsEmpty() bool {
	return p.Title == nil && p.Text == nil && p.Setup == nil && p.Punchline == nil &&
		p.Notes == nil && p.Tags == nil && p.EstimatedDuration == nil
}

func (p ItemPatch) Validate() error {
	if p.IsEmpty() {
		return &ValidationError{Msg: "patch has no fields"}
	}
	if p.Title != nil && len(*p.Title) > 300 {
		return &ValidationError{Msg: "title must be at most 300 characters"}
	}
	if p.EstimatedDuration != nil && *p.EstimatedDuration < 0 {
		return &ValidationError{Msg: "estimatedDuration must be >= 0"}
	}
	return nil
}

// Apply returns a copy of it with the patch applied.
func (p ItemPatch) Apply(it Item) Item {
	out := it.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Text != nil {
		out.Text = *p.Text
	}
	if p.Setup != nil {
		out.Setup = *p.Setup
	}
	if p.Punchline != nil {
		out.Punchline = *p.Punchline
	}
	if p.Notes != nil {
		out.Notes = *p.Notes
	}
	if p.Tags != nil {
		out.Tags = normalizeTags(*p.Tags)
	}
	if p.EstimatedDuration != nil {
		out.EstimatedDuration = *p.EstimatedDuration
	}
	return out
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Presence is one session's ephemeral record under a setlist.
type Presence struct {
	Key              string    `json:"key"`
	UserID           string    `json:"userId"`
	DisplayName      string    `json:"displayName"`
	Avatar           string    `json:"avatar,omitempty"`
	JoinedAt         time.Time `json:"joinedAt"`
	LastSeen         time.Time `json:"lastSeen"`
	IsActive         bool      `json:"isActive"`
	CurrentlyEditing *string   `json:"currentlyEditing"`
}

// PresencePatch is a partial update of a presence record.
// ClearEditing wins over CurrentlyEditing.
type PresencePatch struct {
	LastSeen         *time.Time `json:"lastSeen,omitempty"`
	IsActive         *bool      `json:"isActive,omitempty"`
	CurrentlyEditing *string    `json:"currentlyEditing,omitempty"`
	ClearEditing     bool       `json:"clearEditing,omitempty"`
}

func (p PresencePatch) Apply(r Presence) Presence {
	if p.LastSeen != nil {
		r.LastSeen = *p.LastSeen
	}
	if p.IsActive != nil {
		r.IsActive = *p.IsActive
	}
	if p.ClearEditing {
		r.CurrentlyEditing = nil
	} else if p.CurrentlyEditing != nil {
		tag := *p.CurrentlyEditing
		r.CurrentlyEditing = &tag
	}
	return r
}

// Reserved editing tags.
const (
	TagTargetTime = "editing-target-time"
	TagAddingItem = "adding-item"

	durationTagPrefix = "editing-item-duration-"
)

func DurationTag(itemID string) string {
	return durationTagPrefix + itemID
}

// Identity is the acting user of a session. An empty UserID means signed out.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

func (id Identity) Name() string {
	if id.DisplayName != "" {
		return id.DisplayName
	}
	return "Anonymous"
}
