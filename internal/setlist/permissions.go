package setlist

import (
	"slices"
	"time"
)

type Permission string

const (
	PermRead    Permission = "read"
	PermComment Permission = "comment"
	PermEdit    Permission = "edit"
)

func (p Permission) Valid() bool {
	switch p {
	case PermRead, PermComment, PermEdit:
		return true
	}
	return false
}

// Capabilities is what one identity may do with one setlist.
type Capabilities struct {
	IsOwner    bool `json:"isOwner"`
	CanEdit    bool `json:"canEdit"`
	CanComment bool `json:"canComment"`
	CanRead    bool `json:"canRead"`
}

// CapabilitiesFor derives the acting user's tier from setlist metadata.
// It is a local check only; the store enforces its own rules.
func CapabilitiesFor(s *Setlist, userID string) Capabilities {
	if s == nil {
		return Capabilities{}
	}
	if userID == "" {
		return Capabilities{CanRead: s.IsPublic}
	}
	if s.OwnerID == userID {
		return Capabilities{IsOwner: true, CanEdit: true, CanComment: true, CanRead: true}
	}

	c := Capabilities{CanRead: s.IsPublic}
	if sh, ok := s.ShareFor(userID); ok {
		c.CanRead = true
		switch sh.Permission {
		case PermEdit:
			c.CanEdit = true
			c.CanComment = true
		case PermComment:
			c.CanComment = true
		}
	}
	return c
}

func (s *Setlist) ShareFor(userID string) (Share, bool) {
	i := slices.IndexFunc(s.SharedWith, func(sh Share) bool { return sh.UserID == userID })
	if i < 0 {
		return Share{}, false
	}
	return s.SharedWith[i], true
}

// WithShare returns SharedWith with userID granted perm. An existing entry
// keeps its JoinedAt.
func (s *Setlist) WithShare(userID string, perm Permission, now time.Time) ([]Share, error) {
	if userID == "" {
		return nil, &ValidationError{Msg: "userId is required"}
	}
	if !perm.Valid() {
		return nil, &ValidationError{Msg: "permission must be read, comment or edit"}
	}
	if userID == s.OwnerID {
		return nil, &ValidationError{Msg: "cannot share a setlist with its owner"}
	}

	out := slices.Clone(s.SharedWith)
	if i := slices.IndexFunc(out, func(sh Share) bool { return sh.UserID == userID }); i >= 0 {
		out[i].Permission = perm
		return out, nil
	}
	return append(out, Share{UserID: userID, Permission: perm, JoinedAt: now}), nil
}

// WithoutShare returns SharedWith without userID. Unknown users are a no-op.
func (s *Setlist) WithoutShare(userID string) []Share {
	return slices.DeleteFunc(slices.Clone(s.SharedWith), func(sh Share) bool { return sh.UserID == userID })
}
