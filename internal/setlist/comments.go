package setlist

import (
	"regexp"
	"strings"
	"time"
)

const maxCommentLength = 2000

// Comment is attached to one item. ParentID makes it a reply.
type Comment struct {
	ID           string    `json:"id"`
	ItemID       string    `json:"itemId"`
	SetlistID    string    `json:"setlistId"`
	AuthorID     string    `json:"authorId"`
	AuthorName   string    `json:"authorName"`
	AuthorAvatar string    `json:"authorAvatar,omitempty"`
	Content      string    `json:"content"`
	ParentID     *string   `json:"parentId,omitempty"`
	Mentions     []string  `json:"mentions"`
	IsEdited     bool      `json:"isEdited"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// CleanCommentContent trims content and rejects empty or oversized bodies.
func CleanCommentContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", &ValidationError{Msg: "comment cannot be empty"}
	}
	if len(content) > maxCommentLength {
		return "", &ValidationError{Msg: "comment is too long"}
	}
	return content, nil
}

var mentionRe = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9][A-Za-z0-9_.-]*)`)

// ExtractMentions returns the distinct @handles in content, in order.
func ExtractMentions(content string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, m := range mentionRe.FindAllStringSubmatch(content, -1) {
		h := strings.TrimRight(m[1], ".-")
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// CommentNode is a comment with its replies.
type CommentNode struct {
	Comment
	Replies []*CommentNode `json:"replies"`
}

// Thread builds the reply tree. Input is expected in creation order; replies
// whose parent is missing are promoted to the top level.
func Thread(comments []Comment) []*CommentNode {
	nodes := make(map[string]*CommentNode, len(comments))
	for _, c := range comments {
		nodes[c.ID] = &CommentNode{Comment: c, Replies: []*CommentNode{}}
	}

	roots := make([]*CommentNode, 0, len(comments))
	for _, c := range comments {
		n := nodes[c.ID]
		if c.ParentID != nil {
			if p, ok := nodes[*c.ParentID]; ok && p != n {
				p.Replies = append(p.Replies, n)
				continue
			}
		}
		roots = append(roots, n)
	}
	return roots
}
