package library

import "time"

// Article is a versioned markdown document. Version starts at 1 and increases by
// exactly one per accepted edit.
type Article struct {
	ID        string
	Slug      string
	Title     string
	Content   string
	AuthorID  string
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ByteSize is the UTF-8 length of the content.
func (a Article) ByteSize() int { return len(a.Content) }

// TokenCountEstimate is a rough LLM token estimate of four bytes per token.
func (a Article) TokenCountEstimate() int { return a.ByteSize() / 4 }

// Revision is an immutable snapshot of an article as it was before an edit.
// Version is the article version the snapshot represents.
type Revision struct {
	ID        string
	ArticleID string
	Version   int
	Title     string
	Content   string
	EditorID  string
	Summary   string
	CreatedAt time.Time
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Title   *string
	Content *string
	Summary string
}

// NewArticle is a creation request. An empty Slug is generated from Title.
type NewArticle struct {
	Slug    string
	Title   string
	Content string
}

// Page selects a window of the article listing ordered by UpdatedAt descending.
type Page struct {
	Before *time.Time
	Limit  int
}
