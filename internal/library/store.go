package library

import "context"

// MutateFunc receives the current row read under an exclusive lock and returns the
// row to write together with the revision to append. Returning an error aborts the
// transaction with nothing written.
type MutateFunc func(current Article) (next Article, rev Revision, err error)

// Store describes persistence operations required by the library.
type Store interface {
	// CreateArticle returns ErrSlugTaken when the slug is in use.
	CreateArticle(ctx context.Context, a *Article) error
	ArticleBySlug(ctx context.Context, slug string) (Article, error)
	ListArticles(ctx context.Context, page Page) ([]Article, error)
	// ArticlesBySlugs returns the articles found among slugs in no particular order.
	ArticlesBySlugs(ctx context.Context, slugs []string) ([]Article, error)
	// SearchArticles matches query case-insensitively against title and content,
	// most recently updated first.
	SearchArticles(ctx context.Context, query string, limit int) ([]Article, error)
	// MutateArticle locks the article row, runs fn, then appends rev and writes next
	// in the same transaction. It returns ErrNotFound when id does not exist.
	MutateArticle(ctx context.Context, id string, fn MutateFunc) (Article, error)
	// DeleteArticle removes the article and its revisions.
	DeleteArticle(ctx context.Context, id string) error
	// ListRevisions returns revisions newest version first.
	ListRevisions(ctx context.Context, articleID string) ([]Revision, error)
	Revision(ctx context.Context, articleID string, version int) (Revision, error)
}
