package library

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"thirdspace.org/internal/auth"
	"thirdspace.org/internal/ids"
	"thirdspace.org/internal/obs"
)

const (
	MaxTitleLen   = 500
	MaxContentLen = 1 << 20

	DefaultPageSize = 20
	MaxPageSize     = 100
	MaxBatchSlugs   = 100

	slugBaseLen = 100
)

var (
	slugPattern   = regexp.MustCompile(`^[a-z0-9-]{3,128}$`)
	slugSeparator = regexp.MustCompile(`[^a-z0-9]+`)
)

// Service manages articles and their revision history.
type Service struct {
	store Store
	now   func() time.Time
	log   logrus.FieldLogger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now, log: obs.Logger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new article at version 1 authored by the caller.
func (s *Service) Create(ctx context.Context, caller auth.Principal, in NewArticle) (Article, error) {
	if err := caller.Require(auth.ScopeLibraryCreate); err != nil {
		return Article{}, err
	}
	if err := validateTitle(in.Title); err != nil {
		return Article{}, err
	}
	if err := validateContent(in.Content); err != nil {
		return Article{}, err
	}
	slug := strings.TrimSpace(in.Slug)
	if slug == "" {
		generated, err := GenerateSlug(in.Title)
		if err != nil {
			return Article{}, err
		}
		slug = generated
	} else if !slugPattern.MatchString(slug) {
		return Article{}, fmt.Errorf("%w: slug must be 3-128 characters of lowercase letters, digits and hyphens", ErrInvalidInput)
	}

	now := s.now().UTC()
	a := Article{
		ID:        ids.New(),
		Slug:      slug,
		Title:     in.Title,
		Content:   in.Content,
		AuthorID:  caller.Account.ID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateArticle(ctx, &a); err != nil {
		return Article{}, err
	}
	return a, nil
}

// Get returns the article at slug. Any authenticated caller may read.
func (s *Service) Get(ctx context.Context, slug string) (Article, error) {
	return s.store.ArticleBySlug(ctx, slug)
}

// List returns up to page.Limit articles and whether more remain.
func (s *Service) List(ctx context.Context, page Page) ([]Article, bool, error) {
	if page.Limit <= 0 {
		page.Limit = DefaultPageSize
	}
	if page.Limit > MaxPageSize {
		page.Limit = MaxPageSize
	}
	want := page.Limit
	page.Limit++
	items, err := s.store.ListArticles(ctx, page)
	if err != nil {
		return nil, false, err
	}
	if len(items) > want {
		return items[:want], true, nil
	}
	return items, false, nil
}

// Search returns up to limit articles whose title or content contains query.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Article, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: search query is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return s.store.SearchArticles(ctx, query, limit)
}

// BatchRead fetches articles by slug, preserving the requested order. Slugs
// without an article are returned in missing.
func (s *Service) BatchRead(ctx context.Context, slugs []string) (found []Article, missing []string, err error) {
	if len(slugs) > MaxBatchSlugs {
		return nil, nil, fmt.Errorf("%w: at most %d slugs per request", ErrInvalidInput, MaxBatchSlugs)
	}
	if len(slugs) == 0 {
		return []Article{}, []string{}, nil
	}
	items, err := s.store.ArticlesBySlugs(ctx, slugs)
	if err != nil {
		return nil, nil, err
	}
	bySlug := make(map[string]Article, len(items))
	for _, a := range items {
		bySlug[a.Slug] = a
	}
	found = make([]Article, 0, len(slugs))
	missing = []string{}
	for _, slug := range slugs {
		if a, ok := bySlug[slug]; ok {
			found = append(found, a)
			continue
		}
		missing = append(missing, slug)
	}
	return found, missing, nil
}

// Update applies patch to the article at slug when expectedVersion matches its
// current version. The pre-edit state is kept as a revision.
func (s *Service) Update(ctx context.Context, caller auth.Principal, slug string, expectedVersion *int, patch Patch) (Article, error) {
	if err := caller.Require(auth.ScopeLibraryEdit); err != nil {
		return Article{}, err
	}
	if expectedVersion == nil {
		return Article{}, ErrPreconditionRequired
	}
	if patch.Title != nil {
		if err := validateTitle(*patch.Title); err != nil {
			return Article{}, err
		}
	}
	if patch.Content != nil {
		if err := validateContent(*patch.Content); err != nil {
			return Article{}, err
		}
	}

	current, err := s.store.ArticleBySlug(ctx, slug)
	if err != nil {
		return Article{}, err
	}
	var updated Article
	_, err = s.beginMutation(ctx, current.ID, expectedVersion, caller, patch.Summary, func(a *Article) {
		if patch.Title != nil {
			a.Title = *patch.Title
		}
		if patch.Content != nil {
			a.Content = *patch.Content
		}
	}, &updated)
	if err != nil {
		var conflict *VersionConflictError
		if errors.As(err, &conflict) {
			obs.ObserveVersionConflict()
			s.log.WithFields(logrus.Fields{
				"slug":     slug,
				"expected": conflict.Expected,
				"current":  conflict.Current,
			}).Info("article update rejected: stale version")
		}
		return Article{}, err
	}
	return updated, nil
}

// BeginMutation is the optimistic concurrency primitive: inside one transaction it
// locks the article, checks that editor may modify it and that expectedVersion is
// current, snapshots the pre-edit state, applies mutator and bumps the version.
// It returns the new version.
func (s *Service) BeginMutation(ctx context.Context, articleID string, expectedVersion *int, editor auth.Principal, summary string, mutator func(*Article)) (int, error) {
	return s.beginMutation(ctx, articleID, expectedVersion, editor, summary, mutator, nil)
}

func (s *Service) beginMutation(ctx context.Context, articleID string, expectedVersion *int, editor auth.Principal, summary string, mutator func(*Article), out *Article) (int, error) {
	if expectedVersion == nil {
		return 0, ErrPreconditionRequired
	}
	expected := *expectedVersion
	saved, err := s.store.MutateArticle(ctx, articleID, func(cur Article) (Article, Revision, error) {
		if !canModify(editor, cur) {
			return Article{}, Revision{}, ErrForbidden
		}
		if expected != cur.Version {
			return Article{}, Revision{}, &VersionConflictError{Expected: expected, Current: cur.Version}
		}
		now := s.now().UTC()
		rev := Revision{
			ID:        ids.New(),
			ArticleID: cur.ID,
			Version:   cur.Version,
			Title:     cur.Title,
			Content:   cur.Content,
			EditorID:  editor.Account.ID,
			Summary:   strings.TrimSpace(summary),
			CreatedAt: now,
		}
		next := cur
		if mutator != nil {
			mutator(&next)
		}
		next.ID, next.Slug, next.AuthorID, next.CreatedAt = cur.ID, cur.Slug, cur.AuthorID, cur.CreatedAt
		next.Version = cur.Version + 1
		next.UpdatedAt = now
		return next, rev, nil
	})
	if err != nil {
		return 0, err
	}
	if out != nil {
		*out = saved
	}
	return saved.Version, nil
}

// Delete removes the article at slug. Requires library:delete and authorship or admin.
func (s *Service) Delete(ctx context.Context, caller auth.Principal, slug string) error {
	if err := caller.Require(auth.ScopeLibraryDelete); err != nil {
		return err
	}
	a, err := s.store.ArticleBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if !canModify(caller, a) {
		return ErrForbidden
	}
	return s.store.DeleteArticle(ctx, a.ID)
}

// Revisions returns the article and its revision history, newest first.
func (s *Service) Revisions(ctx context.Context, slug string) (Article, []Revision, error) {
	a, err := s.store.ArticleBySlug(ctx, slug)
	if err != nil {
		return Article{}, nil, err
	}
	revs, err := s.store.ListRevisions(ctx, a.ID)
	if err != nil {
		return Article{}, nil, err
	}
	return a, revs, nil
}

// Revision returns the snapshot of the article at slug as of version.
func (s *Service) Revision(ctx context.Context, slug string, version int) (Revision, error) {
	if version < 1 {
		return Revision{}, ErrNotFound
	}
	a, err := s.store.ArticleBySlug(ctx, slug)
	if err != nil {
		return Revision{}, err
	}
	return s.store.Revision(ctx, a.ID, version)
}

func canModify(p auth.Principal, a Article) bool {
	return (a.AuthorID != "" && a.AuthorID == p.Account.ID) || p.IsAdmin()
}

// GenerateSlug derives a URL slug from title with a random suffix.
func GenerateSlug(title string) (string, error) {
	base := strings.Trim(slugSeparator.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(base) > slugBaseLen {
		base = strings.TrimRight(base[:slugBaseLen], "-")
	}
	if base == "" {
		base = "article"
	}
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("library: slug suffix: %w", err)
	}
	return base + "-" + hex.EncodeToString(suffix[:]), nil
}

// ValidSlug reports whether slug has the accepted shape.
func ValidSlug(slug string) bool { return slugPattern.MatchString(slug) }

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
	}
	if len(title) > MaxTitleLen {
		return fmt.Errorf("%w: title must be %d characters or less", ErrInvalidInput, MaxTitleLen)
	}
	return nil
}

func validateContent(content string) error {
	if len(content) > MaxContentLen {
		return fmt.Errorf("%w: content must be 1MB or less", ErrInvalidInput)
	}
	return nil
}
