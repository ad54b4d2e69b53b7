// Package memory is an in-process store for development and tests. A single mutex
// serializes every operation, which also provides the per-row exclusivity the
// lockout, article and idempotency paths rely on.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"thirdspace.org/internal/auth"
	"thirdspace.org/internal/library"
)

type Store struct {
	mu sync.Mutex

	accounts map[string]auth.Account
	handles  map[string]string
	emails   map[string]string
	roles    map[string][]auth.RoleGrant
	creds    map[string]auth.Credential
	digests  map[string]string

	articles  map[string]library.Article
	slugs     map[string]string
	revisions map[string][]library.Revision

	idem *Idempotency
}

func New() *Store {
	return &Store{
		accounts:  make(map[string]auth.Account),
		handles:   make(map[string]string),
		emails:    make(map[string]string),
		roles:     make(map[string][]auth.RoleGrant),
		creds:     make(map[string]auth.Credential),
		digests:   make(map[string]string),
		articles:  make(map[string]library.Article),
		slugs:     make(map[string]string),
		revisions: make(map[string][]library.Revision),
		idem:      NewIdempotency(),
	}
}

// Idempotency returns the idempotency record store sharing this store's lifetime.
func (s *Store) Idempotency() *Idempotency { return s.idem }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// --- accounts ---

func (s *Store) Register(_ context.Context, acc *auth.Account, grants []auth.RoleGrant, cred *auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(acc.Email)
	if _, ok := s.handles[acc.Handle]; ok {
		return auth.ErrAlreadyExists
	}
	if _, ok := s.emails[email]; ok {
		return auth.ErrAlreadyExists
	}
	if _, ok := s.digests[cred.Digest]; ok {
		return auth.ErrAlreadyExists
	}
	s.accounts[acc.ID] = *acc
	s.handles[acc.Handle] = acc.ID
	s.emails[email] = acc.ID
	s.roles[acc.ID] = append([]auth.RoleGrant(nil), grants...)
	s.putCredential(*cred)
	return nil
}

func (s *Store) FindAccount(_ context.Context, id string) (auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return auth.Account{}, auth.ErrNotFound
	}
	return acc, nil
}

func (s *Store) FindAccountByHandle(_ context.Context, handle string) (auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.handles[handle]
	if !ok {
		return auth.Account{}, auth.ErrNotFound
	}
	return s.accounts[id], nil
}

func (s *Store) FindAccountByLogin(_ context.Context, identifier string) (auth.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.handles[identifier]; ok {
		return s.accounts[id], nil
	}
	if id, ok := s.emails[strings.ToLower(identifier)]; ok {
		return s.accounts[id], nil
	}
	return auth.Account{}, auth.ErrNotFound
}

func (s *Store) UpdateLoginState(_ context.Context, accountID string, fn auth.LoginStateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return auth.ErrNotFound
	}
	fnErr := fn(&acc)
	stored := s.accounts[accountID]
	stored.FailedCount = acc.FailedCount
	stored.LastFailedAt = acc.LastFailedAt
	stored.LockedUntil = acc.LockedUntil
	stored.LastSuccessAt = acc.LastSuccessAt
	s.accounts[accountID] = stored
	return fnErr
}

// --- roles ---

func (s *Store) Roles(_ context.Context, accountID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grants := s.roles[accountID]
	out := make([]string, 0, len(grants))
	for _, g := range grants {
		out = append(out, g.Role)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) ReplaceRoles(_ context.Context, accountID string, grants []auth.RoleGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return auth.ErrNotFound
	}
	s.roles[accountID] = append([]auth.RoleGrant(nil), grants...)
	return nil
}

// --- credentials ---

func (s *Store) putCredential(c auth.Credential) {
	c.Scopes = append([]string(nil), c.Scopes...)
	s.creds[c.ID] = c
	s.digests[c.Digest] = c.ID
}

func (s *Store) CreateCredential(_ context.Context, cred *auth.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[cred.AccountID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.digests[cred.Digest]; ok {
		return auth.ErrAlreadyExists
	}
	s.putCredential(*cred)
	return nil
}

func (s *Store) FindCredentialByDigest(_ context.Context, digest string) (auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.digests[digest]
	if !ok {
		return auth.Credential{}, auth.ErrNotFound
	}
	c := s.creds[id]
	if c.RevokedAt != nil {
		return auth.Credential{}, auth.ErrNotFound
	}
	c.Scopes = append([]string(nil), c.Scopes...)
	return c, nil
}

func (s *Store) ListCredentials(_ context.Context, accountID string) ([]auth.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.Credential
	for _, c := range s.creds {
		if c.AccountID != accountID || c.RevokedAt != nil {
			continue
		}
		c.Scopes = append([]string(nil), c.Scopes...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) RevokeCredential(_ context.Context, accountID, credentialID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credentialID]
	if !ok || c.AccountID != accountID || c.RevokedAt != nil {
		return auth.ErrNotFound
	}
	c.RevokedAt = &at
	s.creds[credentialID] = c
	return nil
}

func (s *Store) RevokeAllCredentials(_ context.Context, accountID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.creds {
		if c.AccountID != accountID || c.RevokedAt != nil {
			continue
		}
		revokedAt := at
		c.RevokedAt = &revokedAt
		s.creds[id] = c
		n++
	}
	return n, nil
}

func (s *Store) TouchCredential(_ context.Context, credentialID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[credentialID]
	if !ok {
		return auth.ErrNotFound
	}
	c.LastUsedAt = &at
	s.creds[credentialID] = c
	return nil
}

// --- articles ---

func (s *Store) CreateArticle(_ context.Context, a *library.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.slugs[a.Slug]; ok {
		return library.ErrSlugTaken
	}
	s.articles[a.ID] = *a
	s.slugs[a.Slug] = a.ID
	return nil
}

func (s *Store) ArticleBySlug(_ context.Context, slug string) (library.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.slugs[slug]
	if !ok {
		return library.Article{}, library.ErrNotFound
	}
	return s.articles[id], nil
}

func (s *Store) ListArticles(_ context.Context, page library.Page) ([]library.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]library.Article, 0, len(s.articles))
	for _, a := range s.articles {
		if page.Before != nil && !a.UpdatedAt.Before(*page.Before) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out, nil
}

func (s *Store) ArticlesBySlugs(_ context.Context, slugs []string) ([]library.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]library.Article, 0, len(slugs))
	seen := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		id, ok := s.slugs[slug]
		if !ok || seen[slug] {
			continue
		}
		seen[slug] = true
		out = append(out, s.articles[id])
	}
	return out, nil
}

func (s *Store) SearchArticles(ctx context.Context, query string, limit int) ([]library.Article, error) {
	all, err := s.ListArticles(ctx, library.Page{})
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(query)
	var out []library.Article
	for _, a := range all {
		if !strings.Contains(strings.ToLower(a.Title), needle) && !strings.Contains(strings.ToLower(a.Content), needle) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MutateArticle(_ context.Context, id string, fn library.MutateFunc) (library.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.articles[id]
	if !ok {
		return library.Article{}, library.ErrNotFound
	}
	next, rev, err := fn(cur)
	if err != nil {
		return library.Article{}, err
	}
	s.revisions[id] = append(s.revisions[id], rev)
	s.articles[id] = next
	return next, nil
}

func (s *Store) DeleteArticle(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.articles[id]
	if !ok {
		return library.ErrNotFound
	}
	delete(s.articles, id)
	delete(s.slugs, a.Slug)
	delete(s.revisions, id)
	return nil
}

func (s *Store) ListRevisions(_ context.Context, articleID string) ([]library.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revs := append([]library.Revision(nil), s.revisions[articleID]...)
	sort.Slice(revs, func(i, j int) bool { return revs[i].Version > revs[j].Version })
	return revs, nil
}

func (s *Store) Revision(_ context.Context, articleID string, version int) (library.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.revisions[articleID] {
		if r.Version == version {
			return r, nil
		}
	}
	return library.Revision{}, library.ErrNotFound
}
