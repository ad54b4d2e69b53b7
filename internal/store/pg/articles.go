package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"thirdspace.org/internal/library"
)

const articleColumns = `id, slug, title, content, author_id, version, created_at, updated_at`

func scanArticle(row scanner) (library.Article, error) {
	var a library.Article
	err := row.Scan(&a.ID, &a.Slug, &a.Title, &a.Content, &a.AuthorID, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return library.Article{}, library.ErrNotFound
	}
	return a, err
}

func (s *Store) CreateArticle(ctx context.Context, a *library.Article) error {
	_, err := s.db.ExecContext(ctx, `
		insert into articles (`+articleColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.Slug, a.Title, a.Content, a.AuthorID, a.Version, a.CreatedAt, a.UpdatedAt)
	if isUniqueViolation(err) {
		return library.ErrSlugTaken
	}
	return err
}

func (s *Store) ArticleBySlug(ctx context.Context, slug string) (library.Article, error) {
	return scanArticle(s.db.QueryRowContext(ctx,
		`select `+articleColumns+` from articles where slug = $1`, slug))
}

func (s *Store) ListArticles(ctx context.Context, page library.Page) ([]library.Article, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if page.Before == nil {
		rows, err = s.db.QueryContext(ctx, `
			select `+articleColumns+`
			from articles
			order by updated_at desc, id desc
			limit $1
		`, page.Limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			select `+articleColumns+`
			from articles
			where updated_at < $1
			order by updated_at desc, id desc
			limit $2
		`, page.Before.UTC(), page.Limit)
	}
	if err != nil {
		return nil, err
	}
	return collectArticles(rows)
}

func (s *Store) ArticlesBySlugs(ctx context.Context, slugs []string) ([]library.Article, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+articleColumns+` from articles where slug = any($1)`, slugs)
	if err != nil {
		return nil, err
	}
	return collectArticles(rows)
}

func (s *Store) SearchArticles(ctx context.Context, query string, limit int) ([]library.Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+articleColumns+`
		from articles
		where title ilike $1 or content ilike $1
		order by updated_at desc, id desc
		limit $2
	`, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, err
	}
	return collectArticles(rows)
}

func collectArticles(rows *sql.Rows) ([]library.Article, error) {
	defer rows.Close()
	var res []library.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func (s *Store) MutateArticle(ctx context.Context, id string, fn library.MutateFunc) (library.Article, error) {
	var out library.Article
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		cur, err := scanArticle(tx.QueryRowContext(ctx,
			`select `+articleColumns+` from articles where id = $1 for update`, id))
		if err != nil {
			return err
		}
		next, rev, err := fn(cur)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into article_revisions (id, article_id, version, title, content, editor_id, summary, created_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rev.ID, rev.ArticleID, rev.Version, rev.Title, rev.Content, rev.EditorID, rev.Summary, rev.CreatedAt); err != nil {
			if isUniqueViolation(err) {
				return library.ErrVersionConflict
			}
			return err
		}
		res, err := tx.ExecContext(ctx, `
			update articles
			set title = $3, content = $4, version = $5, updated_at = $6
			where id = $1 and version = $2
		`, id, cur.Version, next.Title, next.Content, next.Version, next.UpdatedAt)
		if err != nil {
			return err
		}
		if err := requireAffected(res, library.ErrVersionConflict); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return library.Article{}, err
	}
	return out, nil
}

func (s *Store) DeleteArticle(ctx context.Context, id string) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from article_revisions where article_id = $1`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `delete from articles where id = $1`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, library.ErrNotFound)
	})
}

const revisionColumns = `id, article_id, version, title, content, editor_id, summary, created_at`

func scanRevision(row scanner) (library.Revision, error) {
	var r library.Revision
	err := row.Scan(&r.ID, &r.ArticleID, &r.Version, &r.Title, &r.Content, &r.EditorID, &r.Summary, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return library.Revision{}, library.ErrNotFound
	}
	return r, err
}

func (s *Store) ListRevisions(ctx context.Context, articleID string) ([]library.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+revisionColumns+`
		from article_revisions
		where article_id = $1
		order by version desc
	`, articleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []library.Revision
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *Store) Revision(ctx context.Context, articleID string, version int) (library.Revision, error) {
	return scanRevision(s.db.QueryRowContext(ctx,
		`select `+revisionColumns+` from article_revisions where article_id = $1 and version = $2`,
		articleID, version))
}
