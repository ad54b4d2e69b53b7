package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"thirdspace.org/internal/audit"
	"thirdspace.org/internal/library"
)

const snippetLen = 200

func (a *API) routeLibrary() {
	read := func(h http.HandlerFunc) http.Handler { return a.withAuth(h) }
	write := func(h http.HandlerFunc) http.Handler { return a.withAuth(a.idempotent(h)) }

	a.mux.Handle("GET /api/v1/library/articles", read(a.handleListArticles))
	a.mux.Handle("POST /api/v1/library/articles", write(a.handleCreateArticle))
	a.mux.Handle("POST /api/v1/library/articles/batch-read", read(a.handleBatchRead))
	a.mux.Handle("GET /api/v1/library/articles/{slug}", read(a.handleGetArticle))
	a.mux.Handle("PATCH /api/v1/library/articles/{slug}", write(a.handleUpdateArticle))
	a.mux.Handle("DELETE /api/v1/library/articles/{slug}", write(a.handleDeleteArticle))
	a.mux.Handle("GET /api/v1/library/articles/{slug}/revisions", read(a.handleListRevisions))
	a.mux.Handle("GET /api/v1/library/articles/{slug}/revisions/{version}", read(a.handleGetRevision))
	a.mux.Handle("GET /api/v1/library/search", read(a.handleSearch))
}

type articleResponse struct {
	ID             string    `json:"id"`
	Slug           string    `json:"slug"`
	Title          string    `json:"title"`
	ContentMD      string    `json:"content_md"`
	AuthorID       string    `json:"author_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CurrentVersion int       `json:"current_version"`
	ByteSize       int       `json:"byte_size"`
	TokenCountEst  int       `json:"token_count_est"`
}

func toArticleResponse(art library.Article) articleResponse {
	return articleResponse{
		ID:             art.ID,
		Slug:           art.Slug,
		Title:          art.Title,
		ContentMD:      art.Content,
		AuthorID:       art.AuthorID,
		CreatedAt:      art.CreatedAt,
		UpdatedAt:      art.UpdatedAt,
		CurrentVersion: art.Version,
		ByteSize:       art.ByteSize(),
		TokenCountEst:  art.TokenCountEstimate(),
	}
}

type articleListItem struct {
	Slug           string    `json:"slug"`
	Title          string    `json:"title"`
	AuthorID       string    `json:"author_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CurrentVersion int       `json:"current_version"`
	ByteSize       int       `json:"byte_size"`
	TokenCountEst  int       `json:"token_count_est"`
}

type listArticlesResponse struct {
	Items      []articleListItem `json:"items"`
	NextCursor *string           `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

// writeArticle answers with the article and its version as a strong ETag.
func writeArticle(w http.ResponseWriter, status int, art library.Article) {
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(art.Version)))
	writeJSON(w, status, toArticleResponse(art))
}

func (a *API) handleListArticles(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	page := library.Page{Limit: limit}
	// An unparseable cursor lists from the top.
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			page.Before = &ts
		}
	}
	items, hasMore, err := a.deps.Library.List(r.Context(), page)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := listArticlesResponse{Items: make([]articleListItem, 0, len(items)), HasMore: hasMore}
	for _, art := range items {
		resp.Items = append(resp.Items, articleListItem{
			Slug:           art.Slug,
			Title:          art.Title,
			AuthorID:       art.AuthorID,
			CreatedAt:      art.CreatedAt,
			UpdatedAt:      art.UpdatedAt,
			CurrentVersion: art.Version,
			ByteSize:       art.ByteSize(),
			TokenCountEst:  art.TokenCountEstimate(),
		})
	}
	if hasMore && len(items) > 0 {
		next := items[len(items)-1].UpdatedAt.UTC().Format(time.RFC3339Nano)
		resp.NextCursor = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

type createArticleRequest struct {
	Title     string `json:"title"`
	ContentMD string `json:"content_md"`
	Slug      string `json:"slug"`
}

func (a *API) handleCreateArticle(w http.ResponseWriter, r *http.Request) {
	var req createArticleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	art, err := a.deps.Library.Create(r.Context(), principalFrom(r.Context()), library.NewArticle{
		Slug:    req.Slug,
		Title:   req.Title,
		Content: req.ContentMD,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeArticle(w, http.StatusCreated, art)
}

func (a *API) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	art, err := a.deps.Library.Get(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeArticle(w, http.StatusOK, art)
}

type updateArticleRequest struct {
	Title       *string `json:"title"`
	ContentMD   *string `json:"content_md"`
	EditSummary *string `json:"edit_summary"`
}

func (a *API) handleUpdateArticle(w http.ResponseWriter, r *http.Request) {
	expected, ok := ifMatchVersion(w, r)
	if !ok {
		return
	}
	var req updateArticleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	patch := library.Patch{Title: req.Title, Content: req.ContentMD}
	if req.EditSummary != nil {
		patch.Summary = *req.EditSummary
	}
	art, err := a.deps.Library.Update(r.Context(), principalFrom(r.Context()), r.PathValue("slug"), expected, patch)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeArticle(w, http.StatusOK, art)
}

// ifMatchVersion reads the expected version from If-Match. A missing header yields
// nil so the service can answer 428; a value that is not an integer is a 400.
func ifMatchVersion(w http.ResponseWriter, r *http.Request) (*int, bool) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" {
		return nil, true
	}
	raw = strings.Trim(strings.TrimPrefix(raw, "W/"), `"`)
	v, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "If-Match must be an integer version number", nil)
		return nil, false
	}
	return &v, true
}

func (a *API) handleDeleteArticle(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if err := a.deps.Library.Delete(r.Context(), principalFrom(r.Context()), slug); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "library.article.deleted", map[string]any{"slug": slug})
	w.WriteHeader(http.StatusNoContent)
}

type searchItem struct {
	Slug          string `json:"slug"`
	Title         string `json:"title"`
	Snippet       string `json:"snippet"`
	ByteSize      int    `json:"byte_size"`
	TokenCountEst int    `json:"token_count_est"`
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	found, err := a.deps.Library.Search(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	items := make([]searchItem, 0, len(found))
	for _, art := range found {
		items = append(items, searchItem{
			Slug:          art.Slug,
			Title:         art.Title,
			Snippet:       snippet(art.Content),
			ByteSize:      art.ByteSize(),
			TokenCountEst: art.TokenCountEstimate(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total_count": len(items)})
}

func snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= snippetLen {
		return content
	}
	return string(runes[:snippetLen]) + "..."
}

type batchReadRequest struct {
	Slugs []string `json:"slugs"`
}

func (a *API) handleBatchRead(w http.ResponseWriter, r *http.Request) {
	var req batchReadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	found, missing, err := a.deps.Library.BatchRead(r.Context(), req.Slugs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	items := make([]articleResponse, 0, len(found))
	for _, art := range found {
		items = append(items, toArticleResponse(art))
	}
	if missing == nil {
		missing = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "missing": missing})
}

type revisionListItem struct {
	Version     int       `json:"version"`
	Title       string    `json:"title"`
	EditorID    string    `json:"editor_id"`
	EditSummary string    `json:"edit_summary"`
	CreatedAt   time.Time `json:"created_at"`
	ByteSize    int       `json:"byte_size"`
}

func (a *API) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	art, revs, err := a.deps.Library.Revisions(r.Context(), r.PathValue("slug"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	items := make([]revisionListItem, 0, len(revs))
	for _, rev := range revs {
		items = append(items, revisionListItem{
			Version:     rev.Version,
			Title:       rev.Title,
			EditorID:    rev.EditorID,
			EditSummary: rev.Summary,
			CreatedAt:   rev.CreatedAt,
			ByteSize:    len(rev.Content),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":           items,
		"article_slug":    art.Slug,
		"current_version": art.Version,
	})
}

type revisionResponse struct {
	ID          string    `json:"id"`
	ArticleID   string    `json:"article_id"`
	Version     int       `json:"version"`
	Title       string    `json:"title"`
	ContentMD   string    `json:"content_md"`
	EditorID    string    `json:"editor_id"`
	EditSummary string    `json:"edit_summary"`
	CreatedAt   time.Time `json:"created_at"`
}

func (a *API) handleGetRevision(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil || version < 1 {
		writeError(w, r, http.StatusNotFound, codeNotFound, "revision not found", nil)
		return
	}
	rev, err := a.deps.Library.Revision(r.Context(), r.PathValue("slug"), version)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revisionResponse{
		ID:          rev.ID,
		ArticleID:   rev.ArticleID,
		Version:     rev.Version,
		Title:       rev.Title,
		ContentMD:   rev.Content,
		EditorID:    rev.EditorID,
		EditSummary: rev.Summary,
		CreatedAt:   rev.CreatedAt,
	})
}

// queryLimit parses ?limit, which must be 1-100 when present. Zero means the service default.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > library.MaxPageSize {
		writeError(w, r, http.StatusUnprocessableEntity, codeValidation, "limit must be an integer between 1 and 100", nil)
		return 0, false
	}
	return n, true
}
