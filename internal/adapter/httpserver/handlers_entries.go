package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mindatlas/mindatlas/internal/domain"
)

type entryRequest struct {
	Title    string     `json:"title" validate:"required,max=500"`
	Summary  string     `json:"summary" validate:"max=5000"`
	Content  string     `json:"content" validate:"max=200000"`
	TypeID   string     `json:"type_id" validate:"required"`
	TimeMode string     `json:"time_mode"`
	TimeAt   *time.Time `json:"time_at"`
	TimeFrom *time.Time `json:"time_from"`
	TimeTo   *time.Time `json:"time_to"`
	TagIDs   []string   `json:"tag_ids"`
}

func (req entryRequest) toEntry(id string) domain.Entry {
	mode := domain.TimeMode(req.TimeMode)
	if req.TimeMode == "" {
		mode = domain.TimeModeNone
	}
	return domain.Entry{
		ID:       id,
		Title:    req.Title,
		Summary:  req.Summary,
		Content:  req.Content,
		TypeID:   req.TypeID,
		TimeMode: mode,
		TimeAt:   req.TimeAt,
		TimeFrom: req.TimeFrom,
		TimeTo:   req.TimeTo,
	}
}

// CreateEntryHandler creates an entry and assigns its tag set in one request.
func (s *Server) CreateEntryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entryRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		ctx := r.Context()
		e, err := s.Entries.Create(ctx, req.toEntry(""))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if len(req.TagIDs) > 0 {
			if err := s.Entries.SetTags(ctx, e.ID, req.TagIDs); err != nil {
				writeError(w, r, err, nil)
				return
			}
			if e, err = s.Entries.Get(ctx, e.ID); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		writeData(w, http.StatusCreated, toEntryDTO(e))
	}
}

func (s *Server) GetEntryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		e, err := s.Entries.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toEntryDTO(e))
	}
}

// ListEntriesHandler supports type_id, tag_id and search filters with
// limit/offset pagination. The service clamps the limit.
func (s *Server) ListEntriesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := domain.EntryFilter{
			TypeID: q.Get("type_id"),
			TagID:  q.Get("tag_id"),
			Search: q.Get("search"),
			Limit:  queryInt(r, "limit", 0),
			Offset: queryInt(r, "offset", 0),
		}
		entries, total, err := s.Entries.List(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]entryDTO, 0, len(entries))
		for _, e := range entries {
			items = append(items, toEntryDTO(e))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: total})
	}
}

func (s *Server) UpdateEntryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		var req entryRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		ctx := r.Context()
		e, err := s.Entries.Update(ctx, req.toEntry(id))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if req.TagIDs != nil {
			if err := s.Entries.SetTags(ctx, id, req.TagIDs); err != nil {
				writeError(w, r, err, nil)
				return
			}
			if e, err = s.Entries.Get(ctx, id); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		writeData(w, http.StatusOK, toEntryDTO(e))
	}
}

// DeleteEntryHandler removes the entry; attachments, relations and the
// knowledge-graph documents cascade behind it.
func (s *Server) DeleteEntryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if err := s.Entries.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"id": id})
	}
}

// SetEntryTagsHandler replaces the entry's tag set.
func (s *Server) SetEntryTagsHandler() http.HandlerFunc {
	type tagsRequest struct {
		TagIDs []string `json:"tag_ids" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		var req tagsRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		ctx := r.Context()
		if err := s.Entries.SetTags(ctx, id, req.TagIDs); err != nil {
			writeError(w, r, err, nil)
			return
		}
		e, err := s.Entries.Get(ctx, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toEntryDTO(e))
	}
}

// ListEntryRelationsHandler returns the edges touching the entry, in either
// direction.
func (s *Server) ListEntryRelationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		rels, err := s.Relations.ListByEntry(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]relationDTO, 0, len(rels))
		for _, rel := range rels {
			items = append(items, toRelationDTO(rel))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: len(items)})
	}
}
