package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mindatlas/mindatlas/internal/domain"
)

// Tags

type tagRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Color       string `json:"color" validate:"max=32"`
	Description string `json:"description" validate:"max=500"`
}

func (s *Server) CreateTagHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tagRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		t, err := s.Taxonomy.CreateTag(r.Context(), domain.Tag{Name: req.Name, Color: req.Color, Description: req.Description})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusCreated, toTagDTO(t))
	}
}

func (s *Server) ListTagsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tags, err := s.Taxonomy.ListTags(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]tagDTO, 0, len(tags))
		for _, t := range tags {
			items = append(items, toTagDTO(t))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: len(items)})
	}
}

func (s *Server) UpdateTagHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		var req tagRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		t, err := s.Taxonomy.UpdateTag(r.Context(), domain.Tag{ID: id, Name: req.Name, Color: req.Color, Description: req.Description})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toTagDTO(t))
	}
}

func (s *Server) DeleteTagHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if err := s.Taxonomy.DeleteTag(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"id": id})
	}
}

// Entry types

type entryTypeRequest struct {
	Code         string `json:"code" validate:"required,max=64"`
	Name         string `json:"name" validate:"required,max=100"`
	Color        string `json:"color" validate:"max=32"`
	Icon         string `json:"icon" validate:"max=64"`
	GraphEnabled bool   `json:"graph_enabled"`
	AIEnabled    bool   `json:"ai_enabled"`
	Enabled      bool   `json:"enabled"`
}

func (req entryTypeRequest) toType(id string) domain.EntryType {
	return domain.EntryType{
		ID: id, Code: req.Code, Name: req.Name, Color: req.Color, Icon: req.Icon,
		GraphEnabled: req.GraphEnabled, AIEnabled: req.AIEnabled, Enabled: req.Enabled,
	}
}

func (s *Server) CreateEntryTypeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entryTypeRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		t, err := s.Taxonomy.CreateType(r.Context(), req.toType(""))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusCreated, toEntryTypeDTO(t))
	}
}

func (s *Server) ListEntryTypesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		types, err := s.Taxonomy.ListTypes(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]entryTypeDTO, 0, len(types))
		for _, t := range types {
			items = append(items, toEntryTypeDTO(t))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: len(items)})
	}
}

func (s *Server) UpdateEntryTypeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		var req entryTypeRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		t, err := s.Taxonomy.UpdateType(r.Context(), req.toType(id))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toEntryTypeDTO(t))
	}
}

func (s *Server) DeleteEntryTypeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if err := s.Taxonomy.DeleteType(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"id": id})
	}
}

// Relation types

type relationTypeRequest struct {
	Code     string `json:"code" validate:"required,max=64"`
	Name     string `json:"name" validate:"required,max=100"`
	Directed bool   `json:"directed"`
	Enabled  bool   `json:"enabled"`
}

func (s *Server) CreateRelationTypeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req relationTypeRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		t, err := s.Taxonomy.CreateRelationType(r.Context(), domain.RelationType{
			Code: req.Code, Name: req.Name, Directed: req.Directed, Enabled: req.Enabled,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusCreated, toRelationTypeDTO(t))
	}
}

func (s *Server) ListRelationTypesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		types, err := s.Taxonomy.ListRelationTypes(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]relationTypeDTO, 0, len(types))
		for _, t := range types {
			items = append(items, toRelationTypeDTO(t))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: len(items)})
	}
}

func (s *Server) UpdateRelationTypeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		var req relationTypeRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		t, err := s.Taxonomy.UpdateRelationType(r.Context(), domain.RelationType{
			ID: id, Code: req.Code, Name: req.Name, Directed: req.Directed, Enabled: req.Enabled,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toRelationTypeDTO(t))
	}
}

func (s *Server) DeleteRelationTypeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if err := s.Taxonomy.DeleteRelationType(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"id": id})
	}
}

// Relations

type relationRequest struct {
	SourceEntryID string `json:"source_entry_id" validate:"required"`
	TargetEntryID string `json:"target_entry_id" validate:"required"`
	TypeID        string `json:"type_id" validate:"required"`
	Note          string `json:"note" validate:"max=1000"`
}

func (s *Server) CreateRelationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req relationRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		rel, err := s.Relations.Create(r.Context(), domain.EntryRelation{
			SourceEntryID: req.SourceEntryID,
			TargetEntryID: req.TargetEntryID,
			TypeID:        req.TypeID,
			Note:          req.Note,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusCreated, toRelationDTO(rel))
	}
}

func (s *Server) DeleteRelationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if err := s.Relations.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"id": id})
	}
}
