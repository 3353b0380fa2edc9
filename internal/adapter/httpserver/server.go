package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/mindatlas/mindatlas/internal/config"
	"github.com/mindatlas/mindatlas/internal/service/retrieval"
	"github.com/mindatlas/mindatlas/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg           config.Config
	Entries       usecase.EntryService
	Taxonomy      usecase.TaxonomyService
	Relations     usecase.RelationService
	Attachments   usecase.AttachmentService
	Conversations usecase.ConversationService
	Chat          usecase.ChatService
	Retrieval     *retrieval.Service
	AiAdmin       usecase.AiAdminService
	SkillAdmin    usecase.SkillAdminService
	ToolAdmin     usecase.ToolAdminService

	DBCheck     func(ctx context.Context) error
	RedisCheck  func(ctx context.Context) error
	StoreCheck  func(ctx context.Context) error
	EngineCheck func(ctx context.Context) error
	AICheck     func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired. Readiness
// checks are attached separately via the exported fields.
func NewServer(cfg config.Config, entries usecase.EntryService, taxonomy usecase.TaxonomyService, relations usecase.RelationService, attachments usecase.AttachmentService, conversations usecase.ConversationService, chat usecase.ChatService, retr *retrieval.Service, aiAdmin usecase.AiAdminService, skillAdmin usecase.SkillAdminService, toolAdmin usecase.ToolAdminService) *Server {
	return &Server{
		Cfg:           cfg,
		Entries:       entries,
		Taxonomy:      taxonomy,
		Relations:     relations,
		Attachments:   attachments,
		Conversations: conversations,
		Chat:          chat,
		Retrieval:     retr,
		AiAdmin:       aiAdmin,
		SkillAdmin:    skillAdmin,
		ToolAdmin:     toolAdmin,
	}
}

// maxJSONBody caps JSON request bodies. Attachment uploads have their own
// limit from config.
const maxJSONBody = 1 << 20

// ReadyzHandler probes every hard dependency with a short deadline.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	probe := func(ctx context.Context, name string, fn func(ctx context.Context) error, out *[]check) {
		if fn == nil {
			return
		}
		if err := fn(ctx); err != nil {
			*out = append(*out, check{Name: name, OK: false, Details: err.Error()})
			return
		}
		*out = append(*out, check{Name: name, OK: true})
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 5)
		probe(ctx, "db", s.DBCheck, &checks)
		probe(ctx, "redis", s.RedisCheck, &checks)
		probe(ctx, "objstore", s.StoreCheck, &checks)
		probe(ctx, "kg_engine", s.EngineCheck, &checks)
		probe(ctx, "ai", s.AICheck, &checks)
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"ready": ok, "checks": checks})
	}
}
