// Package app wires configuration, adapters and services into runnable
// processes: the HTTP router for cmd/server and the background schedulers.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/mindatlas/mindatlas/internal/adapter/httpserver"
	"github.com/mindatlas/mindatlas/internal/adapter/observability"
	"github.com/mindatlas/mindatlas/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. Empty input means allow all.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// SharedLimiter is the cross-replica quota check applied to mutating routes
// when Redis is configured. Nil disables the shared layer; the per-process
// httprate limit still applies.
type SharedLimiter func(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, shared SharedLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating and expensive routes sit behind the rate limits and a request
	// timeout. Chat and attachment transfers stream, so they get the write
	// timeout budget instead of the default handler deadline.
	limited := func(gr chi.Router) {
		gr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		if shared != nil {
			gr.Use(httpserver.SharedRateLimit(shared))
		}
	}

	r.Group(func(gr chi.Router) {
		limited(gr)
		gr.Use(httpserver.TimeoutMiddleware(30 * time.Second))

		gr.Post("/v1/entries", srv.CreateEntryHandler())
		gr.Put("/v1/entries/{id}", srv.UpdateEntryHandler())
		gr.Delete("/v1/entries/{id}", srv.DeleteEntryHandler())
		gr.Put("/v1/entries/{id}/tags", srv.SetEntryTagsHandler())
		gr.Delete("/v1/attachments/{id}", srv.DeleteAttachmentHandler())

		gr.Post("/v1/tags", srv.CreateTagHandler())
		gr.Put("/v1/tags/{id}", srv.UpdateTagHandler())
		gr.Delete("/v1/tags/{id}", srv.DeleteTagHandler())
		gr.Post("/v1/entry-types", srv.CreateEntryTypeHandler())
		gr.Put("/v1/entry-types/{id}", srv.UpdateEntryTypeHandler())
		gr.Delete("/v1/entry-types/{id}", srv.DeleteEntryTypeHandler())
		gr.Post("/v1/relation-types", srv.CreateRelationTypeHandler())
		gr.Put("/v1/relation-types/{id}", srv.UpdateRelationTypeHandler())
		gr.Delete("/v1/relation-types/{id}", srv.DeleteRelationTypeHandler())
		gr.Post("/v1/relations", srv.CreateRelationHandler())
		gr.Delete("/v1/relations/{id}", srv.DeleteRelationHandler())

		gr.Post("/v1/conversations", srv.CreateConversationHandler())
		gr.Delete("/v1/conversations/{id}", srv.DeleteConversationHandler())

		gr.Post("/v1/retrieval/query", srv.QueryHandler())
		gr.Post("/v1/retrieval/recall", srv.RecallHandler())
		gr.Post("/v1/retrieval/context", srv.ContextHandler())

		gr.Post("/v1/admin/skills", srv.CreateSkillHandler())
		gr.Put("/v1/admin/skills/{id}", srv.UpdateSkillHandler())
		gr.Delete("/v1/admin/skills/{id}", srv.DeleteSkillHandler())
		gr.Post("/v1/admin/tools", srv.CreateToolHandler())
		gr.Put("/v1/admin/tools/{id}", srv.UpdateToolHandler())
		gr.Delete("/v1/admin/tools/{id}", srv.DeleteToolHandler())
		gr.Post("/v1/admin/credentials", srv.CreateCredentialHandler())
		gr.Put("/v1/admin/credentials/{id}", srv.UpdateCredentialHandler())
		gr.Delete("/v1/admin/credentials/{id}", srv.DeleteCredentialHandler())
		gr.Post("/v1/admin/credentials/{id}/models", srv.CreateModelHandler())
		gr.Delete("/v1/admin/models/{id}", srv.DeleteModelHandler())
		gr.Put("/v1/admin/bindings", srv.SetBindingHandler())
	})

	// Streaming routes: rate limited, no TimeoutHandler (it buffers writes);
	// the server's write timeout bounds them.
	r.Group(func(gr chi.Router) {
		limited(gr)
		gr.Post("/v1/chat", srv.ChatHandler())
		gr.Post("/v1/entries/{id}/attachments", srv.UploadAttachmentHandler())
	})

	// Read-only routes.
	r.Group(func(gr chi.Router) {
		gr.Use(httpserver.TimeoutMiddleware(30 * time.Second))

		gr.Get("/v1/entries", srv.ListEntriesHandler())
		gr.Get("/v1/entries/{id}", srv.GetEntryHandler())
		gr.Get("/v1/entries/{id}/relations", srv.ListEntryRelationsHandler())
		gr.Get("/v1/entries/{id}/attachments", srv.ListAttachmentsHandler())
		gr.Get("/v1/entries/{id}/recommendations", srv.RecommendRelationsHandler())
		gr.Get("/v1/attachments/{id}", srv.GetAttachmentHandler())
		gr.Get("/v1/tags", srv.ListTagsHandler())
		gr.Get("/v1/entry-types", srv.ListEntryTypesHandler())
		gr.Get("/v1/relation-types", srv.ListRelationTypesHandler())
		gr.Get("/v1/conversations", srv.ListConversationsHandler())
		gr.Get("/v1/conversations/{id}", srv.GetConversationHandler())
		gr.Get("/v1/conversations/{id}/messages", srv.ListMessagesHandler())
		gr.Get("/v1/graph", srv.GraphDataHandler())
		gr.Get("/v1/admin/skills", srv.ListSkillsHandler())
		gr.Get("/v1/admin/skills/{id}", srv.GetSkillHandler())
		gr.Get("/v1/admin/tools", srv.ListToolsHandler())
		gr.Get("/v1/admin/tools/{id}", srv.GetToolHandler())
		gr.Get("/v1/admin/credentials", srv.ListCredentialsHandler())
		gr.Get("/v1/admin/models", srv.ListModelsHandler())
		gr.Get("/v1/admin/bindings", srv.ListBindingsHandler())
	})

	// Attachment download streams; no TimeoutHandler for the same reason.
	r.Get("/v1/attachments/{id}/download", srv.DownloadAttachmentHandler())

	// Health and metrics.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
