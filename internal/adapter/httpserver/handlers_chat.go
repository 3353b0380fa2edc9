package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mindatlas/mindatlas/internal/usecase"
)

func (s *Server) CreateConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.Conversations.Create(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusCreated, toConversationDTO(c))
	}
}

func (s *Server) ListConversationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convs, total, err := s.Conversations.List(r.Context(), queryInt(r, "limit", 0), queryInt(r, "offset", 0))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]conversationDTO, 0, len(convs))
		for _, c := range convs {
			items = append(items, toConversationDTO(c))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: total})
	}
}

func (s *Server) GetConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		c, err := s.Conversations.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, toConversationDTO(c))
	}
}

func (s *Server) DeleteConversationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		if err := s.Conversations.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]string{"id": id})
	}
}

// ListMessagesHandler returns the transcript with tool/skill/analysis replay
// arrays.
func (s *Server) ListMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, chi.URLParam(r, "id"), "id")
		if !ok {
			return
		}
		msgs, err := s.Conversations.Messages(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items := make([]messageDTO, 0, len(msgs))
		for _, m := range msgs {
			items = append(items, toMessageDTO(m))
		}
		writeData(w, http.StatusOK, listPage{Items: items, Total: len(items)})
	}
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content" validate:"required,max=32000"`
}

// ChatHandler runs one assistant turn over SSE. The request body is plain
// JSON; the response switches to an event stream once the turn produces its
// first event. Failures before that point return a normal JSON error.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !decodeJSON(w, r, maxJSONBody, &req) {
			return
		}
		em, err := newSSEWriter(w)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out, err := s.Chat.Respond(r.Context(), usecase.ChatInput{
			ConversationID: req.ConversationID,
			Content:        req.Content,
		}, em)
		if err != nil {
			if !em.Started() {
				writeError(w, r, err, nil)
				return
			}
			// The stream is already live; the client saw error/message_end
			// frames or disconnected mid-turn.
			LoggerFrom(r).Warn("chat stream aborted", "error", err)
			return
		}
		LoggerFrom(r).Info("chat turn finished",
			"conversation_id", out.ConversationID,
			"finish_reason", out.FinishReason)
	}
}
