package usecase

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/mindatlas/mindatlas/internal/domain"
	"github.com/mindatlas/mindatlas/internal/service/skill"
	"github.com/mindatlas/mindatlas/pkg/textx"
)

// ConversationService owns the conversation resource.
type ConversationService struct {
	Conversations domain.ConversationRepository
}

// NewConversationService constructs a ConversationService.
func NewConversationService(c domain.ConversationRepository) ConversationService {
	return ConversationService{Conversations: c}
}

// Create opens an empty conversation. The title stays empty until the first
// finished message triggers auto-titling.
func (s ConversationService) Create(ctx domain.Context) (domain.Conversation, error) {
	return s.Conversations.Create(ctx, domain.Conversation{})
}

// Get returns one conversation.
func (s ConversationService) Get(ctx domain.Context, id string) (domain.Conversation, error) {
	if id == "" {
		return domain.Conversation{}, fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Conversations.Get(ctx, id)
}

// List returns conversations newest-first.
func (s ConversationService) List(ctx domain.Context, limit, offset int) ([]domain.Conversation, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.Conversations.List(ctx, limit, offset)
}

// Delete removes a conversation and its messages.
func (s ConversationService) Delete(ctx domain.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id required", domain.ErrInvalidArgument)
	}
	return s.Conversations.Delete(ctx, id)
}

// Messages returns the full transcript with replay arrays.
func (s ConversationService) Messages(ctx domain.Context, conversationID string) ([]domain.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation id required", domain.ErrInvalidArgument)
	}
	if _, err := s.Conversations.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.Conversations.ListMessages(ctx, conversationID)
}

// maxTitleRunes caps auto-generated conversation titles.
const maxTitleRunes = 50

// ChatService runs one assistant turn: route the utterance to a skill,
// execute it while streaming events, persist both sides of the exchange,
// and auto-title new conversations.
type ChatService struct {
	Conversations domain.ConversationRepository
	Router        *skill.Router
	Executor      *skill.Executor
	LLM           domain.LLMClient
	HistoryLimit  int
}

// NewChatService constructs a ChatService with its dependencies.
func NewChatService(c domain.ConversationRepository, r *skill.Router, e *skill.Executor, llm domain.LLMClient) ChatService {
	return ChatService{Conversations: c, Router: r, Executor: e, LLM: llm, HistoryLimit: 10}
}

// ChatInput is one user turn. ConversationID empty means start a new one.
type ChatInput struct {
	ConversationID string
	Content        string
}

// ChatOutput reports where the turn landed.
type ChatOutput struct {
	ConversationID string
	MessageID      string
	FinishReason   string
}

// Respond executes one chat turn against em. The turn is never rolled back:
// a failure after tools committed emits error + message_end{error} and keeps
// every database write made so far. The returned error covers only cases
// where no stream could be established (bad conversation, persist failure).
func (s ChatService) Respond(ctx domain.Context, in ChatInput, em skill.Emitter) (ChatOutput, error) {
	content := textx.SanitizeText(in.Content)
	if content == "" {
		return ChatOutput{}, fmt.Errorf("%w: content required", domain.ErrInvalidArgument)
	}

	conv, fresh, err := s.resolveConversation(ctx, in.ConversationID)
	if err != nil {
		return ChatOutput{}, err
	}

	history, err := s.Conversations.ListMessages(ctx, conv.ID)
	if err != nil {
		return ChatOutput{}, err
	}

	userMsg, err := s.Conversations.AppendMessage(ctx, domain.Message{
		ConversationID: conv.ID,
		Role:           domain.RoleUser,
		Content:        content,
	})
	if err != nil {
		return ChatOutput{}, err
	}

	if err := em.Emit(skill.EventMessageStart, skill.MessageStartPayload{
		ConversationID: conv.ID,
		MessageID:      userMsg.ID,
	}); err != nil {
		return ChatOutput{}, err
	}

	sk := s.Router.Route(ctx, content)
	res, execErr := s.Executor.Execute(ctx, sk, skill.Input{
		UserInput: content,
		History:   s.trimHistory(history),
	}, em)

	skillCall := domain.SkillCallRecord{SkillName: sk.Name, Mode: sk.Mode}
	finish := skill.FinishStop
	if execErr != nil {
		skillCall.Error = execErr.Error()
		finish = skill.FinishError
		_ = em.Emit(skill.EventError, skill.ErrorPayload{Message: execErr.Error()})
	}

	// Partial turns persist too: tools may have committed writes that the
	// transcript should explain on replay.
	var assistantID string
	if res.Content != "" || len(res.ToolCalls) > 0 || len(res.Analysis) > 0 || execErr == nil {
		m, perr := s.Conversations.AppendMessage(ctx, domain.Message{
			ConversationID: conv.ID,
			Role:           domain.RoleAssistant,
			Content:        res.Content,
			ToolCalls:      res.ToolCalls,
			SkillCalls:     []domain.SkillCallRecord{skillCall},
			Analysis:       res.Analysis,
		})
		if perr != nil {
			slog.Error("assistant message persist failed",
				slog.String("conversation_id", conv.ID), slog.Any("error", perr))
			if finish == skill.FinishStop {
				finish = skill.FinishError
				_ = em.Emit(skill.EventError, skill.ErrorPayload{Message: "failed to save reply"})
			}
		} else {
			assistantID = m.ID
		}
	}

	if finish == skill.FinishStop && fresh && conv.Title == "" {
		if title := s.generateTitle(ctx, content, res.Content); title != "" {
			if terr := s.Conversations.SetTitle(ctx, conv.ID, title); terr != nil {
				slog.Warn("auto-title persist failed",
					slog.String("conversation_id", conv.ID), slog.Any("error", terr))
			} else {
				_ = em.Emit(skill.EventTitleUpdated, skill.TitleUpdatedPayload{
					ConversationID: conv.ID, Title: title,
				})
			}
		}
	}

	_ = em.Emit(skill.EventMessageEnd, skill.MessageEndPayload{
		FinishReason: finish,
		MessageID:    assistantID,
	})
	return ChatOutput{ConversationID: conv.ID, MessageID: assistantID, FinishReason: finish}, nil
}

func (s ChatService) resolveConversation(ctx domain.Context, id string) (domain.Conversation, bool, error) {
	if id == "" {
		conv, err := s.Conversations.Create(ctx, domain.Conversation{})
		return conv, true, err
	}
	conv, err := s.Conversations.Get(ctx, id)
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return conv, conv.Title == "", nil
}

func (s ChatService) trimHistory(msgs []domain.Message) []domain.Message {
	limit := s.HistoryLimit
	if limit <= 0 {
		limit = 10
	}
	if len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}

// generateTitle asks for a short label. Failures are silent: a conversation
// without a title is fine, a broken stream is not.
func (s ChatService) generateTitle(ctx domain.Context, userInput, reply string) string {
	prompt := fmt.Sprintf("Write a title of at most 5 words for this conversation. Reply with the title only, no quotes.\n\nUser: %s\nAssistant: %s",
		textx.TruncateRunes(userInput, 400), textx.TruncateRunes(reply, 400))
	resp, err := s.LLM.Chat(ctx, domain.ChatRequest{
		Temperature: 0.2,
		Messages:    []domain.ChatMessage{{Role: domain.RoleUser, Content: prompt}},
	})
	if err != nil {
		slog.Debug("auto-title generation failed", slog.Any("error", err))
		return ""
	}
	title := strings.Trim(textx.CollapseSpaces(resp.Content), `"'`)
	return textx.TruncateRunes(title, maxTitleRunes)
}
