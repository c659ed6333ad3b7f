package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/zhouzirui/dialog-relay/backend/internal/model/dialog"
)

// HistoryReader is the read side of the message store.
type HistoryReader interface {
	ListByDialog(ctx context.Context, dialogID uuid.UUID) ([]dialog.Turn, error)
}

// ContextBuilder turns stored dialog history plus the incoming message into
// the prompt sent to the model: one system message, every stored turn in
// order, then the new user message.
type ContextBuilder struct {
	history  HistoryReader
	system   string
	template prompt.ChatTemplate
}

// NewContextBuilder creates a builder that prepends systemPrompt to every
// context.
func NewContextBuilder(history HistoryReader, systemPrompt string) *ContextBuilder {
	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	return &ContextBuilder{
		history:  history,
		system:   systemPrompt,
		template: template,
	}
}

// Build reads the full history of dialogID and assembles the context. The
// incoming text must not be persisted yet; it is appended exactly once from
// memory. No truncation is applied.
func (b *ContextBuilder) Build(ctx context.Context, dialogID uuid.UUID, incoming string) ([]*schema.Message, error) {
	return b.build(ctx, dialogID, uuid.Nil, incoming)
}

// BuildFor assembles the context for a turn that has already been stored.
// The stored copy is skipped so the incoming text still appears once, as the
// final message.
func (b *ContextBuilder) BuildFor(ctx context.Context, incoming dialog.Turn) ([]*schema.Message, error) {
	return b.build(ctx, incoming.DialogID, incoming.ID, incoming.Text)
}

func (b *ContextBuilder) build(ctx context.Context, dialogID, skipID uuid.UUID, incoming string) ([]*schema.Message, error) {
	turns, err := b.history.ListByDialog(ctx, dialogID)
	if err != nil {
		return nil, err
	}

	messages, err := b.template.Format(ctx, map[string]any{
		"system":  b.system,
		"history": historyMessages(turns, skipID),
		"query":   incoming,
	})
	if err != nil {
		return nil, fmt.Errorf("format dialog context: %w", err)
	}
	return messages, nil
}

// RoleOf maps a participant onto a chat role. Only the human is "user";
// everything else speaks as the assistant.
func RoleOf(p dialog.Participant) schema.RoleType {
	if p == dialog.Human {
		return schema.User
	}
	return schema.Assistant
}

func historyMessages(turns []dialog.Turn, skipID uuid.UUID) []*schema.Message {
	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		if skipID != uuid.Nil && turn.ID == skipID {
			continue
		}
		if RoleOf(turn.Participant) == schema.User {
			history = append(history, schema.UserMessage(turn.Text))
		} else {
			history = append(history, schema.AssistantMessage(turn.Text, nil))
		}
	}
	return history
}
