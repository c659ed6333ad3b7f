package chat

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/dialog-relay/backend/internal/model/dialog"
	"github.com/zhouzirui/dialog-relay/backend/internal/model/persona"
	"github.com/zhouzirui/dialog-relay/backend/internal/service/ai"
)

// TurnStore persists and reads dialog turns.
type TurnStore interface {
	Append(ctx context.Context, turn dialog.Turn) (dialog.Turn, error)
	ListByDialog(ctx context.Context, dialogID uuid.UUID) ([]dialog.Turn, error)
}

// ContextBuilder assembles the prompt for an already stored user turn.
type ContextBuilder interface {
	BuildFor(ctx context.Context, incoming dialog.Turn) ([]*schema.Message, error)
}

// Generator produces reply text from a prompt.
type Generator interface {
	Enabled() bool
	Generate(ctx context.Context, messages []*schema.Message, opts ...ai.GenerateOption) (string, error)
}

// Humanizer post-processes generated text before it is stored.
type Humanizer interface {
	Humanize(ctx context.Context, text string) (string, error)
}

// Request is one incoming user message.
type Request struct {
	DialogID uuid.UUID
	Text     string
	// MessageID is used for the user turn when set.
	MessageID uuid.UUID
	// Model overrides the generator's default model for this request.
	Model string
}

// Reply is the outcome of a handled request.
type Reply struct {
	DialogID uuid.UUID   `json:"dialog_id"`
	Text     string      `json:"new_msg_text"`
	UserTurn dialog.Turn `json:"-"`
	BotTurn  dialog.Turn `json:"-"`
	// Placeholder is true when no generator was configured.
	Placeholder bool `json:"-"`
}

// Service runs the turn pipeline:
// persist user turn, build context, generate, humanize, persist bot turn.
//
// Requests are not serialized per dialog. Two concurrent requests on the same
// dialog may each see the other's user turn without its reply.
type Service struct {
	store       TurnStore
	builder     ContextBuilder
	generator   Generator
	humanizer   Humanizer
	placeholder string
}

// NewService wires the pipeline. placeholder is the reply used when the
// generator is disabled.
func NewService(store TurnStore, builder ContextBuilder, generator Generator, humanizer Humanizer, placeholder string) *Service {
	if strings.TrimSpace(placeholder) == "" {
		placeholder = persona.DefaultPlaceholderReply
	}
	return &Service{
		store:       store,
		builder:     builder,
		generator:   generator,
		humanizer:   humanizer,
		placeholder: placeholder,
	}
}

// HandleMessage processes req and returns the stored bot reply. Nothing is
// written when req is invalid. A failure after the user turn is stored leaves
// that turn in place. Cancelling ctx after the reply is produced does not stop
// the humanize delay or the bot turn write.
func (s *Service) HandleMessage(ctx context.Context, req Request) (Reply, error) {
	if err := validateRequest(req); err != nil {
		return Reply{}, err
	}

	userTurn := dialog.Turn{
		ID:          req.MessageID,
		DialogID:    req.DialogID,
		Text:        req.Text,
		Participant: dialog.Human,
	}
	if userTurn.ID == uuid.Nil {
		userTurn.ID = uuid.New()
	}

	userTurn, err := s.store.Append(ctx, userTurn)
	if err != nil {
		return Reply{}, errors.Wrap(err, "persist user turn")
	}

	raw, placeholder, err := s.reply(ctx, userTurn, req.Model)
	if err != nil {
		return Reply{}, err
	}

	// Once a reply exists the turn is completed even if the caller is gone,
	// so the dialog never ends on an unanswered user turn.
	finishCtx := context.WithoutCancel(ctx)

	text, err := s.humanizer.Humanize(finishCtx, raw)
	if err != nil {
		return Reply{}, errors.Wrap(err, "humanize reply")
	}

	botTurn, err := s.store.Append(finishCtx, dialog.NewTurn(req.DialogID, text, dialog.Generated))
	if err != nil {
		return Reply{}, errors.Wrap(err, "persist bot turn")
	}

	return Reply{
		DialogID:    req.DialogID,
		Text:        botTurn.Text,
		UserTurn:    userTurn,
		BotTurn:     botTurn,
		Placeholder: placeholder,
	}, nil
}

// History returns the stored turns of a dialog in order.
func (s *Service) History(ctx context.Context, dialogID uuid.UUID) ([]dialog.Turn, error) {
	if dialogID == uuid.Nil {
		return nil, &dialog.ValidationError{Field: "dialog_id", Reason: "must be a valid UUID"}
	}
	return s.store.ListByDialog(ctx, dialogID)
}

func (s *Service) reply(ctx context.Context, userTurn dialog.Turn, model string) (string, bool, error) {
	if s.generator == nil || !s.generator.Enabled() {
		log.Debug().
			Str("dialog_id", userTurn.DialogID.String()).
			Msg("[chat] generator not configured, using placeholder reply")
		return s.placeholder, true, nil
	}

	messages, err := s.builder.BuildFor(ctx, userTurn)
	if err != nil {
		return "", false, errors.Wrap(err, "build dialog context")
	}

	var opts []ai.GenerateOption
	if model != "" {
		opts = append(opts, ai.WithModel(model))
	}

	text, err := s.generator.Generate(ctx, messages, opts...)
	if err != nil {
		return "", false, err
	}
	return text, false, nil
}

func validateRequest(req Request) error {
	if req.DialogID == uuid.Nil {
		return &dialog.ValidationError{Field: "dialog_id", Reason: "must be a valid UUID"}
	}
	if strings.TrimSpace(req.Text) == "" {
		return &dialog.ValidationError{Field: "last_msg_text", Reason: "must not be empty"}
	}
	return nil
}
