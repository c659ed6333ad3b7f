package chat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/dialog-relay/backend/internal/config"
	"github.com/zhouzirui/dialog-relay/backend/internal/model/dialog"
	"github.com/zhouzirui/dialog-relay/backend/internal/model/persona"
	"github.com/zhouzirui/dialog-relay/backend/internal/service/ai"
	chat "github.com/zhouzirui/dialog-relay/backend/internal/service/chat"
	"github.com/zhouzirui/dialog-relay/backend/internal/service/humanize"
	"github.com/zhouzirui/dialog-relay/backend/internal/store"
)

type recordingBackend struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	model   string
	context [][]*schema.Message
}

func (b *recordingBackend) Complete(_ context.Context, model string, messages []*schema.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.model = model
	b.context = append(b.context, messages)
	return b.reply, b.err
}

// failingStore fails Append after the first ok successful writes.
type failingStore struct {
	*store.MemoryStore
	mu sync.Mutex
	ok int
}

func (s *failingStore) Append(ctx context.Context, turn dialog.Turn) (dialog.Turn, error) {
	s.mu.Lock()
	if s.ok <= 0 {
		s.mu.Unlock()
		return dialog.Turn{}, &store.StorageError{Op: "append", Err: errors.New("connection lost")}
	}
	s.ok--
	s.mu.Unlock()
	return s.MemoryStore.Append(ctx, turn)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return nil
}

func noTypos() config.HumanizerConfig {
	return config.HumanizerConfig{
		TypoProbability: 0,
		DelayEnabled:    true,
		MinDelay:        time.Second,
		MaxDelay:        5 * time.Second,
		CharsPerSecond:  20,
	}
}

func newPipeline(t *testing.T, turns chat.TurnStore, generator chat.Generator) (*chat.Service, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	builder := ai.NewContextBuilder(turns, "S")
	humanizer := humanize.New(noTypos(), humanize.WithSleep(sleeper.sleep))
	return chat.NewService(turns, builder, generator, humanizer, persona.DefaultPlaceholderReply), sleeper
}

func TestHandleMessagePlaceholderMode(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	svc, sleeper := newPipeline(t, mem, ai.Disabled())

	dialogID := uuid.New()
	messageID := uuid.New()
	reply, err := svc.HandleMessage(ctx, chat.Request{DialogID: dialogID, Text: "Hi", MessageID: messageID})
	require.NoError(t, err)

	assert.Equal(t, "глотай пыль", reply.Text)
	assert.Equal(t, dialogID, reply.DialogID)
	assert.True(t, reply.Placeholder)

	turns, err := mem.ListByDialog(ctx, dialogID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, messageID, turns[0].ID)
	assert.Equal(t, "Hi", turns[0].Text)
	assert.Equal(t, dialog.Human, turns[0].Participant)
	assert.Equal(t, "глотай пыль", turns[1].Text)
	assert.Equal(t, dialog.Generated, turns[1].Participant)
	assert.NotEqual(t, messageID, turns[1].ID)

	require.Len(t, sleeper.delays, 1)
	assert.Equal(t, time.Second, sleeper.delays[0])
}

func TestHandleMessageGeneratesWithHistory(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	backend := &recordingBackend{reply: "Hey"}
	svc, _ := newPipeline(t, mem, ai.NewServiceWithBackend(backend, "", time.Second))

	dialogID := uuid.New()
	_, err := svc.HandleMessage(ctx, chat.Request{DialogID: dialogID, Text: "Hi"})
	require.NoError(t, err)

	backend.reply = "Fine"
	reply, err := svc.HandleMessage(ctx, chat.Request{DialogID: dialogID, Text: "How are you?", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "Fine", reply.Text)
	assert.False(t, reply.Placeholder)
	assert.Equal(t, "gpt-4o-mini", backend.model)

	require.Len(t, backend.context, 2)
	assert.Len(t, backend.context[0], 2)

	second := backend.context[1]
	require.Len(t, second, 4)
	assert.Equal(t, schema.System, second[0].Role)
	assert.Equal(t, "Hi", second[1].Content)
	assert.Equal(t, schema.User, second[1].Role)
	assert.Equal(t, "Hey", second[2].Content)
	assert.Equal(t, schema.Assistant, second[2].Role)
	assert.Equal(t, "How are you?", second[3].Content)
	assert.Equal(t, schema.User, second[3].Role)

	turns, err := mem.ListByDialog(ctx, dialogID)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	for i, want := range []string{"Hi", "Hey", "How are you?", "Fine"} {
		assert.Equal(t, want, turns[i].Text)
	}
}

func TestHandleMessageRejectsInvalidRequestBeforeWriting(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	backend := &recordingBackend{reply: "x"}
	svc, _ := newPipeline(t, mem, ai.NewServiceWithBackend(backend, "", 0))

	tests := []struct {
		name  string
		req   chat.Request
		field string
	}{
		{name: "nil dialog", req: chat.Request{Text: "Hi"}, field: "dialog_id"},
		{name: "empty text", req: chat.Request{DialogID: uuid.New()}, field: "last_msg_text"},
		{name: "blank text", req: chat.Request{DialogID: uuid.New(), Text: " \t"}, field: "last_msg_text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.HandleMessage(ctx, tt.req)
			var vErr *dialog.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)

			turns, err := mem.ListByDialog(ctx, tt.req.DialogID)
			require.NoError(t, err)
			assert.Empty(t, turns)
		})
	}
	assert.Zero(t, backend.calls)
}

func TestHandleMessageGenerationFailureKeepsUserTurn(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	backend := &recordingBackend{err: errors.New("upstream 502")}
	svc, sleeper := newPipeline(t, mem, ai.NewServiceWithBackend(backend, "", 0))

	dialogID := uuid.New()
	_, err := svc.HandleMessage(ctx, chat.Request{DialogID: dialogID, Text: "Hi"})
	var genErr *ai.GenerationError
	require.ErrorAs(t, err, &genErr)

	turns, err := mem.ListByDialog(ctx, dialogID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, dialog.Human, turns[0].Participant)
	assert.Empty(t, sleeper.delays)
}

func TestHandleMessageBotWriteFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	turns := &failingStore{MemoryStore: store.NewMemoryStore(), ok: 1}
	svc, _ := newPipeline(t, turns, ai.Disabled())

	dialogID := uuid.New()
	_, err := svc.HandleMessage(ctx, chat.Request{DialogID: dialogID, Text: "Hi"})
	var sErr *store.StorageError
	require.ErrorAs(t, err, &sErr)

	stored, err := turns.ListByDialog(ctx, dialogID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Hi", stored[0].Text)
}

func TestHandleMessageDuplicateMessageID(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	svc, _ := newPipeline(t, mem, ai.Disabled())

	req := chat.Request{DialogID: uuid.New(), Text: "Hi", MessageID: uuid.New()}
	_, err := svc.HandleMessage(ctx, req)
	require.NoError(t, err)

	_, err = svc.HandleMessage(ctx, req)
	require.ErrorIs(t, err, store.ErrDuplicateID)
}

func TestHandleMessageCancelledDuringDelayStillStoresReply(t *testing.T) {
	mem := store.NewMemoryStore()
	backend := &recordingBackend{reply: "Hey"}
	builder := ai.NewContextBuilder(mem, "S")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sleepCtxErr error
	humanizer := humanize.New(noTypos(), humanize.WithSleep(func(sleepCtx context.Context, _ time.Duration) error {
		// the caller disconnects while the reply is being held back
		cancel()
		sleepCtxErr = sleepCtx.Err()
		return sleepCtxErr
	}))
	svc := chat.NewService(mem, builder, ai.NewServiceWithBackend(backend, "", time.Second), humanizer, "")

	dialogID := uuid.New()
	reply, err := svc.HandleMessage(ctx, chat.Request{DialogID: dialogID, Text: "Hi"})
	require.NoError(t, err)
	require.NoError(t, sleepCtxErr)
	assert.Equal(t, "Hey", reply.Text)
	assert.Equal(t, 1, backend.calls)

	stored, err := mem.ListByDialog(context.Background(), dialogID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, dialog.Human, stored[0].Participant)
	assert.Equal(t, "Hey", stored[1].Text)
	assert.Equal(t, dialog.Generated, stored[1].Participant)
}

func TestHandleMessageConcurrentDialogs(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	backend := &recordingBackend{reply: "ok"}
	svc, _ := newPipeline(t, mem, ai.NewServiceWithBackend(backend, "", time.Second))

	dialogs := make([]uuid.UUID, 8)
	for i := range dialogs {
		dialogs[i] = uuid.New()
	}

	var g errgroup.Group
	for _, dialogID := range dialogs {
		for n := 0; n < 3; n++ {
			g.Go(func() error {
				_, err := svc.HandleMessage(ctx, chat.Request{DialogID: dialogID, Text: fmt.Sprintf("msg %d", n)})
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	for _, dialogID := range dialogs {
		turns, err := svc.History(ctx, dialogID)
		require.NoError(t, err)
		assert.Len(t, turns, 6)
	}
	assert.Equal(t, 24, backend.calls)
}

func TestHistoryRejectsNilDialog(t *testing.T) {
	svc, _ := newPipeline(t, store.NewMemoryStore(), ai.Disabled())

	_, err := svc.History(context.Background(), uuid.Nil)
	var vErr *dialog.ValidationError
	require.ErrorAs(t, err, &vErr)
}
