package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/dialog-relay/backend/internal/config"
	"github.com/zhouzirui/dialog-relay/backend/internal/model/dialog"
	"github.com/zhouzirui/dialog-relay/backend/internal/service/chat"
)

func testConfig(dsn string) *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{URL: dsn},
		AI:       config.AIConfig{Provider: config.ProviderOpenAI},
		Humanizer: config.HumanizerConfig{
			Alphabet:       config.DefaultTypoAlphabet,
			CharsPerSecond: 20,
		},
		Startup: config.StartupConfig{RetryInterval: 10 * time.Millisecond, RetryMaxAttempts: 2},
	}
}

func TestNewWithSQLiteRunsPipeline(t *testing.T) {
	ctx := context.Background()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "relay.db")

	a, err := New(ctx, testConfig(dsn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.False(t, a.Generator.Enabled())
	assert.Equal(t, "default", a.Persona.ID)

	dialogID := uuid.New()
	reply, err := a.Chat.HandleMessage(ctx, chat.Request{DialogID: dialogID, Text: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, "глотай пыль", reply.Text)

	turns, err := a.Store.ListByDialog(ctx, dialogID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, dialog.Human, turns[0].Participant)
	assert.Equal(t, dialog.Generated, turns[1].Participant)

	deps := a.Deps()
	assert.False(t, deps.GenerationEnabled)
	assert.Equal(t, a.Persona, deps.Persona)
}

func TestOpenStoreRejectsUnknownScheme(t *testing.T) {
	_, err := OpenStore(context.Background(), testConfig("mysql://u:secret@h/db"))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}

func TestLoadPersonasFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`personas:
  - id: calm
    name: Спокойный
    system_prompt: Отвечай спокойно.
  - id: rude
    name: Грубиян
    system_prompt: Отвечай грубо.
    placeholder_reply: отстань
`), 0o600))

	personas, active, err := LoadPersonas(config.PersonaConfig{File: path, ID: "rude"})
	require.NoError(t, err)
	assert.Len(t, personas.List(), 2)
	assert.Equal(t, "отстань", active.PlaceholderReply)

	_, _, err = LoadPersonas(config.PersonaConfig{File: path, ID: "missing"})
	require.Error(t, err)

	_, active, err = LoadPersonas(config.PersonaConfig{})
	require.NoError(t, err)
	assert.Equal(t, "default", active.ID)
}

func TestPingTimeoutFollowsInterval(t *testing.T) {
	assert.Equal(t, 3*time.Second, pingTimeout(config.StartupConfig{RetryInterval: 3 * time.Second}))
	assert.Equal(t, 2*time.Second, pingTimeout(config.StartupConfig{}))
}
