package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/dialog-relay/backend/internal/model/persona"
)

// BuildSystemPrompt picks the instruction placed at the head of every
// context. An explicit override wins over the persona's own prompt.
func BuildSystemPrompt(p persona.Persona, override string) string {
	if prompt := strings.TrimSpace(override); prompt != "" {
		return prompt
	}
	if prompt := strings.TrimSpace(p.SystemPrompt); prompt != "" {
		return prompt
	}
	return buildBasicSystemPrompt(p)
}

// buildBasicSystemPrompt is used when a persona ships without a prompt.
func buildBasicSystemPrompt(p persona.Persona) string {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "обычный человек"
	}
	return fmt.Sprintf("Ты %s и переписываешься в мессенджере. Отвечай коротко и естественно.", name)
}
