package persona

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPlaceholderReply is returned when no language model is configured.
const DefaultPlaceholderReply = "глотай пыль"

// Persona describes the character the relay speaks as.
type Persona struct {
	ID               string `json:"id" yaml:"id"`
	Name             string `json:"name" yaml:"name"`
	SystemPrompt     string `json:"-" yaml:"system_prompt"`
	PlaceholderReply string `json:"-" yaml:"placeholder_reply"`
}

// Seed provides the built-in persona used when no file is configured.
func Seed() []Persona {
	return []Persona{
		{
			ID:   "default",
			Name: "Собеседник",
			SystemPrompt: "Ты обычный человек, который переписывается в мессенджере. " +
				"Отвечай коротко и естественно, на том же языке, что и собеседник. " +
				"Никогда не признавайся, что ты бот или языковая модель.",
			PlaceholderReply: DefaultPlaceholderReply,
		},
	}
}

type personaFile struct {
	Personas []Persona `yaml:"personas"`
}

// LoadFile reads personas from a YAML file of the form:
//
//	personas:
//	  - id: default
//	    name: ...
//	    system_prompt: ...
//	    placeholder_reply: ...
func LoadFile(path string) ([]Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read persona file %s", path)
	}

	var file personaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "parse persona file %s", path)
	}
	if len(file.Personas) == 0 {
		return nil, errors.Errorf("persona file %s defines no personas", path)
	}

	for i := range file.Personas {
		p := &file.Personas[i]
		if strings.TrimSpace(p.ID) == "" {
			return nil, errors.Errorf("persona #%d in %s has no id", i+1, path)
		}
		if strings.TrimSpace(p.PlaceholderReply) == "" {
			p.PlaceholderReply = DefaultPlaceholderReply
		}
	}
	return file.Personas, nil
}
