package task

import (
	"fmt"
	"strings"
)

// Built-in provider names. Extension providers are declared in configuration
// and validated at task create time against the configured set.
const (
	ProviderClaude = "claude"
	ProviderCodex  = "codex"
	ProviderGemini = "gemini"
)

// Participant identifies one external coding agent within a task, written as
// "provider#alias". The alias is an opaque label that distinguishes multiple
// participants on the same provider (e.g. "claude#author", "claude#critic").
// Author versus reviewer is a role the task carries, not a property of the
// participant itself.
type Participant struct {
	Provider string
	Alias    string
}

// ParseParticipant parses a "provider#alias" id.
func ParseParticipant(id string) (Participant, error) {
	provider, alias, ok := strings.Cut(id, "#")
	if !ok {
		return Participant{}, fmt.Errorf("invalid participant id %q: expected provider#alias", id)
	}
	p := Participant{Provider: provider, Alias: alias}
	if err := p.Validate(); err != nil {
		return Participant{}, err
	}
	return p, nil
}

// ID returns the canonical "provider#alias" form.
func (p Participant) ID() string {
	return p.Provider + "#" + p.Alias
}

// Validate checks the id grammar. Provider names are lowercase tokens;
// unknown providers are permitted here (extensions) and checked against the
// configured provider set at create time.
func (p Participant) Validate() error {
	if p.Provider == "" {
		return fmt.Errorf("participant provider cannot be empty")
	}
	if p.Alias == "" {
		return fmt.Errorf("participant alias cannot be empty (use provider#alias)")
	}
	for _, r := range p.Provider {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '_' {
			return fmt.Errorf("invalid provider %q: must be a lowercase token", p.Provider)
		}
	}
	if strings.Contains(p.Alias, "#") {
		return fmt.Errorf("invalid alias %q: must not contain '#'", p.Alias)
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler so participants serialize as
// their canonical id inside JSON maps and YAML.
func (p Participant) MarshalText() ([]byte, error) {
	return []byte(p.ID()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Participant) UnmarshalText(text []byte) error {
	parsed, err := ParseParticipant(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
