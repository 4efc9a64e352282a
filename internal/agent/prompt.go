package agent

import (
	"strings"
	"time"

	"afaqbot/internal/history"
)

// PromptBuilder renders the single-turn prompt sent to the provider: the
// persona, the current time, the user's recent history and the new message.
type PromptBuilder struct {
	persona   string
	userLabel string
	now       func() time.Time
}

// NewPromptBuilder creates a builder from the reply catalog. A non-empty
// persona replaces the catalog persona.
func NewPromptBuilder(replies *Replies, persona string) *PromptBuilder {
	if persona == "" {
		persona = replies.Persona
	}
	label := replies.Labels.User
	if label == "" {
		label = "Customer"
	}
	return &PromptBuilder{
		persona:   strings.TrimSpace(persona),
		userLabel: label,
		now:       time.Now,
	}
}

// Build assembles the prompt from the two renderings returned by
// history.Manager.Context and the user's text.
func (p *PromptBuilder) Build(display, compact, text string) string {
	var sb strings.Builder
	if p.persona != "" {
		sb.WriteString(p.persona)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Current Time\n")
	sb.WriteString(p.now().Format("2006-01-02 15:04 (Monday)"))
	sb.WriteString("\n\n## Conversation so far\n")
	if display == "" {
		display = history.NoHistory
	}
	sb.WriteString(display)

	if compact != "" {
		sb.WriteString("\n\n## Recent messages\n")
		sb.WriteString(compact)
	}

	sb.WriteString("\n\n")
	sb.WriteString(p.userLabel)
	sb.WriteString(": ")
	sb.WriteString(text)
	return sb.String()
}
