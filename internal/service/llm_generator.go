package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"habit-chat/internal/domain"
	"habit-chat/internal/llm"
)

var ErrLLMNotConfigured = errors.New("llm generator not configured")

// AiPromptBuilder arma la persona del personaje y el pedido concreto.
type AiPromptBuilder struct{}

var personaByType = map[domain.CharacterType]string{
	domain.CharacterCoach:       "a direct, no-nonsense habit coach who values discipline",
	domain.CharacterCheerleader: "an upbeat cheerleader who celebrates every small step with enthusiasm",
	domain.CharacterSage:        "a calm, wise mentor who speaks in short reflective sentences",
	domain.CharacterBuddy:       "a friendly, casual buddy who keeps things light",
}

func (AiPromptBuilder) BuildSystemPrompt(c domain.AiCharacter) string {
	persona, ok := personaByType[c.Type]
	if !ok {
		persona = personaByType[domain.CharacterBuddy]
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You are %s, %s.\n", c.Name, persona))
	sb.WriteString("You message a user inside a habit tracking app.\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("- Reply with a single chat message of at most two sentences.\n")
	sb.WriteString("- No lists, no markdown, no quotes around the message.\n")
	sb.WriteString("- Never invent facts about the user beyond the data given.\n")
	return sb.String()
}

func (AiPromptBuilder) BuildUserPrompt(trigger domain.Trigger, p domain.TriggerParams, history string) string {
	var sb strings.Builder
	if history = strings.TrimSpace(history); history != "" {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(history)
		sb.WriteString("\n\n")
	}
	switch trigger {
	case domain.TriggerReminder:
		sb.WriteString("Write a reminder for the user's habit.\n")
	case domain.TriggerCelebration:
		sb.WriteString("Celebrate that the user just completed their habit.\n")
	default:
		sb.WriteString("Encourage the user to keep going with their habit.\n")
	}
	habit := strings.TrimSpace(p.HabitName)
	if habit == "" {
		habit = "(unnamed habit)"
	}
	sb.WriteString(fmt.Sprintf("Habit: %s\n", habit))
	if p.Streak > 0 {
		sb.WriteString(fmt.Sprintf("Current streak: %d days\n", p.Streak))
	}
	if p.DueAt != nil {
		sb.WriteString(fmt.Sprintf("Due at: %s\n", p.DueAt.Format("15:04 on Jan 2")))
	}
	if note := strings.TrimSpace(p.Note); note != "" {
		sb.WriteString(fmt.Sprintf("User note: %s\n", note))
	}
	return sb.String()
}

// LLMGenerator genera el texto con un LLM remoto.
type LLMGenerator struct {
	client    llm.LLMClient
	prompts   AiPromptBuilder
	maxTokens int
}

func NewLLMGenerator(client llm.LLMClient) *LLMGenerator {
	return &LLMGenerator{client: client, maxTokens: 120}
}

func (g *LLMGenerator) Generate(ctx context.Context, in GenerationInput) (string, error) {
	if g == nil || g.client == nil {
		return "", ErrLLMNotConfigured
	}
	raw, err := g.client.Generate(ctx, llm.Request{
		System:      g.prompts.BuildSystemPrompt(in.Character),
		Prompt:      g.prompts.BuildUserPrompt(in.Trigger, in.Params, in.History),
		MaxTokens:   g.maxTokens,
		Temperature: 0.8,
	})
	if err != nil {
		return "", err
	}
	text := cleanLLMText(raw)
	if text == "" {
		return "", llm.ErrEmptyResponse
	}
	return text, nil
}

var (
	reFenceStart = regexp.MustCompile("(?is)^\\s*```[a-z]*\\s*")
	reFenceEnd   = regexp.MustCompile("(?is)\\s*```\\s*$")
	reSpaces     = regexp.MustCompile(`\s+`)
)

// cleanLLMText quita BOM, fences, comillas envolventes y espacios repetidos.
func cleanLLMText(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = strings.TrimPrefix(s, "\uFEFF")
	s = reFenceStart.ReplaceAllString(s, "")
	s = reFenceEnd.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	for _, q := range []string{`"`, "'", "“"} {
		closing := q
		if q == "“" {
			closing = "”"
		}
		if len(s) >= 2 && strings.HasPrefix(s, q) && strings.HasSuffix(s, closing) {
			s = strings.TrimSpace(s[len(q) : len(s)-len(closing)])
		}
	}
	return reSpaces.ReplaceAllString(s, " ")
}
