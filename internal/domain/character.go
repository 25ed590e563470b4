package domain

import "time"

// CharacterType es la categoria de personalidad del personaje IA.
type CharacterType string

const (
	CharacterCoach       CharacterType = "coach"
	CharacterCheerleader CharacterType = "cheerleader"
	CharacterSage        CharacterType = "sage"
	CharacterBuddy       CharacterType = "buddy"
)

// AiCharacter: como maximo uno puede estar seleccionado.
type AiCharacter struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Type       CharacterType `json:"type"`
	UsageCount int           `json:"usage_count"`
	Selected   bool          `json:"selected"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
