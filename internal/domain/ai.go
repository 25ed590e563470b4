package domain

import (
	"strings"
	"time"
)

type Trigger string

const (
	TriggerEncouragement Trigger = "encouragement"
	TriggerReminder      Trigger = "reminder"
	TriggerCelebration   Trigger = "celebration"
)

func ParseTrigger(raw string) (Trigger, bool) {
	switch t := Trigger(strings.ToLower(strings.TrimSpace(raw))); t {
	case TriggerEncouragement, TriggerReminder, TriggerCelebration:
		return t, true
	default:
		return "", false
	}
}

// MessageType: el mensaje generado lleva la categoria del disparador.
func (t Trigger) MessageType() MessageType {
	return MessageType(t)
}

// TriggerParams son los datos del habito que alimentan la generacion.
type TriggerParams struct {
	HabitName string     `json:"habit_name"`
	Streak    int        `json:"streak,omitempty"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	Note      string     `json:"note,omitempty"`
}

// AiRequest describe una solicitud de respuesta IA. CharacterID vacio usa el seleccionado.
type AiRequest struct {
	UserID         string        `json:"user_id"`
	Trigger        Trigger       `json:"trigger"`
	Params         TriggerParams `json:"params"`
	CharacterID    string        `json:"character_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
}

type GenerationOrigin string

const (
	OriginNetwork       GenerationOrigin = "network"
	OriginLocalFallback GenerationOrigin = "local_fallback"
)

// AiResponseResult es transitorio: se convierte en Message antes de persistirse.
type AiResponseResult struct {
	Text    string           `json:"text"`
	Origin  GenerationOrigin `json:"origin"`
	Latency time.Duration    `json:"latency"`
}

// AiOutcome es el resultado cerrado del resolver: AiReplied, AiUnavailable o AiFailed.
type AiOutcome interface {
	aiOutcome()
}

type AiReplied struct {
	Message Message
	Result  AiResponseResult
}

type AiUnavailable struct {
	Reason error
}

type AiFailed struct {
	Err error
}

func (AiReplied) aiOutcome()     {}
func (AiUnavailable) aiOutcome() {}
func (AiFailed) aiOutcome()      {}
