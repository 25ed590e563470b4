package service

import (
	"context"

	"habit-chat/internal/domain"
)

// GenerationInput es lo que necesita un generador para producir un mensaje de personaje.
type GenerationInput struct {
	Character domain.AiCharacter
	Trigger   domain.Trigger
	Params    domain.TriggerParams
	// History son los ultimos mensajes de la conversacion; solo lo usa el generador remoto.
	History string
}

type TextGenerator interface {
	Generate(ctx context.Context, in GenerationInput) (string, error)
}

// NetworkSignal informa si hay red disponible.
type NetworkSignal interface {
	Available() bool
}
