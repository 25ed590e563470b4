// Package events publica los cambios del nucleo de chat hacia sistemas externos.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"habit-chat/internal/domain"
)

const (
	TypeConversationUpdated = "conversation.updated"
	TypeMessageStored       = "message.stored"
)

type Event struct {
	Type           string               `json:"type"`
	ConversationID string               `json:"conversation_id"`
	Conversation   *domain.Conversation `json:"conversation,omitempty"`
	Message        *domain.Message      `json:"message,omitempty"`
	At             time.Time            `json:"at"`
}

func ConversationUpdated(c domain.Conversation) Event {
	return Event{Type: TypeConversationUpdated, ConversationID: c.ID, Conversation: &c, At: time.Now().UTC()}
}

func MessageStored(m domain.Message) Event {
	return Event{Type: TypeMessageStored, ConversationID: m.ConversationID, Message: &m, At: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop descarta todos los eventos.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publica en todos; devuelve los errores combinados.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
