package domain

import "time"

type ConversationType string

const (
	ConversationPrivate ConversationType = "PRIVATE"
	ConversationGroup   ConversationType = "GROUP"
	ConversationAI      ConversationType = "AI"
)

// Conversation guarda el resumen (rollup) derivado de sus mensajes.
// LastMessage*, UnreadCount solo los escribe el motor de rollup.
type Conversation struct {
	ID                  string           `json:"id"`
	Type                ConversationType `json:"type"`
	OtherUserID         string           `json:"other_user_id,omitempty"`
	ParticipantIDs      []string         `json:"participant_ids,omitempty"`
	CharacterID         string           `json:"character_id,omitempty"`
	LastMessage         string           `json:"last_message"`
	LastMessageTime     time.Time        `json:"last_message_time"`
	LastMessageSenderID string           `json:"last_message_sender_id"`
	LastMessageType     MessageType      `json:"last_message_type,omitempty"`
	UnreadCount         int              `json:"unread_count"`
	Pinned              bool             `json:"pinned"`
	Archived            bool             `json:"archived"`
	Muted               bool             `json:"muted"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// FlagUpdate cambia pin/mute/archive; los campos nil no se tocan.
type FlagUpdate struct {
	Pinned   *bool `json:"pinned,omitempty"`
	Archived *bool `json:"archived,omitempty"`
	Muted    *bool `json:"muted,omitempty"`
}

func (f FlagUpdate) Empty() bool {
	return f.Pinned == nil && f.Archived == nil && f.Muted == nil
}

// Apply devuelve una copia de la conversacion con las banderas aplicadas.
func (f FlagUpdate) Apply(c Conversation) Conversation {
	if f.Pinned != nil {
		c.Pinned = *f.Pinned
	}
	if f.Archived != nil {
		c.Archived = *f.Archived
	}
	if f.Muted != nil {
		c.Muted = *f.Muted
	}
	return c
}
