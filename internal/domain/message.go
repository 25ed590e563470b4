package domain

import "time"

type MessageType string

const (
	MessageTypeText          MessageType = "text"
	MessageTypeImage         MessageType = "image"
	MessageTypeFile          MessageType = "file"
	MessageTypeSystem        MessageType = "system"
	MessageTypeEncouragement MessageType = "encouragement"
	MessageTypeReminder      MessageType = "reminder"
	MessageTypeCelebration   MessageType = "celebration"
)

// ParseMessageType normaliza el tipo recibido por el canal; desconocidos se tratan como texto.
func ParseMessageType(raw string) MessageType {
	switch t := MessageType(raw); t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeSystem,
		MessageTypeEncouragement, MessageTypeReminder, MessageTypeCelebration:
		return t
	default:
		return MessageTypeText
	}
}

// Message es una entrada de conversacion. Nunca se borra fisicamente: solo SoftDeleted.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	ReceiverID     string         `json:"receiver_id,omitempty"`
	Content        string         `json:"content"`
	MessageType    MessageType    `json:"message_type"`
	Timestamp      time.Time      `json:"timestamp"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	IsFromMe       bool           `json:"is_from_me"`
	IsRead         bool           `json:"is_read"`
	IsSent         bool           `json:"is_sent"`
	EditedContent  *string        `json:"edited_content,omitempty"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	SoftDeleted    bool           `json:"soft_deleted"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// DisplayContent devuelve el contenido editado si existe.
func (m Message) DisplayContent() string {
	if m.EditedContent != nil {
		return *m.EditedContent
	}
	return m.Content
}

// CountsAsUnread indica si el mensaje suma al contador de no leidos.
func (m Message) CountsAsUnread() bool {
	return !m.IsFromMe && !m.IsRead && !m.SoftDeleted
}
