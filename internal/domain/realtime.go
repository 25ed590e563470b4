package domain

import "time"

// InboundEvent es un mensaje empujado por el canal en tiempo real.
type InboundEvent struct {
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	ReceiverID     string         `json:"receiverId,omitempty"`
	Content        string         `json:"content"`
	MessageType    MessageType    `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	Delivered      bool           `json:"delivered"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// OutboundMessage es lo que se envia por el canal.
type OutboundMessage struct {
	ConversationID string      `json:"conversationId"`
	MessageID      string      `json:"clientId"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"type"`
	ReplyToID      string      `json:"replyToId,omitempty"`
}

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus se emite en cada transicion del ConnectionManager.
type ConnectionStatus struct {
	State   ConnectionState `json:"state"`
	Attempt int             `json:"attempt,omitempty"`
	At      time.Time       `json:"at"`
}

func (s ConnectionStatus) Connected() bool {
	return s.State == StateConnected
}
