// Package realtime mantiene el canal en tiempo real con el backend de chat.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotConnected se devuelve al usar el canal fuera del estado Connected.
	ErrNotConnected = errors.New("realtime channel not connected")
	// ErrUnauthorized indica que el servidor rechazo el token; no se reintenta.
	ErrUnauthorized = errors.New("realtime handshake unauthorized")
)

const (
	EventAuthenticated = "authenticated"
	EventMessageNew    = "message.new"
	EventError         = "error"
	EventPong          = "pong"

	CommandSendMessage = "message.send"
	CommandJoin        = "conversation.join"
	CommandLeave       = "conversation.leave"
	CommandMarkRead    = "conversation.read"
	CommandTypingStart = "typing.start"
	CommandTypingStop  = "typing.stop"
)

// Envelope es el formato de todos los eventos recibidos.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command es un comando cliente a servidor.
type Command struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

type ServerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Conn es una conexion ya autenticada.
type Conn interface {
	Receive(ctx context.Context) (Envelope, error)
	Send(ctx context.Context, cmd Command) error
	Close() error
}

// Dialer abre una conexion y completa el handshake de autenticacion.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}
