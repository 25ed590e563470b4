// Package backend habla con la API REST del servidor de chat para la reconciliacion.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"habit-chat/internal/domain"
)

// ErrUnauthorized indica que el token fue rechazado por la API.
var ErrUnauthorized = errors.New("backend unauthorized")

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type remoteConversation struct {
	ID                  string    `json:"id"`
	Type                string    `json:"type"`
	OtherUserID         string    `json:"otherUserId"`
	ParticipantIDs      []string  `json:"participantIds"`
	CharacterID         string    `json:"characterId"`
	LastMessage         string    `json:"lastMessage"`
	LastMessageTime     time.Time `json:"lastMessageTime"`
	LastMessageSenderID string    `json:"lastMessageSenderId"`
	UnreadCount         int       `json:"unreadCount"`
	Pinned              bool      `json:"pinned"`
	Archived            bool      `json:"archived"`
	Muted               bool      `json:"muted"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

func (r remoteConversation) toDomain() domain.Conversation {
	typ := domain.ConversationType(strings.ToUpper(r.Type))
	switch typ {
	case domain.ConversationPrivate, domain.ConversationGroup, domain.ConversationAI:
	default:
		typ = domain.ConversationPrivate
	}
	return domain.Conversation{
		ID:                  r.ID,
		Type:                typ,
		OtherUserID:         r.OtherUserID,
		ParticipantIDs:      r.ParticipantIDs,
		CharacterID:         r.CharacterID,
		LastMessage:         r.LastMessage,
		LastMessageTime:     r.LastMessageTime,
		LastMessageSenderID: r.LastMessageSenderID,
		UnreadCount:         r.UnreadCount,
		Pinned:              r.Pinned,
		Archived:            r.Archived,
		Muted:               r.Muted,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

type remoteMessage struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	ReceiverID     string         `json:"receiverId"`
	Content        string         `json:"content"`
	Type           string         `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	IsRead         bool           `json:"isRead"`
	EditedContent  *string        `json:"editedContent"`
	EditedAt       *time.Time     `json:"editedAt"`
	Deleted        bool           `json:"deleted"`
	Metadata       map[string]any `json:"metadata"`
}

func (r remoteMessage) toDomain(conversationID string) domain.Message {
	if r.ConversationID == "" {
		r.ConversationID = conversationID
	}
	return domain.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Content:        r.Content,
		MessageType:    domain.ParseMessageType(r.Type),
		Timestamp:      r.Timestamp,
		IsRead:         r.IsRead,
		IsSent:         true,
		EditedContent:  r.EditedContent,
		EditedAt:       r.EditedAt,
		SoftDeleted:    r.Deleted,
		Metadata:       r.Metadata,
	}
}

func (c *Client) ListConversations(ctx context.Context) ([]domain.Conversation, error) {
	var remote []remoteConversation
	if err := c.getJSON(ctx, "/api/conversations", &remote); err != nil {
		return nil, err
	}
	out := make([]domain.Conversation, 0, len(remote))
	for _, r := range remote {
		if r.ID == "" {
			continue
		}
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	var remote []remoteMessage
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.getJSON(ctx, path, &remote); err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(remote))
	for _, r := range remote {
		if r.ID == "" {
			continue
		}
		out = append(out, r.toDomain(conversationID))
	}
	return out, nil
}

// Ping consulta /health; la usa el monitor de red.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health status=%d", resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		c.logger.Warn("backend error status",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return fmt.Errorf("backend http error: status=%d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
