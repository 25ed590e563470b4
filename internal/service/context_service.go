package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"habit-chat/internal/repository"
)

const defaultContextWindow = 10

// ContextService recupera el historial reciente de una conversacion como texto.
type ContextService interface {
	GetContext(ctx context.Context, conversationID string) (string, error)
}

// BasicContextService formatea los ultimos mensajes visibles, el mas viejo primero.
type BasicContextService struct {
	messageRepo repository.MessageRepository
	window      int
}

func NewBasicContextService(messageRepo repository.MessageRepository) *BasicContextService {
	return &BasicContextService{messageRepo: messageRepo, window: defaultContextWindow}
}

func (s *BasicContextService) GetContext(ctx context.Context, conversationID string) (string, error) {
	if s == nil || s.messageRepo == nil || strings.TrimSpace(conversationID) == "" {
		return "", nil
	}

	messages, err := s.messageRepo.ListByConversationID(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}

	visible := messages[:0:0]
	for _, m := range messages {
		if !m.SoftDeleted {
			visible = append(visible, m)
		}
	}
	if len(visible) == 0 {
		return "", nil
	}

	sort.SliceStable(visible, func(i, j int) bool {
		return visible[i].Timestamp.Before(visible[j].Timestamp)
	})
	if len(visible) > s.window {
		visible = visible[len(visible)-s.window:]
	}

	lines := make([]string, 0, len(visible))
	for _, m := range visible {
		role := "Character"
		if m.IsFromMe {
			role = "User"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", role, m.DisplayContent()))
	}
	return strings.Join(lines, "\n"), nil
}
