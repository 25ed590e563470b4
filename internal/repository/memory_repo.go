package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"habit-chat/internal/domain"
)

// MemoryStore guarda mensajes, conversaciones y personajes en memoria.
// Lo usan el modo offline del CLI y las pruebas.
type MemoryStore struct {
	mu            sync.RWMutex
	messages      map[string]domain.Message
	conversations map[string]domain.Conversation
	characters    map[string]domain.AiCharacter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]domain.Message),
		conversations: make(map[string]domain.Conversation),
		characters:    make(map[string]domain.AiCharacter),
	}
}

func (s *MemoryStore) Messages() *MemoryMessageRepository {
	return &MemoryMessageRepository{s: s}
}

func (s *MemoryStore) Conversations() *MemoryConversationRepository {
	return &MemoryConversationRepository{s: s}
}

func (s *MemoryStore) Characters() *MemoryCharacterRepository {
	return &MemoryCharacterRepository{s: s}
}

type MemoryMessageRepository struct {
	s *MemoryStore
}

func (r *MemoryMessageRepository) Create(ctx context.Context, message domain.Message) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.messages[message.ID]; ok {
		return false, nil
	}
	r.s.messages[message.ID] = cloneMessage(message)
	return true, nil
}

func (r *MemoryMessageRepository) GetByID(ctx context.Context, id string) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	msg, ok := r.s.messages[id]
	if !ok {
		return domain.Message{}, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (r *MemoryMessageRepository) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	_, ok := r.s.messages[id]
	return ok, nil
}

func (r *MemoryMessageRepository) Update(ctx context.Context, message domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.messages[message.ID]; !ok {
		return ErrNotFound
	}
	r.s.messages[message.ID] = cloneMessage(message)
	return nil
}

func (r *MemoryMessageRepository) ListByConversationID(ctx context.Context, conversationID string) ([]domain.Message, error) {
	return r.list(ctx, func(m domain.Message) bool { return m.ConversationID == conversationID })
}

func (r *MemoryMessageRepository) ListUnsent(ctx context.Context) ([]domain.Message, error) {
	return r.list(ctx, func(m domain.Message) bool { return m.IsFromMe && !m.IsSent && !m.SoftDeleted })
}

func (r *MemoryMessageRepository) list(ctx context.Context, keep func(domain.Message) bool) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	var out []domain.Message
	for _, m := range r.s.messages {
		if keep(m) {
			out = append(out, cloneMessage(m))
		}
	}
	r.s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (r *MemoryMessageRepository) MarkRead(ctx context.Context, conversationID string, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now().UTC()
	flipped := 0
	for id, m := range r.s.messages {
		if m.ConversationID != conversationID || !m.CountsAsUnread() {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[id]; !ok {
				continue
			}
		}
		m.IsRead = true
		m.UpdatedAt = now
		r.s.messages[id] = m
		flipped++
	}
	return flipped, nil
}

func (r *MemoryMessageRepository) Edit(ctx context.Context, id, content string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.SoftDeleted {
		return ErrNotFound
	}
	m.EditedContent = &content
	m.EditedAt = &at
	m.UpdatedAt = at
	r.s.messages[id] = m
	return nil
}

func (r *MemoryMessageRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.IsSent = true
	m.UpdatedAt = at
	r.s.messages[id] = m
	return nil
}

func (r *MemoryMessageRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.SoftDeleted = true
	m.UpdatedAt = at
	r.s.messages[id] = m
	return nil
}

type MemoryConversationRepository struct {
	s *MemoryStore
}

func (r *MemoryConversationRepository) Create(ctx context.Context, c domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (r *MemoryConversationRepository) GetByID(ctx context.Context, id string) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	return cloneConversation(c), nil
}

func (r *MemoryConversationRepository) List(ctx context.Context) ([]domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	out := make([]domain.Conversation, 0, len(r.s.conversations))
	for _, c := range r.s.conversations {
		out = append(out, cloneConversation(c))
	}
	r.s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return out, nil
}

func (r *MemoryConversationRepository) Update(ctx context.Context, c domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.conversations[c.ID]; !ok {
		return ErrNotFound
	}
	r.s.conversations[c.ID] = cloneConversation(c)
	return nil
}

func (r *MemoryConversationRepository) AdjustUnread(ctx context.Context, id string, delta int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return 0, ErrNotFound
	}
	c.UnreadCount += delta
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	c.UpdatedAt = time.Now().UTC()
	r.s.conversations[id] = c
	return c.UnreadCount, nil
}

func (r *MemoryConversationRepository) SetFlags(ctx context.Context, id string, flags domain.FlagUpdate) (domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return domain.Conversation{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNotFound
	}
	c = flags.Apply(c)
	c.UpdatedAt = time.Now().UTC()
	r.s.conversations[id] = c
	return cloneConversation(c), nil
}

func (r *MemoryConversationRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(r.s.conversations, id)
	return nil
}

type MemoryCharacterRepository struct {
	s *MemoryStore
}

func (r *MemoryCharacterRepository) Create(ctx context.Context, c domain.AiCharacter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c.Selected {
		r.clearSelectionLocked(c.ID)
	}
	r.s.characters[c.ID] = c
	return nil
}

func (r *MemoryCharacterRepository) GetByID(ctx context.Context, id string) (domain.AiCharacter, error) {
	if err := ctx.Err(); err != nil {
		return domain.AiCharacter{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.characters[id]
	if !ok {
		return domain.AiCharacter{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryCharacterRepository) GetSelected(ctx context.Context) (domain.AiCharacter, error) {
	if err := ctx.Err(); err != nil {
		return domain.AiCharacter{}, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, c := range r.s.characters {
		if c.Selected {
			return c, nil
		}
	}
	return domain.AiCharacter{}, ErrNotFound
}

func (r *MemoryCharacterRepository) List(ctx context.Context) ([]domain.AiCharacter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	out := make([]domain.AiCharacter, 0, len(r.s.characters))
	for _, c := range r.s.characters {
		out = append(out, c)
	}
	r.s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Selected != out[j].Selected {
			return out[i].Selected
		}
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r *MemoryCharacterRepository) Select(ctx context.Context, id string) (domain.AiCharacter, error) {
	if err := ctx.Err(); err != nil {
		return domain.AiCharacter{}, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.characters[id]
	if !ok {
		return domain.AiCharacter{}, ErrNotFound
	}
	r.clearSelectionLocked(id)
	c.Selected = true
	c.UpdatedAt = time.Now().UTC()
	r.s.characters[id] = c
	return c, nil
}

func (r *MemoryCharacterRepository) IncrementUsage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.characters[id]
	if !ok {
		return ErrNotFound
	}
	c.UsageCount++
	c.UpdatedAt = time.Now().UTC()
	r.s.characters[id] = c
	return nil
}

func (r *MemoryCharacterRepository) clearSelectionLocked(keep string) {
	for id, c := range r.s.characters {
		if id != keep && c.Selected {
			c.Selected = false
			r.s.characters[id] = c
		}
	}
}

func cloneMessage(m domain.Message) domain.Message {
	if m.Metadata != nil {
		md := make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			md[k] = v
		}
		m.Metadata = md
	}
	return m
}

func cloneConversation(c domain.Conversation) domain.Conversation {
	if c.ParticipantIDs != nil {
		c.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	}
	return c
}
