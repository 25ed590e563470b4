package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"habit-chat/internal/domain"
	"habit-chat/internal/events"
	"habit-chat/internal/repository"
	"habit-chat/internal/stream"
)

var ErrRollupNotConfigured = errors.New("rollup engine not configured")

// RollupEvent es un mensaje que afecta el resumen de su conversacion.
// Type, OtherUserID y CharacterID solo se usan si la conversacion no existe todavia.
type RollupEvent struct {
	ConversationID string
	Content        string
	Timestamp      time.Time
	SenderID       string
	UnreadDelta    int
	MessageType    domain.MessageType

	Type        domain.ConversationType
	OtherUserID string
	CharacterID string
}

// RollupEngine es el unico escritor de LastMessage* y UnreadCount.
// Cada conversacion tiene su propio carril; conversaciones distintas avanzan en paralelo.
type RollupEngine struct {
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	updates       *stream.Broadcaster[domain.Conversation]
	publisher     events.Publisher
	logger        *zap.Logger
	locks         *keyedMutex
	now           func() time.Time
}

func NewRollupEngine(
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	publisher events.Publisher,
	logger *zap.Logger,
) *RollupEngine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RollupEngine{
		conversations: conversations,
		messages:      messages,
		updates:       stream.NewBroadcaster[domain.Conversation](64),
		publisher:     publisher,
		logger:        logger,
		locks:         newKeyedMutex(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Updates emite cada conversacion escrita por el motor.
func (r *RollupEngine) Updates() (<-chan domain.Conversation, func()) {
	return r.updates.Subscribe()
}

func (r *RollupEngine) ready() error {
	if r == nil || r.conversations == nil || r.messages == nil {
		return ErrRollupNotConfigured
	}
	return nil
}

// ApplyMessageEvent crea la conversacion si falta, sobrescribe el ultimo mensaje
// y ajusta el contador de no leidos sin bajar de cero.
func (r *RollupEngine) ApplyMessageEvent(ctx context.Context, ev RollupEvent) (domain.Conversation, error) {
	if err := r.ready(); err != nil {
		return domain.Conversation{}, err
	}
	ev.ConversationID = strings.TrimSpace(ev.ConversationID)
	if ev.ConversationID == "" {
		return domain.Conversation{}, fmt.Errorf("%w: conversation id required", ErrInvalidInput)
	}

	unlock := r.locks.Lock(ev.ConversationID)
	defer unlock()
	return r.applyLocked(ctx, ev)
}

// RecordMessage guarda el mensaje con store y aplica ev dentro del mismo carril,
// asi MarkRead y Recompute nunca ven la fila sin su ajuste de no leidos.
// Si la fila ya existia no se aplica nada. inserted=true con error indica que
// el mensaje quedo guardado pero el resumen no.
func (r *RollupEngine) RecordMessage(ctx context.Context, ev RollupEvent, store func(context.Context) (bool, error)) (inserted bool, conv domain.Conversation, err error) {
	if err := r.ready(); err != nil {
		return false, domain.Conversation{}, err
	}
	ev.ConversationID = strings.TrimSpace(ev.ConversationID)
	if ev.ConversationID == "" {
		return false, domain.Conversation{}, fmt.Errorf("%w: conversation id required", ErrInvalidInput)
	}

	unlock := r.locks.Lock(ev.ConversationID)
	defer unlock()

	inserted, err = store(ctx)
	if err != nil {
		return false, domain.Conversation{}, fmt.Errorf("%w: %w", ErrPersistenceFailed, err)
	}
	if !inserted {
		return false, domain.Conversation{}, nil
	}
	conv, err = r.applyLocked(ctx, ev)
	return true, conv, err
}

func (r *RollupEngine) applyLocked(ctx context.Context, ev RollupEvent) (domain.Conversation, error) {
	conv, found, err := r.load(ctx, ev.ConversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !found {
		conv = r.newConversation(ev.ConversationID, ev.Type)
		conv.OtherUserID = ev.OtherUserID
		conv.CharacterID = ev.CharacterID
	}

	conv.LastMessage = ev.Content
	conv.LastMessageTime = ev.Timestamp
	conv.LastMessageSenderID = ev.SenderID
	conv.LastMessageType = ev.MessageType
	conv.UnreadCount += ev.UnreadDelta
	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
	conv.UpdatedAt = r.now()

	if err := r.save(ctx, conv, !found); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// MarkRead marca como leidos los mensajes entrantes (todos si ids esta vacio)
// y descuenta del contador exactamente los que cambiaron.
func (r *RollupEngine) MarkRead(ctx context.Context, conversationID string, ids []string) (domain.Conversation, int, error) {
	if err := r.ready(); err != nil {
		return domain.Conversation{}, 0, err
	}
	unlock := r.locks.Lock(conversationID)
	defer unlock()

	if _, err := r.conversations.GetByID(ctx, conversationID); err != nil {
		return domain.Conversation{}, 0, err
	}
	flipped, err := r.messages.MarkRead(ctx, conversationID, ids)
	if err != nil {
		return domain.Conversation{}, 0, fmt.Errorf("mark messages read: %w", err)
	}
	if flipped > 0 {
		if _, err := r.conversations.AdjustUnread(ctx, conversationID, -flipped); err != nil {
			return domain.Conversation{}, 0, fmt.Errorf("adjust unread: %w", err)
		}
	}
	conv, err := r.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, 0, err
	}
	r.publish(ctx, conv)
	return conv, flipped, nil
}

// Recompute reconstruye el resumen desde las filas de mensajes.
func (r *RollupEngine) Recompute(ctx context.Context, conversationID string) (domain.Conversation, error) {
	if err := r.ready(); err != nil {
		return domain.Conversation{}, err
	}
	unlock := r.locks.Lock(conversationID)
	defer unlock()
	return r.recomputeLocked(ctx, conversationID)
}

// ReconcileMessages ejecuta insert y luego Recompute sin soltar el carril.
// Recompute corre aunque insert falle a mitad, para no dejar filas sin contar.
func (r *RollupEngine) ReconcileMessages(ctx context.Context, conversationID string, insert func(context.Context) (int, error)) (int, domain.Conversation, error) {
	if err := r.ready(); err != nil {
		return 0, domain.Conversation{}, err
	}
	unlock := r.locks.Lock(conversationID)
	defer unlock()

	n, insertErr := insert(ctx)
	conv, err := r.recomputeLocked(ctx, conversationID)
	if insertErr != nil {
		return n, conv, insertErr
	}
	if err != nil {
		return n, domain.Conversation{}, fmt.Errorf("recompute: %w", err)
	}
	return n, conv, nil
}

func (r *RollupEngine) recomputeLocked(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conv, found, err := r.load(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	msgs, err := r.messages.ListByConversationID(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("list messages: %w", err)
	}
	if !found {
		if len(msgs) == 0 {
			return domain.Conversation{}, repository.ErrNotFound
		}
		conv = r.newConversation(conversationID, "")
	}

	var latest *domain.Message
	unread := 0
	for i := range msgs {
		m := msgs[i]
		if m.CountsAsUnread() {
			unread++
		}
		if m.SoftDeleted {
			continue
		}
		if latest == nil || !m.Timestamp.Before(latest.Timestamp) {
			latest = &msgs[i]
		}
	}
	if latest != nil {
		conv.LastMessage = latest.DisplayContent()
		conv.LastMessageTime = latest.Timestamp
		conv.LastMessageSenderID = latest.SenderID
		conv.LastMessageType = latest.MessageType
	} else {
		conv.LastMessage = ""
		conv.LastMessageSenderID = ""
	}
	conv.UnreadCount = unread
	conv.UpdatedAt = r.now()

	if err := r.save(ctx, conv, !found); err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

// MergeRemote crea la conversacion remota si falta o aplica sus datos si es mas nueva.
// UnreadCount local no se toca: lo decide Recompute con las filas locales.
func (r *RollupEngine) MergeRemote(ctx context.Context, remote domain.Conversation) (domain.Conversation, error) {
	if err := r.ready(); err != nil {
		return domain.Conversation{}, err
	}
	if strings.TrimSpace(remote.ID) == "" {
		return domain.Conversation{}, fmt.Errorf("%w: remote conversation without id", ErrInvalidInput)
	}
	unlock := r.locks.Lock(remote.ID)
	defer unlock()

	local, found, err := r.load(ctx, remote.ID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !found {
		if remote.Type == "" {
			remote.Type = domain.ConversationPrivate
		}
		if remote.CreatedAt.IsZero() {
			remote.CreatedAt = r.now()
		}
		if remote.UpdatedAt.IsZero() {
			remote.UpdatedAt = remote.CreatedAt
		}
		if remote.UnreadCount < 0 {
			remote.UnreadCount = 0
		}
		if err := r.save(ctx, remote, true); err != nil {
			return domain.Conversation{}, err
		}
		return remote, nil
	}
	if !remote.UpdatedAt.After(local.UpdatedAt) {
		return local, nil
	}

	if remote.Type != "" {
		local.Type = remote.Type
	}
	local.OtherUserID = remote.OtherUserID
	local.ParticipantIDs = remote.ParticipantIDs
	if remote.CharacterID != "" {
		local.CharacterID = remote.CharacterID
	}
	local.Pinned = remote.Pinned
	local.Archived = remote.Archived
	local.Muted = remote.Muted
	if remote.LastMessageTime.After(local.LastMessageTime) {
		local.LastMessage = remote.LastMessage
		local.LastMessageTime = remote.LastMessageTime
		local.LastMessageSenderID = remote.LastMessageSenderID
		local.LastMessageType = remote.LastMessageType
	}
	local.UpdatedAt = remote.UpdatedAt

	if err := r.save(ctx, local, false); err != nil {
		return domain.Conversation{}, err
	}
	return local, nil
}

// SetFlags cambia pin/archive/mute sin tocar los campos del resumen.
func (r *RollupEngine) SetFlags(ctx context.Context, conversationID string, flags domain.FlagUpdate) (domain.Conversation, error) {
	if err := r.ready(); err != nil {
		return domain.Conversation{}, err
	}
	if flags.Empty() {
		return domain.Conversation{}, fmt.Errorf("%w: no flags to update", ErrInvalidInput)
	}
	unlock := r.locks.Lock(conversationID)
	defer unlock()

	conv, err := r.conversations.SetFlags(ctx, conversationID, flags)
	if err != nil {
		return domain.Conversation{}, err
	}
	r.publish(ctx, conv)
	return conv, nil
}

func (r *RollupEngine) load(ctx context.Context, id string) (domain.Conversation, bool, error) {
	conv, err := r.conversations.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Conversation{}, false, nil
	}
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("load conversation: %w", err)
	}
	return conv, true, nil
}

func (r *RollupEngine) save(ctx context.Context, conv domain.Conversation, create bool) error {
	var err error
	if create {
		err = r.conversations.Create(ctx, conv)
	} else {
		err = r.conversations.Update(ctx, conv)
	}
	if err != nil {
		return fmt.Errorf("%w: save conversation: %w", ErrPersistenceFailed, err)
	}
	r.publish(ctx, conv)
	return nil
}

func (r *RollupEngine) newConversation(id string, typ domain.ConversationType) domain.Conversation {
	if typ == "" {
		typ = domain.ConversationPrivate
		if strings.HasPrefix(id, aiConversationPrefix) {
			typ = domain.ConversationAI
		}
	}
	now := r.now()
	return domain.Conversation{
		ID:        id,
		Type:      typ,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *RollupEngine) publish(ctx context.Context, conv domain.Conversation) {
	r.updates.Publish(conv)
	if err := r.publisher.Publish(ctx, events.ConversationUpdated(conv)); err != nil {
		r.logger.Warn("rollup: no se pudo publicar el evento",
			zap.String("conversation_id", conv.ID),
			zap.Error(err),
		)
	}
}
