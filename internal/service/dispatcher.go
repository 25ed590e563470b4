package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"habit-chat/internal/domain"
	"habit-chat/internal/events"
	"habit-chat/internal/metrics"
	"habit-chat/internal/realtime"
	"habit-chat/internal/repository"
)

var ErrDispatcherNotConfigured = errors.New("dispatcher not configured")

// Channel es la parte del ConnectionManager que usa el despachador.
type Channel interface {
	State() domain.ConnectionState
	Send(ctx context.Context, msg domain.OutboundMessage) error
	SendTypingStatus(ctx context.Context, conversationID string, typing bool) error
}

type SendRequest struct {
	ConversationID string             `json:"conversation_id"`
	SenderID       string             `json:"sender_id,omitempty"`
	ReceiverID     string             `json:"receiver_id,omitempty"`
	Content        string             `json:"content"`
	MessageType    domain.MessageType `json:"message_type,omitempty"`
	ReplyToID      string             `json:"reply_to_id,omitempty"`
}

type DispatcherOptions struct {
	SelfUserID string
	Publisher  events.Publisher
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Dispatcher guarda primero (escritura optimista) y despues intenta entregar.
type Dispatcher struct {
	messages repository.MessageRepository
	rollup   *RollupEngine
	channel  Channel
	opts     DispatcherOptions
	logger   *zap.Logger
	now      func() time.Time
}

func NewDispatcher(messages repository.MessageRepository, rollup *RollupEngine, channel Channel, opts DispatcherOptions) *Dispatcher {
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		messages: messages,
		rollup:   rollup,
		channel:  channel,
		opts:     opts,
		logger:   opts.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) ready() error {
	if d == nil || d.messages == nil || d.rollup == nil {
		return ErrDispatcherNotConfigured
	}
	return nil
}

// Send persiste el mensaje, actualiza el resumen y lo entrega si hay conexion.
// Una entrega fallida no es error: el mensaje queda con IsSent=false para reintentarse.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (domain.Message, error) {
	if err := d.ready(); err != nil {
		return domain.Message{}, err
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	req.Content = strings.TrimSpace(req.Content)
	if req.ConversationID == "" || req.Content == "" {
		return domain.Message{}, ErrInvalidInput
	}
	if req.SenderID == "" {
		req.SenderID = d.opts.SelfUserID
	}
	if req.MessageType == "" {
		req.MessageType = domain.MessageTypeText
	}

	now := d.now()
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		MessageType:    domain.ParseMessageType(string(req.MessageType)),
		Timestamp:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
		IsFromMe:       true,
		IsRead:         true,
		IsSent:         false,
	}
	if req.ReplyToID != "" {
		msg.Metadata = map[string]any{"reply_to_id": req.ReplyToID}
	}

	inserted, _, err := d.rollup.RecordMessage(ctx, RollupEvent{
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		SenderID:       msg.SenderID,
		UnreadDelta:    0,
		MessageType:    msg.MessageType,
		OtherUserID:    msg.ReceiverID,
	}, func(ctx context.Context) (bool, error) {
		return d.messages.Create(ctx, msg)
	})
	if err != nil && !inserted {
		d.opts.Metrics.IncPersistenceFailure("dispatcher")
		return domain.Message{}, err
	}
	if err != nil {
		return msg, fmt.Errorf("apply rollup: %w", err)
	}

	if err := d.deliver(ctx, msg, req.ReplyToID); err != nil {
		d.opts.Metrics.IncDeliveryFailure()
		d.logger.Warn("dispatcher: mensaje sin entregar",
			zap.String("message_id", msg.ID),
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err),
		)
		return msg, nil
	}
	return d.markSent(ctx, msg), nil
}

// Retry reenvia un mensaje propio que quedo sin entregar.
func (d *Dispatcher) Retry(ctx context.Context, messageID string) (domain.Message, error) {
	if err := d.ready(); err != nil {
		return domain.Message{}, err
	}
	msg, err := d.messages.GetByID(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if !msg.IsFromMe || msg.IsSent || msg.SoftDeleted {
		return msg, ErrMessageNotRetryable
	}
	if err := d.deliver(ctx, msg, replyTo(msg)); err != nil {
		d.opts.Metrics.IncDeliveryFailure()
		return msg, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}
	return d.markSent(ctx, msg), nil
}

// ResendUnsent reintenta todos los mensajes pendientes; devuelve cuantos se entregaron.
func (d *Dispatcher) ResendUnsent(ctx context.Context) (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	if !d.connected() {
		return 0, nil
	}
	pending, err := d.messages.ListUnsent(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unsent: %w", err)
	}
	sent := 0
	for _, msg := range pending {
		if err := d.deliver(ctx, msg, replyTo(msg)); err != nil {
			d.opts.Metrics.IncDeliveryFailure()
			d.logger.Warn("dispatcher: reenvio fallido", zap.String("message_id", msg.ID), zap.Error(err))
			if errors.Is(err, realtime.ErrNotConnected) {
				break
			}
			continue
		}
		if d.markSent(ctx, msg).IsSent {
			sent++
		}
	}
	return sent, nil
}

// SendTyping avisa que el usuario esta escribiendo; sin conexion no hace nada.
func (d *Dispatcher) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	if d == nil || d.channel == nil || !d.connected() {
		return nil
	}
	return d.channel.SendTypingStatus(ctx, conversationID, typing)
}

// Edit cambia el contenido visible de un mensaje propio y recalcula el resumen.
func (d *Dispatcher) Edit(ctx context.Context, messageID, content string) (domain.Message, error) {
	if err := d.ready(); err != nil {
		return domain.Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, ErrInvalidInput
	}
	msg, err := d.ownMessage(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	at := d.now()
	if err := d.messages.Edit(ctx, msg.ID, content, at); err != nil {
		return domain.Message{}, fmt.Errorf("edit message: %w", err)
	}
	msg.EditedContent = &content
	msg.EditedAt = &at
	msg.UpdatedAt = at
	if _, err := d.rollup.Recompute(ctx, msg.ConversationID); err != nil {
		return msg, fmt.Errorf("recompute rollup: %w", err)
	}
	return msg, nil
}

// Delete marca un mensaje propio como borrado; la fila se conserva.
func (d *Dispatcher) Delete(ctx context.Context, messageID string) error {
	if err := d.ready(); err != nil {
		return err
	}
	msg, err := d.ownMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := d.messages.SoftDelete(ctx, msg.ID, d.now()); err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	if _, err := d.rollup.Recompute(ctx, msg.ConversationID); err != nil {
		return fmt.Errorf("recompute rollup: %w", err)
	}
	return nil
}

func (d *Dispatcher) ownMessage(ctx context.Context, id string) (domain.Message, error) {
	msg, err := d.messages.GetByID(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}
	if !msg.IsFromMe || msg.SoftDeleted {
		return domain.Message{}, repository.ErrNotFound
	}
	return msg, nil
}

func (d *Dispatcher) connected() bool {
	return d.channel != nil && d.channel.State() == domain.StateConnected
}

func (d *Dispatcher) deliver(ctx context.Context, msg domain.Message, replyToID string) error {
	if !d.connected() {
		return realtime.ErrNotConnected
	}
	return d.channel.Send(ctx, domain.OutboundMessage{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Content:        msg.Content,
		MessageType:    msg.MessageType,
		ReplyToID:      replyToID,
	})
}

// markSent solo cambia el flag de enviado; si falla devuelve el mensaje sin tocar.
func (d *Dispatcher) markSent(ctx context.Context, msg domain.Message) domain.Message {
	at := d.now()
	if err := d.messages.MarkSent(ctx, msg.ID, at); err != nil {
		d.opts.Metrics.IncPersistenceFailure("dispatcher")
		d.logger.Warn("dispatcher: no se pudo marcar como enviado", zap.String("message_id", msg.ID), zap.Error(err))
		return msg
	}
	d.opts.Metrics.IncSent()
	if current, err := d.messages.GetByID(ctx, msg.ID); err == nil {
		msg = current
	} else {
		msg.IsSent = true
		msg.UpdatedAt = at
	}
	if err := d.opts.Publisher.Publish(ctx, events.MessageStored(msg)); err != nil {
		d.logger.Warn("dispatcher: no se pudo publicar el mensaje", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return msg
}

func replyTo(msg domain.Message) string {
	if v, ok := msg.Metadata["reply_to_id"].(string); ok {
		return v
	}
	return ""
}
