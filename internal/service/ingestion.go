package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"habit-chat/internal/domain"
	"habit-chat/internal/events"
	"habit-chat/internal/metrics"
	"habit-chat/internal/repository"
)

var ErrIngestionNotConfigured = errors.New("ingestion pipeline not configured")

type IngestOutcome int

const (
	IngestStored IngestOutcome = iota
	IngestDuplicate
	IngestDropped
)

func (o IngestOutcome) String() string {
	switch o {
	case IngestStored:
		return "stored"
	case IngestDuplicate:
		return "duplicate"
	default:
		return "dropped"
	}
}

type IngestionOptions struct {
	// SelfUserID permite reconocer el eco de mensajes propios.
	SelfUserID string
	Workers    int
	LaneBuffer int
	RetryDelay time.Duration
	Publisher  events.Publisher
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// IngestionPipeline convierte eventos entrantes en mensajes persistidos y actualiza el resumen.
type IngestionPipeline struct {
	messages repository.MessageRepository
	rollup   *RollupEngine
	opts     IngestionOptions
	logger   *zap.Logger
	now      func() time.Time
}

func NewIngestionPipeline(messages repository.MessageRepository, rollup *RollupEngine, opts IngestionOptions) *IngestionPipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = 64
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &IngestionPipeline{
		messages: messages,
		rollup:   rollup,
		opts:     opts,
		logger:   opts.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest procesa un evento de forma sincronica.
// Un duplicado no es error; un fallo de persistencia tras reintentar devuelve IngestDropped.
func (p *IngestionPipeline) Ingest(ctx context.Context, ev domain.InboundEvent) (IngestOutcome, error) {
	if p == nil || p.messages == nil || p.rollup == nil {
		return IngestDropped, ErrIngestionNotConfigured
	}
	if strings.TrimSpace(ev.ConversationID) == "" {
		return IngestDropped, fmt.Errorf("%w: event without conversation id", ErrInvalidInput)
	}

	if ev.ID != "" {
		exists, err := p.messages.Exists(ctx, ev.ID)
		if err == nil && exists {
			p.opts.Metrics.IncDuplicate()
			return IngestDuplicate, nil
		}
	}

	msg := p.buildMessage(ev)
	delta, other := 0, msg.SenderID
	if msg.CountsAsUnread() {
		delta = 1
	}
	if msg.IsFromMe {
		other = msg.ReceiverID
	}
	inserted, _, err := p.rollup.RecordMessage(ctx, RollupEvent{
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		SenderID:       msg.SenderID,
		UnreadDelta:    delta,
		MessageType:    msg.MessageType,
		OtherUserID:    other,
	}, func(ctx context.Context) (bool, error) {
		return p.persist(ctx, msg)
	})
	switch {
	case err != nil && !inserted:
		p.opts.Metrics.IncPersistenceFailure("ingestion")
		p.logger.Warn("ingestion: mensaje descartado tras reintento",
			zap.String("message_id", msg.ID),
			zap.String("conversation_id", msg.ConversationID),
			zap.Error(err),
		)
		return IngestDropped, err
	case err != nil:
		return IngestStored, fmt.Errorf("apply rollup: %w", err)
	case !inserted:
		p.opts.Metrics.IncDuplicate()
		return IngestDuplicate, nil
	}

	p.opts.Metrics.IncIngested()
	if err := p.opts.Publisher.Publish(ctx, events.MessageStored(msg)); err != nil {
		p.logger.Warn("ingestion: no se pudo publicar el mensaje", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return IngestStored, nil
}

func (p *IngestionPipeline) buildMessage(ev domain.InboundEvent) domain.Message {
	now := p.now()
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}
	msg := domain.Message{
		ID:             id,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		ReceiverID:     ev.ReceiverID,
		Content:        ev.Content,
		MessageType:    domain.ParseMessageType(string(ev.MessageType)),
		Timestamp:      ts,
		CreatedAt:      now,
		UpdatedAt:      now,
		IsFromMe:       false,
		IsRead:         false,
		IsSent:         ev.Delivered,
		Metadata:       ev.Metadata,
	}
	if p.opts.SelfUserID != "" && ev.SenderID == p.opts.SelfUserID {
		msg.IsFromMe = true
		msg.IsRead = true
		msg.IsSent = true
	}
	return msg
}

// persist intenta dos veces antes de rendirse.
func (p *IngestionPipeline) persist(ctx context.Context, msg domain.Message) (bool, error) {
	inserted, err := p.messages.Create(ctx, msg)
	if err == nil {
		return inserted, nil
	}
	p.logger.Debug("ingestion: reintentando persistencia", zap.String("message_id", msg.ID), zap.Error(err))

	timer := time.NewTimer(p.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}
	return p.messages.Create(ctx, msg)
}

// Run consume eventos hasta que el contexto termine o el canal se cierre.
// Cada conversacion cae siempre en el mismo carril, asi se procesa en el orden observado.
func (p *IngestionPipeline) Run(ctx context.Context, in <-chan domain.InboundEvent) {
	if p == nil {
		return
	}
	lanes := make([]chan domain.InboundEvent, p.opts.Workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan domain.InboundEvent, p.opts.LaneBuffer)
		wg.Add(1)
		go func(lane <-chan domain.InboundEvent) {
			defer wg.Done()
			for ev := range lane {
				if _, err := p.Ingest(ctx, ev); err != nil && !errors.Is(err, ErrPersistenceFailed) {
					p.logger.Error("ingestion: error procesando evento",
						zap.String("conversation_id", ev.ConversationID),
						zap.Error(err),
					)
				}
			}
		}(lanes[i])
	}
	defer func() {
		for _, lane := range lanes {
			close(lane)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			lane := lanes[laneFor(ev.ConversationID, len(lanes))]
			select {
			case lane <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func laneFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
