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
	"habit-chat/internal/repository"
)

var ErrAiResolverNotConfigured = errors.New("ai resolver not configured")

const aiConversationPrefix = "ai-"

// AiConversationID es la conversacion por defecto de un personaje.
func AiConversationID(characterID string) string {
	return aiConversationPrefix + characterID
}

type AiResolverOptions struct {
	SelfUserID     string
	NetworkTimeout time.Duration
	// RepliesUnread hace que las respuestas IA cuenten como no leidas.
	RepliesUnread bool
	Publisher     events.Publisher
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// AiResolver elige personaje, genera el texto (remoto con respaldo local) y lo guarda como mensaje.
type AiResolver struct {
	characters repository.CharacterRepository
	messages   repository.MessageRepository
	rollup     *RollupEngine
	network    TextGenerator
	local      TextGenerator
	signal     NetworkSignal
	limiter    GenerationLimiter
	history    ContextService
	opts       AiResolverOptions
	logger     *zap.Logger
	now        func() time.Time
}

func NewAiResolver(
	characters repository.CharacterRepository,
	messages repository.MessageRepository,
	rollup *RollupEngine,
	network TextGenerator,
	signal NetworkSignal,
	limiter GenerationLimiter,
	opts AiResolverOptions,
) *AiResolver {
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = 8 * time.Second
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if signal == nil {
		signal = StaticSignal(true)
	}
	return &AiResolver{
		characters: characters,
		messages:   messages,
		rollup:     rollup,
		network:    network,
		local:      LocalGenerator{},
		signal:     signal,
		limiter:    limiter,
		history:    NewBasicContextService(messages),
		opts:       opts,
		logger:     opts.Logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Resolve nunca devuelve error: el resultado es AiReplied, AiUnavailable o AiFailed.
func (r *AiResolver) Resolve(ctx context.Context, req domain.AiRequest) domain.AiOutcome {
	if r == nil || r.characters == nil || r.messages == nil || r.rollup == nil {
		return domain.AiFailed{Err: ErrAiResolverNotConfigured}
	}
	trigger, ok := domain.ParseTrigger(string(req.Trigger))
	if !ok {
		return domain.AiFailed{Err: fmt.Errorf("%w: unknown trigger %q", ErrInvalidInput, req.Trigger)}
	}
	req.Trigger = trigger

	character, err := r.resolveCharacter(ctx, strings.TrimSpace(req.CharacterID))
	if errors.Is(err, ErrNoCharacterAvailable) {
		r.opts.Metrics.ObserveAiResponse("unavailable", "", 0)
		return domain.AiUnavailable{Reason: err}
	}
	if err != nil {
		r.opts.Metrics.ObserveAiResponse("failed", "", 0)
		return domain.AiFailed{Err: err}
	}

	in := GenerationInput{Character: character, Trigger: trigger, Params: req.Params}
	result, err := r.generate(ctx, in, r.conversationFor(req, character), req.UserID)
	if err != nil {
		r.opts.Metrics.ObserveAiResponse("failed", "", 0)
		return domain.AiFailed{Err: err}
	}

	msg, err := r.record(ctx, req, character, result)
	if err != nil {
		r.opts.Metrics.ObserveAiResponse("failed", string(result.Origin), result.Latency.Seconds())
		return domain.AiFailed{Err: err}
	}

	if err := r.characters.IncrementUsage(ctx, character.ID); err != nil {
		r.logger.Warn("ai: no se pudo actualizar el uso del personaje", zap.String("character_id", character.ID), zap.Error(err))
	}
	r.opts.Metrics.ObserveAiResponse("replied", string(result.Origin), result.Latency.Seconds())
	return domain.AiReplied{Message: msg, Result: result}
}

func (r *AiResolver) resolveCharacter(ctx context.Context, id string) (domain.AiCharacter, error) {
	var (
		c   domain.AiCharacter
		err error
	)
	if id != "" {
		c, err = r.characters.GetByID(ctx, id)
	} else {
		c, err = r.characters.GetSelected(ctx)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return domain.AiCharacter{}, ErrNoCharacterAvailable
	}
	if err != nil {
		return domain.AiCharacter{}, fmt.Errorf("load character: %w", err)
	}
	return c, nil
}

// generate intenta la red para encouragement/reminder y cae al generador local ante cualquier fallo.
func (r *AiResolver) generate(ctx context.Context, in GenerationInput, conversationID, userID string) (domain.AiResponseResult, error) {
	start := time.Now()
	if in.Trigger != domain.TriggerCelebration && r.network != nil && r.signal.Available() && r.allow(ctx, userID) {
		history, err := r.history.GetContext(ctx, conversationID)
		if err != nil {
			r.logger.Warn("ai: historial no disponible", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		in.History = history
		text, err := r.generateNetwork(ctx, in)
		if err == nil {
			return domain.AiResponseResult{Text: text, Origin: domain.OriginNetwork, Latency: time.Since(start)}, nil
		}
		r.logger.Info("ai: generacion remota fallida, usando respaldo local",
			zap.String("character_id", in.Character.ID),
			zap.String("trigger", string(in.Trigger)),
			zap.Error(err),
		)
	}

	text, err := r.local.Generate(ctx, in)
	if err != nil || strings.TrimSpace(text) == "" {
		r.logger.Error("ai: el generador local fallo", zap.String("trigger", string(in.Trigger)), zap.Error(err))
		return domain.AiResponseResult{}, fmt.Errorf("%w: local generator: %v", ErrGenerationFailed, err)
	}
	return domain.AiResponseResult{Text: text, Origin: domain.OriginLocalFallback, Latency: time.Since(start)}, nil
}

type generated struct {
	text string
	err  error
}

// generateNetwork vuelve a los NetworkTimeout aunque el generador ignore la cancelacion.
func (r *AiResolver) generateNetwork(ctx context.Context, in GenerationInput) (string, error) {
	netCtx, cancel := context.WithTimeout(ctx, r.opts.NetworkTimeout)
	defer cancel()

	done := make(chan generated, 1)
	go func() {
		text, err := r.network.Generate(netCtx, in)
		done <- generated{text: text, err: err}
	}()
	select {
	case res := <-done:
		return res.text, res.err
	case <-netCtx.Done():
		return "", netCtx.Err()
	}
}

func (r *AiResolver) allow(ctx context.Context, userID string) bool {
	if r.limiter == nil {
		return true
	}
	return r.limiter.Allow(ctx, userID)
}

func (r *AiResolver) conversationFor(req domain.AiRequest, character domain.AiCharacter) string {
	if id := strings.TrimSpace(req.ConversationID); id != "" {
		return id
	}
	return AiConversationID(character.ID)
}

func (r *AiResolver) record(ctx context.Context, req domain.AiRequest, character domain.AiCharacter, result domain.AiResponseResult) (domain.Message, error) {
	conversationID := r.conversationFor(req, character)
	receiver := req.UserID
	if receiver == "" {
		receiver = r.opts.SelfUserID
	}

	now := r.now()
	msg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       character.ID,
		ReceiverID:     receiver,
		Content:        result.Text,
		MessageType:    req.Trigger.MessageType(),
		Timestamp:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
		IsFromMe:       false,
		IsRead:         !r.opts.RepliesUnread,
		IsSent:         true,
		Metadata: map[string]any{
			"origin":       string(result.Origin),
			"latency_ms":   result.Latency.Milliseconds(),
			"character_id": character.ID,
			"trigger":      string(req.Trigger),
		},
	}
	delta := 0
	if r.opts.RepliesUnread {
		delta = 1
	}
	inserted, _, err := r.rollup.RecordMessage(ctx, RollupEvent{
		ConversationID: conversationID,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		SenderID:       msg.SenderID,
		UnreadDelta:    delta,
		MessageType:    msg.MessageType,
		Type:           domain.ConversationAI,
		CharacterID:    character.ID,
	}, func(ctx context.Context) (bool, error) {
		return r.messages.Create(ctx, msg)
	})
	if err != nil && !inserted {
		r.opts.Metrics.IncPersistenceFailure("ai_resolver")
		return domain.Message{}, err
	}
	if err != nil {
		r.logger.Warn("ai: mensaje guardado sin actualizar el resumen",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
	if err := r.opts.Publisher.Publish(ctx, events.MessageStored(msg)); err != nil {
		r.logger.Warn("ai: no se pudo publicar el mensaje", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return msg, nil
}

// SelectCharacter deja a id como personaje por defecto.
func (r *AiResolver) SelectCharacter(ctx context.Context, id string) (domain.AiCharacter, error) {
	if r == nil || r.characters == nil {
		return domain.AiCharacter{}, ErrAiResolverNotConfigured
	}
	return r.characters.Select(ctx, strings.TrimSpace(id))
}

func (r *AiResolver) ListCharacters(ctx context.Context) ([]domain.AiCharacter, error) {
	if r == nil || r.characters == nil {
		return nil, ErrAiResolverNotConfigured
	}
	return r.characters.List(ctx)
}

// CreateCharacter registra un personaje; el primero creado queda seleccionado.
func (r *AiResolver) CreateCharacter(ctx context.Context, name string, typ domain.CharacterType) (domain.AiCharacter, error) {
	if r == nil || r.characters == nil {
		return domain.AiCharacter{}, ErrAiResolverNotConfigured
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.AiCharacter{}, fmt.Errorf("%w: character name required", ErrInvalidInput)
	}
	switch typ {
	case domain.CharacterCoach, domain.CharacterCheerleader, domain.CharacterSage, domain.CharacterBuddy:
	default:
		return domain.AiCharacter{}, fmt.Errorf("%w: unknown character type %q", ErrInvalidInput, typ)
	}

	_, err := r.characters.GetSelected(ctx)
	noneSelected := errors.Is(err, repository.ErrNotFound)
	if err != nil && !noneSelected {
		return domain.AiCharacter{}, fmt.Errorf("load selected character: %w", err)
	}
	now := r.now()
	c := domain.AiCharacter{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      typ,
		Selected:  noneSelected,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.characters.Create(ctx, c); err != nil {
		return domain.AiCharacter{}, fmt.Errorf("create character: %w", err)
	}
	return c, nil
}
