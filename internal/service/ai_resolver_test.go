package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"habit-chat/internal/domain"
	"habit-chat/internal/llm"
	"habit-chat/internal/repository"
)

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) bool { return false }

type resolverFixture struct {
	stack    testStack
	chars    *repository.MemoryCharacterRepository
	mock     *llm.MockClient
	resolver *AiResolver
}

func newResolverFixture(t *testing.T, mock *llm.MockClient, signal NetworkSignal, limiter GenerationLimiter, opts AiResolverOptions) resolverFixture {
	t.Helper()
	s := newTestStack()
	chars := s.store.Characters()
	if err := chars.Create(context.Background(), domain.AiCharacter{ID: "coach", Name: "Rex", Type: domain.CharacterCoach, Selected: true}); err != nil {
		t.Fatalf("seed character: %v", err)
	}
	if opts.SelfUserID == "" {
		opts.SelfUserID = "me"
	}
	var network TextGenerator
	if mock != nil {
		network = NewLLMGenerator(mock)
	}
	return resolverFixture{
		stack:    s,
		chars:    chars,
		mock:     mock,
		resolver: NewAiResolver(chars, s.messages, s.rollup, network, signal, limiter, opts),
	}
}

func replied(t *testing.T, out domain.AiOutcome) domain.AiReplied {
	t.Helper()
	r, ok := out.(domain.AiReplied)
	if !ok {
		t.Fatalf("expected AiReplied, got %#v", out)
	}
	return r
}

func TestResolve_NetworkReply(t *testing.T) {
	ctx := context.Background()
	f := newResolverFixture(t, &llm.MockClient{Response: "\"Go run, champ.\""}, StaticSignal(true), nil, AiResolverOptions{})

	r := replied(t, f.resolver.Resolve(ctx, domain.AiRequest{Trigger: "Encouragement", Params: domain.TriggerParams{HabitName: "Running"}}))
	if r.Result.Origin != domain.OriginNetwork || r.Message.Content != "Go run, champ." {
		t.Fatalf("unexpected result: %+v", r.Result)
	}
	if r.Message.SenderID != "coach" || r.Message.ReceiverID != "me" || r.Message.MessageType != domain.MessageTypeEncouragement {
		t.Fatalf("unexpected message: %+v", r.Message)
	}
	if r.Message.Metadata["origin"] != "network" {
		t.Fatalf("expected origin metadata, got %+v", r.Message.Metadata)
	}

	conv, err := f.stack.convs.GetByID(ctx, "ai-coach")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Type != domain.ConversationAI || conv.CharacterID != "coach" || conv.LastMessage != "Go run, champ." || conv.UnreadCount != 0 {
		t.Fatalf("unexpected ai conversation: %+v", conv)
	}
	c, _ := f.chars.GetByID(ctx, "coach")
	if c.UsageCount != 1 {
		t.Fatalf("expected usage 1, got %d", c.UsageCount)
	}
}

func TestResolve_PromptCarriesConversationHistory(t *testing.T) {
	ctx := context.Background()
	f := newResolverFixture(t, &llm.MockClient{Response: "Keep going."}, StaticSignal(true), nil, AiResolverOptions{})

	_ = replied(t, f.resolver.Resolve(ctx, domain.AiRequest{Trigger: domain.TriggerEncouragement, Params: domain.TriggerParams{HabitName: "Running"}}))
	_ = replied(t, f.resolver.Resolve(ctx, domain.AiRequest{Trigger: domain.TriggerReminder, Params: domain.TriggerParams{HabitName: "Running"}}))

	if got := f.mock.LastRequest().Prompt; !strings.Contains(got, "Recent conversation:\nCharacter: Keep going.") {
		t.Fatalf("expected previous reply in prompt, got %q", got)
	}
}

func TestResolve_CelebrationIsAlwaysLocal(t *testing.T) {
	f := newResolverFixture(t, &llm.MockClient{Response: "remote"}, StaticSignal(true), nil, AiResolverOptions{})
	r := replied(t, f.resolver.Resolve(context.Background(), domain.AiRequest{Trigger: domain.TriggerCelebration, Params: domain.TriggerParams{HabitName: "Yoga"}}))
	if r.Result.Origin != domain.OriginLocalFallback {
		t.Fatalf("expected local origin, got %s", r.Result.Origin)
	}
	if f.mock.Calls() != 0 {
		t.Fatalf("celebration must not call the network, got %d calls", f.mock.Calls())
	}
}

func TestResolve_TimeoutFallsBackAndCancelsNetwork(t *testing.T) {
	f := newResolverFixture(t, &llm.MockClient{Response: "late", Delay: time.Second}, StaticSignal(true), nil, AiResolverOptions{NetworkTimeout: 20 * time.Millisecond})

	start := time.Now()
	r := replied(t, f.resolver.Resolve(context.Background(), domain.AiRequest{Trigger: domain.TriggerReminder, Params: domain.TriggerParams{HabitName: "Reading"}}))
	if r.Result.Origin != domain.OriginLocalFallback {
		t.Fatalf("expected local fallback, got %s", r.Result.Origin)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("resolver waited for the slow network call")
	}
	if !f.mock.Cancelled() {
		t.Fatalf("expected network call cancelled")
	}
}

func TestResolve_SkipsNetworkWhenUnavailableOrLimited(t *testing.T) {
	ctx := context.Background()
	req := domain.AiRequest{UserID: "me", Trigger: domain.TriggerEncouragement}

	offline := newResolverFixture(t, &llm.MockClient{Response: "x"}, StaticSignal(false), nil, AiResolverOptions{})
	if r := replied(t, offline.resolver.Resolve(ctx, req)); r.Result.Origin != domain.OriginLocalFallback {
		t.Fatalf("expected local origin offline, got %s", r.Result.Origin)
	}
	if offline.mock.Calls() != 0 {
		t.Fatalf("expected no network call offline")
	}

	limited := newResolverFixture(t, &llm.MockClient{Response: "x"}, StaticSignal(true), denyLimiter{}, AiResolverOptions{})
	if r := replied(t, limited.resolver.Resolve(ctx, req)); r.Result.Origin != domain.OriginLocalFallback {
		t.Fatalf("expected local origin when limited, got %s", r.Result.Origin)
	}
	if limited.mock.Calls() != 0 {
		t.Fatalf("expected no network call when limited")
	}
}

func TestResolve_NetworkErrorFallsBack(t *testing.T) {
	f := newResolverFixture(t, &llm.MockClient{Err: errors.New("500")}, StaticSignal(true), nil, AiResolverOptions{})
	r := replied(t, f.resolver.Resolve(context.Background(), domain.AiRequest{Trigger: domain.TriggerReminder}))
	if r.Result.Origin != domain.OriginLocalFallback || r.Message.Content == "" {
		t.Fatalf("expected local text, got %+v", r.Result)
	}
}

func TestResolve_UnavailableAndFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStack()
	empty := NewAiResolver(s.store.Characters(), s.messages, s.rollup, nil, nil, nil, AiResolverOptions{})

	out := empty.Resolve(ctx, domain.AiRequest{Trigger: domain.TriggerReminder})
	u, ok := out.(domain.AiUnavailable)
	if !ok || !errors.Is(u.Reason, ErrNoCharacterAvailable) {
		t.Fatalf("expected AiUnavailable, got %#v", out)
	}

	out = empty.Resolve(ctx, domain.AiRequest{Trigger: "dance"})
	if f, ok := out.(domain.AiFailed); !ok || !errors.Is(f.Err, ErrInvalidInput) {
		t.Fatalf("expected AiFailed with ErrInvalidInput, got %#v", out)
	}

	fx := newResolverFixture(t, nil, nil, nil, AiResolverOptions{})
	fx.resolver.messages = &flakyMessages{MessageRepository: fx.stack.messages, failures: -1}
	out = fx.resolver.Resolve(ctx, domain.AiRequest{Trigger: domain.TriggerReminder})
	if f, ok := out.(domain.AiFailed); !ok || !errors.Is(f.Err, ErrPersistenceFailed) {
		t.Fatalf("expected AiFailed with ErrPersistenceFailed, got %#v", out)
	}
}

func TestResolve_RepliesUnreadCountsTowardUnread(t *testing.T) {
	ctx := context.Background()
	f := newResolverFixture(t, nil, nil, nil, AiResolverOptions{RepliesUnread: true})
	r := replied(t, f.resolver.Resolve(ctx, domain.AiRequest{Trigger: domain.TriggerReminder, ConversationID: "ai-custom"}))
	if r.Message.IsRead {
		t.Fatalf("expected unread reply")
	}
	conv, _ := f.stack.convs.GetByID(ctx, "ai-custom")
	if conv.UnreadCount != 1 {
		t.Fatalf("expected 1 unread, got %d", conv.UnreadCount)
	}
}

func TestAiResolver_Characters(t *testing.T) {
	ctx := context.Background()
	s := newTestStack()
	r := NewAiResolver(s.store.Characters(), s.messages, s.rollup, nil, nil, nil, AiResolverOptions{})

	first, err := r.CreateCharacter(ctx, " Luna ", domain.CharacterSage)
	if err != nil || !first.Selected || first.Name != "Luna" {
		t.Fatalf("expected first character selected, got %+v err=%v", first, err)
	}
	second, err := r.CreateCharacter(ctx, "Pep", domain.CharacterCheerleader)
	if err != nil || second.Selected {
		t.Fatalf("expected second character unselected, got %+v err=%v", second, err)
	}
	if _, err := r.CreateCharacter(ctx, "X", "pirate"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	if _, err := r.SelectCharacter(ctx, second.ID); err != nil {
		t.Fatalf("select: %v", err)
	}
	list, _ := r.ListCharacters(ctx)
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("expected selected character first, got %+v", list)
	}

	out := r.Resolve(ctx, domain.AiRequest{Trigger: domain.TriggerEncouragement})
	if rep := replied(t, out); rep.Message.SenderID != second.ID {
		t.Fatalf("expected reply from selected character, got %s", rep.Message.SenderID)
	}
}

// stuckGenerator ignora la cancelacion y solo vuelve cuando se libera.
type stuckGenerator struct{ release chan struct{} }

func (g stuckGenerator) Generate(context.Context, GenerationInput) (string, error) {
	<-g.release
	return "late", nil
}

func TestResolve_TimeoutFallsBackWhenGeneratorIgnoresCancellation(t *testing.T) {
	f := newResolverFixture(t, nil, StaticSignal(true), nil, AiResolverOptions{NetworkTimeout: 20 * time.Millisecond})
	release := make(chan struct{})
	defer close(release)
	f.resolver.network = stuckGenerator{release: release}

	done := make(chan domain.AiOutcome, 1)
	go func() {
		done <- f.resolver.Resolve(context.Background(), domain.AiRequest{Trigger: domain.TriggerReminder, Params: domain.TriggerParams{HabitName: "Reading"}})
	}()
	select {
	case out := <-done:
		if r := replied(t, out); r.Result.Origin != domain.OriginLocalFallback {
			t.Fatalf("expected local fallback, got %s", r.Result.Origin)
		}
	case <-time.After(time.Second):
		t.Fatalf("resolve blocked past the network timeout")
	}
}
