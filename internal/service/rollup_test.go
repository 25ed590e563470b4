package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"habit-chat/internal/domain"
	"habit-chat/internal/events"
	"habit-chat/internal/repository"
)

func TestRollup_ApplyCreatesConversationAndFloorsUnread(t *testing.T) {
	ctx := context.Background()
	s := newTestStack()
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	conv, err := s.rollup.ApplyMessageEvent(ctx, RollupEvent{
		ConversationID: "c1",
		Content:        "hola",
		Timestamp:      ts,
		SenderID:       "u2",
		UnreadDelta:    1,
		MessageType:    domain.MessageTypeText,
		OtherUserID:    "u2",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if conv.Type != domain.ConversationPrivate || conv.OtherUserID != "u2" || conv.UnreadCount != 1 {
		t.Fatalf("unexpected new conversation: %+v", conv)
	}

	conv, err = s.rollup.ApplyMessageEvent(ctx, RollupEvent{ConversationID: "c1", Content: "chau", Timestamp: ts, UnreadDelta: -4})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if conv.UnreadCount != 0 {
		t.Fatalf("expected unread floored at 0, got %d", conv.UnreadCount)
	}
	if conv.LastMessage != "chau" {
		t.Fatalf("expected last message overwritten, got %q", conv.LastMessage)
	}

	if _, err := s.rollup.ApplyMessageEvent(ctx, RollupEvent{ConversationID: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRollup_AiPrefixInfersType(t *testing.T) {
	s := newTestStack()
	conv, err := s.rollup.ApplyMessageEvent(context.Background(), RollupEvent{ConversationID: "ai-coach", Content: "x"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if conv.Type != domain.ConversationAI {
		t.Fatalf("expected AI conversation, got %s", conv.Type)
	}
}

func TestRollup_RecomputeUsesLatestVisibleMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStack()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	edited := "editado"

	seed := []domain.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "primero", Timestamp: base},
		{ID: "m2", ConversationID: "c1", SenderID: "me", Content: "segundo", Timestamp: base.Add(2 * time.Minute), IsFromMe: true, IsRead: true, EditedContent: &edited},
		{ID: "m3", ConversationID: "c1", SenderID: "u2", Content: "borrado", Timestamp: base.Add(3 * time.Minute), SoftDeleted: true},
		{ID: "m4", ConversationID: "c1", SenderID: "u2", Content: "tercero", Timestamp: base.Add(time.Minute)},
	}
	for _, m := range seed {
		if _, err := s.messages.Create(ctx, m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	// el resumen quedo desfasado a proposito
	_ = s.convs.Create(ctx, domain.Conversation{ID: "c1", Type: domain.ConversationPrivate, LastMessage: "viejo", UnreadCount: 9})

	conv, err := s.rollup.Recompute(ctx, "c1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if conv.LastMessage != "editado" || conv.LastMessageSenderID != "me" {
		t.Fatalf("expected edited latest visible message, got %+v", conv)
	}
	if !conv.LastMessageTime.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("expected max timestamp, got %v", conv.LastMessageTime)
	}
	if conv.UnreadCount != 2 {
		t.Fatalf("expected 2 unread, got %d", conv.UnreadCount)
	}

	if _, err := s.rollup.Recompute(ctx, "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRollup_MarkReadDecrementsByFlipped(t *testing.T) {
	ctx := context.Background()
	s := newTestStack()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		_, _ = s.messages.Create(ctx, domain.Message{ID: id, ConversationID: "c1", SenderID: "u2", Timestamp: base.Add(time.Duration(i) * time.Second)})
		if _, err := s.rollup.ApplyMessageEvent(ctx, RollupEvent{ConversationID: "c1", Content: id, UnreadDelta: 1, Timestamp: base}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	conv, flipped, err := s.rollup.MarkRead(ctx, "c1", []string{"a", "a", "b"})
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if flipped != 2 || conv.UnreadCount != 1 {
		t.Fatalf("expected 2 flipped and 1 unread, got flipped=%d unread=%d", flipped, conv.UnreadCount)
	}
	conv, flipped, _ = s.rollup.MarkRead(ctx, "c1", nil)
	if flipped != 1 || conv.UnreadCount != 0 {
		t.Fatalf("expected remaining message read, got flipped=%d unread=%d", flipped, conv.UnreadCount)
	}

	if _, _, err := s.rollup.MarkRead(ctx, "missing", nil); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRollup_MergeRemoteKeepsLocalUnread(t *testing.T) {
	ctx := context.Background()
	s := newTestStack()
	old := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	newer := old.Add(time.Hour)

	_ = s.convs.Create(ctx, domain.Conversation{
		ID: "c1", Type: domain.ConversationPrivate, LastMessage: "local",
		LastMessageTime: newer, UnreadCount: 3, UpdatedAt: old,
	})

	conv, err := s.rollup.MergeRemote(ctx, domain.Conversation{
		ID: "c1", Type: domain.ConversationGroup, LastMessage: "remoto",
		LastMessageTime: old, UnreadCount: 0, Pinned: true, UpdatedAt: newer,
	})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !conv.Pinned || conv.Type != domain.ConversationGroup {
		t.Fatalf("expected remote identity and flags, got %+v", conv)
	}
	if conv.LastMessage != "local" {
		t.Fatalf("expected newer local last message kept, got %q", conv.LastMessage)
	}
	if conv.UnreadCount != 3 {
		t.Fatalf("expected local unread kept, got %d", conv.UnreadCount)
	}

	created, err := s.rollup.MergeRemote(ctx, domain.Conversation{ID: "c2", UnreadCount: -2})
	if err != nil {
		t.Fatalf("merge new: %v", err)
	}
	if created.Type != domain.ConversationPrivate || created.UnreadCount != 0 || created.CreatedAt.IsZero() {
		t.Fatalf("unexpected created conversation: %+v", created)
	}
}

func TestRollup_SetFlagsPublishesAndValidates(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	store := repository.NewMemoryStore()
	r := NewRollupEngine(store.Conversations(), store.Messages(), pub, nil)
	_ = store.Conversations().Create(ctx, domain.Conversation{ID: "c1", LastMessage: "hola", UnreadCount: 2})

	updates, cancel := r.Updates()
	defer cancel()

	muted := true
	conv, err := r.SetFlags(ctx, "c1", domain.FlagUpdate{Muted: &muted})
	if err != nil {
		t.Fatalf("set flags: %v", err)
	}
	if !conv.Muted || conv.UnreadCount != 2 || conv.LastMessage != "hola" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	select {
	case got := <-updates:
		if got.ID != "c1" || !got.Muted {
			t.Fatalf("unexpected update: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected update on stream")
	}
	if pub.count(events.TypeConversationUpdated) != 1 {
		t.Fatalf("expected one published event, got %d", pub.count(events.TypeConversationUpdated))
	}

	if _, err := r.SetFlags(ctx, "c1", domain.FlagUpdate{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRollup_ConcurrentEventsOnSameConversation(t *testing.T) {
	ctx := context.Background()
	s := newTestStack()
	const n = 100

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.rollup.ApplyMessageEvent(ctx, RollupEvent{ConversationID: "c1", Content: "x", UnreadDelta: 1}); err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	conv, err := s.convs.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if conv.UnreadCount != n {
		t.Fatalf("expected %d unread, got %d", n, conv.UnreadCount)
	}
}

func TestRollup_NotConfigured(t *testing.T) {
	var r *RollupEngine
	if _, err := r.ApplyMessageEvent(context.Background(), RollupEvent{ConversationID: "c1"}); !errors.Is(err, ErrRollupNotConfigured) {
		t.Fatalf("expected ErrRollupNotConfigured, got %v", err)
	}
}
