package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"habit-chat/internal/domain"
)

type fakeRemote struct {
	mu            sync.Mutex
	conversations []domain.Conversation
	messages      map[string][]domain.Message
	listErr       error
	messageErr    map[string]error
	gate          chan struct{}
	calls         atomic.Int32
}

func (r *fakeRemote) ListConversations(context.Context) ([]domain.Conversation, error) {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Conversation(nil), r.conversations...), r.listErr
}

func (r *fakeRemote) ListMessages(ctx context.Context, id string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.messageErr[id]; err != nil {
		return nil, err
	}
	return append([]domain.Message(nil), r.messages[id]...), nil
}

func TestSync_OutOfOrderArrivalConvergesToLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStack()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	// llega primero el mensaje mas nuevo por el canal en tiempo real
	p := NewIngestionPipeline(s.messages, s.rollup, IngestionOptions{SelfUserID: "me"})
	if _, err := p.Ingest(ctx, domain.InboundEvent{ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "nuevo", Timestamp: base.Add(time.Minute)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	remote := &fakeRemote{
		conversations: []domain.Conversation{{ID: "c1", Type: domain.ConversationPrivate, OtherUserID: "u2", LastMessage: "viejo", LastMessageTime: base}},
		messages: map[string][]domain.Message{
			"c1": {
				{ID: "m1", SenderID: "u2", Content: "viejo", Timestamp: base},
				{ID: "m2", SenderID: "u2", Content: "nuevo", Timestamp: base.Add(time.Minute)},
				{ID: "m0", SenderID: "me", Content: "mio", Timestamp: base.Add(-time.Minute)},
			},
		},
	}
	rec := NewSyncReconciler(remote, s.messages, s.rollup, nil, SyncOptions{SelfUserID: "me"})

	report, err := rec.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Conversations != 1 || report.MessagesInserted != 2 || len(report.Errors) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	conv, _ := s.convs.GetByID(ctx, "c1")
	if conv.LastMessage != "nuevo" || !conv.LastMessageTime.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected latest message after sync, got %+v", conv)
	}
	if conv.UnreadCount != 2 {
		t.Fatalf("expected 2 unread inbound messages, got %d", conv.UnreadCount)
	}
	own, _ := s.messages.GetByID(ctx, "m0")
	if !own.IsFromMe || !own.IsRead || own.ConversationID != "c1" {
		t.Fatalf("expected own message flags, got %+v", own)
	}

	again, _ := rec.Sync(ctx)
	if again.MessagesInserted != 0 {
		t.Fatalf("expected idempotent sync, got %d inserted", again.MessagesInserted)
	}
}

func TestSync_CollectsPerConversationErrorsAndResends(t *testing.T) {
	ctx := context.Background()
	s := newTestStack()
	ch := &fakeChannel{state: domain.StateDisconnected}
	d := newTestDispatcher(s, ch)
	if _, err := d.Send(ctx, SendRequest{ConversationID: "c1", Content: "pendiente"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	ch.setState(domain.StateConnected)

	remote := &fakeRemote{
		conversations: []domain.Conversation{{ID: "c1"}, {ID: "broken"}},
		messages:      map[string][]domain.Message{},
		messageErr:    map[string]error{"broken": errors.New("500")},
	}
	rec := NewSyncReconciler(remote, s.messages, s.rollup, d, SyncOptions{SelfUserID: "me", Parallelism: 2})

	report, err := rec.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Conversations != 1 || len(report.Errors) != 1 {
		t.Fatalf("expected one good and one failed conversation, got %+v", report)
	}
	if report.Resent != 1 || ch.sentCount() != 1 {
		t.Fatalf("expected pending message resent, got %+v", report)
	}
}

func TestSync_ListFailureIsError(t *testing.T) {
	s := newTestStack()
	rec := NewSyncReconciler(&fakeRemote{listErr: errors.New("offline")}, s.messages, s.rollup, nil, SyncOptions{})
	if _, err := rec.Sync(context.Background()); err == nil {
		t.Fatalf("expected error when remote listing fails")
	}
	var nilRec *SyncReconciler
	if _, err := nilRec.Sync(context.Background()); !errors.Is(err, ErrSyncNotConfigured) {
		t.Fatalf("expected ErrSyncNotConfigured, got %v", err)
	}
}

func TestSync_ConcurrentCallsAreCoalesced(t *testing.T) {
	s := newTestStack()
	remote := &fakeRemote{gate: make(chan struct{})}
	rec := NewSyncReconciler(remote, s.messages, s.rollup, nil, SyncOptions{})

	var wg sync.WaitGroup
	run := func() {
		defer wg.Done()
		if _, err := rec.Sync(context.Background()); err != nil {
			t.Errorf("sync: %v", err)
		}
	}
	wg.Add(1)
	go run()
	for remote.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	wg.Add(1)
	go run()
	time.Sleep(20 * time.Millisecond)
	close(remote.gate)
	wg.Wait()

	if got := remote.calls.Load(); got != 1 {
		t.Fatalf("expected a single remote listing, got %d", got)
	}
}

func TestSync_WatchConnectionSyncsOnConnect(t *testing.T) {
	s := newTestStack()
	remote := &fakeRemote{}
	rec := NewSyncReconciler(remote, s.messages, s.rollup, nil, SyncOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	statuses := make(chan domain.ConnectionStatus, 2)
	go rec.WatchConnection(ctx, statuses)

	statuses <- domain.ConnectionStatus{State: domain.StateReconnecting}
	time.Sleep(10 * time.Millisecond)
	if remote.calls.Load() != 0 {
		t.Fatalf("expected no sync while reconnecting")
	}
	statuses <- domain.ConnectionStatus{State: domain.StateConnected}

	deadline := time.After(2 * time.Second)
	for remote.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatalf("expected sync after reconnect")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestSync_CallerLeavingDoesNotAbortSharedRun(t *testing.T) {
	s := newTestStack()
	remote := &fakeRemote{
		gate:          make(chan struct{}),
		conversations: []domain.Conversation{{ID: "c1", OtherUserID: "u2"}},
		messages:      map[string][]domain.Message{"c1": {{ID: "m1", SenderID: "u2", Content: "hola"}}},
	}
	rec := NewSyncReconciler(remote, s.messages, s.rollup, nil, SyncOptions{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := rec.Sync(firstCtx)
		firstErr <- err
	}()
	for remote.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	type result struct {
		report SyncReport
		err    error
	}
	second := make(chan result, 1)
	go func() {
		report, err := rec.Sync(context.Background())
		second <- result{report, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected first caller cancelled, got %v", err)
	}
	close(remote.gate)

	res := <-second
	if res.err != nil || res.report.Conversations != 1 || res.report.MessagesInserted != 1 || len(res.report.Errors) != 0 {
		t.Fatalf("expected shared run to complete, got %+v err=%v", res.report, res.err)
	}
}
