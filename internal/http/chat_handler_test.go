package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"habit-chat/internal/domain"
	"habit-chat/internal/repository"
	"habit-chat/internal/service"
)

type stubConn struct {
	mu    sync.Mutex
	state domain.ConnectionState
	sent  []domain.OutboundMessage
	reads []string
}

func (s *stubConn) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubConn) Send(_ context.Context, msg domain.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubConn) SendTypingStatus(context.Context, string, bool) error { return nil }

func (s *stubConn) MarkRead(_ context.Context, conversationID string, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, conversationID)
	return nil
}

type stubRemote struct{}

func (stubRemote) ListConversations(context.Context) ([]domain.Conversation, error) {
	return []domain.Conversation{{ID: "remote-1", Type: domain.ConversationPrivate}}, nil
}

func (stubRemote) ListMessages(context.Context, string) ([]domain.Message, error) {
	return []domain.Message{{ID: "r1", SenderID: "u9", Content: "desde el servidor", Timestamp: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}}, nil
}

type apiFixture struct {
	router *gin.Engine
	store  *repository.MemoryStore
	conn   *stubConn
	rollup *service.RollupEngine
}

func newAPIFixture(t *testing.T, jwtSvc *service.JWTService) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	store := repository.NewMemoryStore()
	conn := &stubConn{state: domain.StateConnected}

	rollup := service.NewRollupEngine(store.Conversations(), store.Messages(), nil, logger)
	dispatcher := service.NewDispatcher(store.Messages(), rollup, conn, service.DispatcherOptions{SelfUserID: "me", Logger: logger})
	reconciler := service.NewSyncReconciler(stubRemote{}, store.Messages(), rollup, dispatcher, service.SyncOptions{SelfUserID: "me", Logger: logger})
	resolver := service.NewAiResolver(store.Characters(), store.Messages(), rollup, nil, nil, nil, service.AiResolverOptions{SelfUserID: "me", Logger: logger})

	chatH := NewChatHandler(logger, store.Conversations(), store.Messages(), rollup, dispatcher, reconciler, conn)
	aiH := NewAiHandler(logger, resolver)
	return apiFixture{
		router: NewRouter(logger, chatH, aiH, jwtSvc, nil),
		store:  store,
		conn:   conn,
		rollup: rollup,
	}
}

func (f apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestChatHandler_SendListAndRead(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/conversations/c1/messages", map[string]string{"content": "hola", "receiver_id": "u2"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	sent := decode[struct {
		Message domain.Message `json:"message"`
	}](t, rec)
	if !sent.Message.IsSent || sent.Message.ConversationID != "c1" {
		t.Fatalf("unexpected message: %+v", sent.Message)
	}

	ctx := context.Background()
	_, _ = f.store.Messages().Create(ctx, domain.Message{ID: "in1", ConversationID: "c1", SenderID: "u2", Content: "respuesta", Timestamp: time.Now().UTC()})
	_, _ = f.rollup.ApplyMessageEvent(ctx, service.RollupEvent{ConversationID: "c1", Content: "respuesta", SenderID: "u2", UnreadDelta: 1, Timestamp: time.Now().UTC()})

	rec = f.do(t, http.MethodGet, "/conversations", nil)
	list := decode[struct {
		Conversations []domain.Conversation `json:"conversations"`
	}](t, rec)
	if len(list.Conversations) != 1 || list.Conversations[0].UnreadCount != 1 {
		t.Fatalf("unexpected conversations: %+v", list.Conversations)
	}

	rec = f.do(t, http.MethodPost, "/conversations/c1/read", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	read := decode[struct {
		Conversation domain.Conversation `json:"conversation"`
		Marked       int                 `json:"marked"`
	}](t, rec)
	if read.Marked != 1 || read.Conversation.UnreadCount != 0 {
		t.Fatalf("unexpected read result: %+v", read)
	}
	if len(f.conn.reads) != 1 {
		t.Fatalf("expected read receipt sent to server")
	}

	rec = f.do(t, http.MethodGet, "/conversations/c1/messages", nil)
	msgs := decode[struct {
		Messages []domain.Message `json:"messages"`
	}](t, rec)
	if len(msgs.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs.Messages))
	}
}

func TestChatHandler_Validation(t *testing.T) {
	f := newAPIFixture(t, nil)

	if rec := f.do(t, http.MethodPost, "/conversations/c1/messages", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing content, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/conversations/missing/read", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conversation, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPatch, "/conversations/c1", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty flags, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/messages/missing/retry", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown message, got %d", rec.Code)
	}
}

func TestChatHandler_FlagsEditDeleteAndRetry(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.conn.state = domain.StateReconnecting

	rec := f.do(t, http.MethodPost, "/conversations/c1/messages", map[string]string{"content": "primero"})
	msg := decode[struct {
		Message domain.Message `json:"message"`
	}](t, rec).Message
	if msg.IsSent {
		t.Fatalf("expected unsent message while reconnecting")
	}

	f.conn.state = domain.StateConnected
	rec = f.do(t, http.MethodPost, "/messages/"+msg.ID+"/retry", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodPost, "/messages/"+msg.ID+"/retry", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 retrying a sent message, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPatch, "/messages/"+msg.ID, map[string]string{"content": "corregido"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on edit, got %d", rec.Code)
	}
	conv, _ := f.store.Conversations().GetByID(context.Background(), "c1")
	if conv.LastMessage != "corregido" {
		t.Fatalf("expected edited rollup, got %q", conv.LastMessage)
	}

	rec = f.do(t, http.MethodPatch, "/conversations/c1", map[string]bool{"pinned": true})
	updated := decode[struct {
		Conversation domain.Conversation `json:"conversation"`
	}](t, rec).Conversation
	if !updated.Pinned || updated.LastMessage != "corregido" {
		t.Fatalf("unexpected conversation after flags: %+v", updated)
	}

	if rec := f.do(t, http.MethodDelete, "/messages/"+msg.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", rec.Code)
	}
	conv, _ = f.store.Conversations().GetByID(context.Background(), "c1")
	if conv.LastMessage != "" {
		t.Fatalf("expected empty preview after deleting the only message, got %q", conv.LastMessage)
	}
}

func TestChatHandler_SyncAndConnection(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	report := decode[struct {
		Report service.SyncReport `json:"report"`
	}](t, rec).Report
	if report.Conversations != 1 || report.MessagesInserted != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	conv, err := f.store.Conversations().GetByID(context.Background(), "remote-1")
	if err != nil || conv.LastMessage != "desde el servidor" || conv.UnreadCount != 1 {
		t.Fatalf("unexpected synced conversation: %+v err=%v", conv, err)
	}

	rec = f.do(t, http.MethodGet, "/connection", nil)
	state := decode[struct {
		State domain.ConnectionState `json:"state"`
	}](t, rec).State
	if state != domain.StateConnected {
		t.Fatalf("expected connected, got %s", state)
	}
}

func TestRouter_RequiresTokenWhenConfigured(t *testing.T) {
	jwtSvc := service.NewJWTService("secret", time.Minute)
	f := newAPIFixture(t, jwtSvc)

	if rec := f.do(t, http.MethodGet, "/conversations", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected open health check, got %d", rec.Code)
	}

	token, _ := jwtSvc.IssueAccessToken("me")
	req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
}
