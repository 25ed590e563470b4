package http

import (
	"net/http"
	"testing"

	"habit-chat/internal/domain"
)

func TestAiHandler_CharactersAndResponse(t *testing.T) {
	f := newAPIFixture(t, nil)

	if rec := f.do(t, http.MethodPost, "/ai/responses", map[string]string{"trigger": "reminder"}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without characters, got %d", rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/characters", map[string]string{"name": "Rex", "type": "coach"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[struct {
		Character domain.AiCharacter `json:"character"`
	}](t, rec).Character
	if !created.Selected {
		t.Fatalf("expected first character selected")
	}

	rec = f.do(t, http.MethodPost, "/ai/responses", map[string]any{"trigger": "celebration", "habit_name": "Yoga", "streak": 4})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	reply := decode[struct {
		Message domain.Message          `json:"message"`
		Origin  domain.GenerationOrigin `json:"origin"`
	}](t, rec)
	if reply.Origin != domain.OriginLocalFallback || reply.Message.SenderID != created.ID {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.Message.ConversationID != "ai-"+created.ID {
		t.Fatalf("expected default ai conversation, got %q", reply.Message.ConversationID)
	}

	if rec := f.do(t, http.MethodPost, "/ai/responses", map[string]string{"trigger": "dance"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown trigger, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/characters", map[string]string{"name": "X", "type": "pirate"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/characters/missing/select", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 selecting unknown character, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/characters", nil)
	list := decode[struct {
		Characters []domain.AiCharacter `json:"characters"`
	}](t, rec).Characters
	if len(list) != 1 {
		t.Fatalf("expected 1 character, got %d", len(list))
	}
}
