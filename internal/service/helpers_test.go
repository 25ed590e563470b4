package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"habit-chat/internal/domain"
	"habit-chat/internal/events"
	"habit-chat/internal/realtime"
	"habit-chat/internal/repository"
)

type testStack struct {
	store    *repository.MemoryStore
	messages *repository.MemoryMessageRepository
	convs    *repository.MemoryConversationRepository
	rollup   *RollupEngine
}

func newTestStack() testStack {
	store := repository.NewMemoryStore()
	return testStack{
		store:    store,
		messages: store.Messages(),
		convs:    store.Conversations(),
		rollup:   NewRollupEngine(store.Conversations(), store.Messages(), nil, nil),
	}
}

// stepClock avanza un segundo en cada llamada.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

// flakyMessages falla las primeras failures llamadas a Create.
type flakyMessages struct {
	repository.MessageRepository
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyMessages) Create(ctx context.Context, m domain.Message) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures != 0 && (f.failures < 0 || f.calls <= f.failures)
	f.mu.Unlock()
	if fail {
		return false, errors.New("disk full")
	}
	return f.MessageRepository.Create(ctx, m)
}

type fakeChannel struct {
	mu      sync.Mutex
	state   domain.ConnectionState
	sendErr error
	sent    []domain.OutboundMessage
	typing  []bool
}

func (c *fakeChannel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) setState(s domain.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *fakeChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.StateConnected {
		return realtime.ErrNotConnected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) SendTypingStatus(_ context.Context, _ string, typing bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.typing = append(c.typing, typing)
	return nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
