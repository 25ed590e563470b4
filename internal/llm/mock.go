package llm

import (
	"context"
	"sync"
	"time"
)

// MockClient permite tests sin llamar a un LLM real.
// Con Delay simula latencia y respeta la cancelacion del contexto.
type MockClient struct {
	Response string
	Err      error
	Delay    time.Duration

	mu        sync.Mutex
	calls     int
	last      Request
	cancelled bool
}

func (m *MockClient) Generate(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	m.calls++
	m.last = req
	m.mu.Unlock()

	if m.Delay > 0 {
		timer := time.NewTimer(m.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.cancelled = true
			m.mu.Unlock()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return m.Response, m.Err
}

func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Cancelled indica si alguna llamada termino por cancelacion del contexto.
func (m *MockClient) Cancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}
