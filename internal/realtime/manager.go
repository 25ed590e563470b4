package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"habit-chat/internal/domain"
	"habit-chat/internal/metrics"
	"habit-chat/internal/stream"
)

type Options struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// IncomingBuffer es la capacidad del canal de eventos entrantes.
	IncomingBuffer int
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Manager es el dueño unico del canal en tiempo real.
// Estados: disconnected -> connecting -> connected -> reconnecting -> ... ; Disconnect siempre gana.
type Manager struct {
	dialer  Dialer
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	state  domain.ConnectionState
	gen    uint64
	cancel context.CancelFunc
	conn   Conn

	statuses *stream.Broadcaster[domain.ConnectionStatus]
	errs     *stream.Broadcaster[error]
	incoming chan domain.InboundEvent
}

func NewManager(dialer Dialer, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IncomingBuffer <= 0 {
		opts.IncomingBuffer = 256
	}
	m := &Manager{
		dialer:   dialer,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		state:    domain.StateDisconnected,
		statuses: stream.NewBroadcaster[domain.ConnectionStatus](16),
		errs:     stream.NewBroadcaster[error](16),
		incoming: make(chan domain.InboundEvent, opts.IncomingBuffer),
	}
	m.metrics.SetConnectionState(string(domain.StateDisconnected))
	return m
}

func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Statuses emite cada transicion de estado. La funcion devuelta cancela la suscripcion.
func (m *Manager) Statuses() (<-chan domain.ConnectionStatus, func()) {
	return m.statuses.Subscribe()
}

// Errors emite errores de transporte no fatales.
func (m *Manager) Errors() (<-chan error, func()) {
	return m.errs.Subscribe()
}

// Incoming entrega los mensajes recibidos por la conexion activa.
func (m *Manager) Incoming() <-chan domain.InboundEvent {
	return m.incoming
}

// Connect arranca el ciclo de conexion. No hace nada si no esta desconectado.
func (m *Manager) Connect(ctx context.Context, token string) {
	m.mu.Lock()
	if m.state != domain.StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.setStateLocked(domain.StateConnecting, 0)
	m.mu.Unlock()

	go m.run(runCtx, gen, token)
}

// Disconnect es valido desde cualquier estado e idempotente.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	conn := m.conn
	m.conn = nil
	if m.state != domain.StateDisconnected {
		m.setStateLocked(domain.StateDisconnected, 0)
	}
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("realtime: cierre de conexion", zap.Error(err))
		}
	}
}

// run termina siempre en disconnected si su generacion sigue vigente, incluso cuando
// el ctx de Connect se cancela sin pasar por Disconnect.
func (m *Manager) run(ctx context.Context, gen uint64, token string) {
	defer m.stop(gen)
	recon := newReconnector(m.opts.ReconnectBaseDelay, m.opts.ReconnectMaxDelay)
	for {
		conn, err := m.dialer.Dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrUnauthorized) {
				m.logger.Warn("realtime: token rechazado", zap.Error(err))
				m.publishError(err)
				return
			}
			m.publishError(fmt.Errorf("connect: %w", err))
			if !m.waitReconnect(ctx, gen, recon) {
				return
			}
			continue
		}

		if !m.attach(gen, conn) {
			_ = conn.Close()
			return
		}
		recon.reset()
		m.logger.Info("realtime: conectado")

		err = m.readLoop(ctx, conn)
		m.detach(gen, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		m.publishError(fmt.Errorf("connection lost: %w", err))
		if !m.waitReconnect(ctx, gen, recon) {
			return
		}
	}
}

// attach publica la conexion si la generacion sigue vigente.
func (m *Manager) attach(gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.conn = conn
	m.setStateLocked(domain.StateConnected, 0)
	return true
}

func (m *Manager) detach(gen uint64, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && m.conn == conn {
		m.conn = nil
	}
}

func (m *Manager) stop(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.conn = nil
	if m.state != domain.StateDisconnected {
		m.setStateLocked(domain.StateDisconnected, 0)
	}
}

// waitReconnect pasa a reconnecting y espera el backoff; false si hubo Disconnect.
func (m *Manager) waitReconnect(ctx context.Context, gen uint64, recon *reconnector) bool {
	delay := recon.nextDelay()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.setStateLocked(domain.StateReconnecting, recon.attempt)
	m.mu.Unlock()

	m.metrics.IncReconnect()
	m.logger.Info("realtime: reintentando",
		zap.Int("attempt", recon.attempt),
		zap.Duration("delay", delay),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		switch env.Type {
		case EventMessageNew:
			ev, err := decodeMessageNew(env.Payload)
			if err != nil {
				m.publishError(fmt.Errorf("decode %s: %w", env.Type, err))
				continue
			}
			select {
			case m.incoming <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case EventError:
			var se ServerError
			_ = json.Unmarshal(env.Payload, &se)
			m.publishError(fmt.Errorf("server error: %s", se.Message))
		}
	}
}

type messageNewPayload struct {
	domain.InboundEvent
	Type      string `json:"type"`
	CreatedAt string `json:"createdAt"`
}

func decodeMessageNew(raw json.RawMessage) (domain.InboundEvent, error) {
	var p messageNewPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.InboundEvent{}, err
	}
	ev := p.InboundEvent
	if ev.ConversationID == "" {
		return domain.InboundEvent{}, errors.New("missing conversationId")
	}
	ev.MessageType = domain.ParseMessageType(p.Type)
	if ev.Timestamp.IsZero() && p.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, p.CreatedAt); err == nil {
			ev.Timestamp = ts
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return ev, nil
}

func (m *Manager) publishError(err error) {
	m.metrics.IncTransportError()
	m.errs.Publish(err)
}

func (m *Manager) setStateLocked(state domain.ConnectionState, attempt int) {
	m.state = state
	m.metrics.SetConnectionState(string(state))
	m.statuses.Publish(domain.ConnectionStatus{State: state, Attempt: attempt, At: time.Now().UTC()})
}

func (m *Manager) live() (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.StateConnected || m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

func (m *Manager) send(ctx context.Context, cmd Command) error {
	conn, err := m.live()
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, cmd); err != nil {
		return fmt.Errorf("%s: %w", cmd.Type, err)
	}
	return nil
}

// Send envia un mensaje por la conexion activa.
func (m *Manager) Send(ctx context.Context, msg domain.OutboundMessage) error {
	return m.send(ctx, Command{Type: CommandSendMessage, Payload: msg, RequestID: msg.MessageID})
}

func (m *Manager) JoinRoom(ctx context.Context, conversationID string) error {
	return m.send(ctx, Command{Type: CommandJoin, Payload: map[string]string{"conversationId": conversationID}})
}

func (m *Manager) LeaveRoom(ctx context.Context, conversationID string) error {
	return m.send(ctx, Command{Type: CommandLeave, Payload: map[string]string{"conversationId": conversationID}})
}

// MarkRead avisa al servidor; ids vacio significa toda la conversacion.
func (m *Manager) MarkRead(ctx context.Context, conversationID string, ids []string) error {
	return m.send(ctx, Command{Type: CommandMarkRead, Payload: map[string]any{
		"conversationId": conversationID,
		"messageIds":     ids,
	}})
}

func (m *Manager) SendTypingStatus(ctx context.Context, conversationID string, typing bool) error {
	cmd := CommandTypingStop
	if typing {
		cmd = CommandTypingStart
	}
	return m.send(ctx, Command{Type: cmd, Payload: map[string]string{"conversationId": conversationID}})
}
