package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// WSDialer abre conexiones WebSocket contra <BaseURL>/ws?token=.
type WSDialer struct {
	BaseURL           string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
}

func NewWSDialer(baseURL string, heartbeat time.Duration, logger *zap.Logger) *WSDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSDialer{
		BaseURL:           baseURL,
		HeartbeatInterval: heartbeat,
		HandshakeTimeout:  10 * time.Second,
		Logger:            logger,
	}
}

func (d *WSDialer) endpoint(token string) string {
	wsURL := strings.TrimRight(d.BaseURL, "/")
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws?token=" + url.QueryEscape(token)
}

// Dial conecta y espera el evento "authenticated" como primer frame.
func (d *WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	handshakeCtx := ctx
	if d.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}

	ws, resp, err := websocket.Dial(handshakeCtx, d.endpoint(token), &websocket.DialOptions{HTTPClient: d.HTTPClient})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := ws.Read(handshakeCtx)
	if err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("read auth message: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("decode auth message: %w", err)
	}
	switch env.Type {
	case EventAuthenticated:
	case EventError:
		ws.Close(websocket.StatusNormalClosure, "")
		var se ServerError
		_ = json.Unmarshal(env.Payload, &se)
		if strings.EqualFold(se.Code, "unauthorized") {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("handshake rejected: %s", se.Message)
	default:
		ws.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &wsConn{ws: ws, cancel: cancel, logger: d.Logger}
	if d.HeartbeatInterval > 0 {
		go c.heartbeatLoop(connCtx, d.HeartbeatInterval)
	}
	return c, nil
}

type wsConn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	logger *zap.Logger
	once   sync.Once
}

func (c *wsConn) Receive(ctx context.Context) (Envelope, error) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("realtime: frame descartado", zap.Error(err))
			continue
		}
		return env, nil
	}
}

func (c *wsConn) Send(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.ws.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return err
}

// heartbeatLoop cierra la conexion si un ping no recibe respuesta a tiempo.
// Requiere que Receive se este llamando en paralelo.
func (c *wsConn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("realtime: heartbeat sin respuesta", zap.Error(err))
				c.ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}
