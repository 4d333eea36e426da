package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peerbot/peerbot/internal/common/config"
	"github.com/peerbot/peerbot/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	reconnectBackoff    = 2 * time.Second
	maxReconnectBackoff = time.Minute
)

// envelope is the socket-mode frame wrapping every event. Every envelope is
// acked by id so the platform does not redeliver.
type envelope struct {
	EnvelopeID string          `json:"envelope_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type envelopeAck struct {
	EnvelopeID string `json:"envelope_id"`
}

// Gateway maintains a websocket connection to the chat platform's event
// stream and emits MessageEvents. It reconnects with backoff until stopped.
type Gateway struct {
	cfg    config.ChatConfig
	logger *logger.Logger
	events chan MessageEvent

	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGateway creates a gateway for the configured event stream URL.
func NewGateway(cfg config.ChatConfig, log *logger.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "chat-gateway")),
		events: make(chan MessageEvent, 256),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		stopCh: make(chan struct{}),
	}
}

// Events returns the inbound event stream. Closed when the gateway stops.
func (g *Gateway) Events() <-chan MessageEvent {
	return g.events
}

// Start launches the connect/read loop.
func (g *Gateway) Start(ctx context.Context) {
	g.wg.Add(1)
	go g.run(ctx)
}

// Stop closes the connection and the event channel.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })

	g.mu.Lock()
	if g.conn != nil {
		_ = g.conn.Close()
	}
	g.mu.Unlock()

	g.wg.Wait()
	close(g.events)
}

func (g *Gateway) run(ctx context.Context) {
	defer g.wg.Done()

	backoff := reconnectBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		default:
		}

		if err := g.connectAndRead(ctx); err != nil {
			g.logger.Warn("gateway connection lost",
				zap.Error(err),
				zap.Duration("retry_in", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}
}

func (g *Gateway) connectAndRead(ctx context.Context) error {
	header := http.Header{}
	if g.cfg.GatewayToken != "" {
		header.Set("Authorization", "Bearer "+g.cfg.GatewayToken)
	}

	conn, _, err := g.dialer.DialContext(ctx, g.cfg.GatewayURL, header)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.conn = nil
		g.mu.Unlock()
		conn.Close()
	}()

	g.logger.Info("gateway connected", zap.String("url", g.cfg.GatewayURL))

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go g.pingLoop(conn, pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return err
			}
			return err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.logger.Warn("discarding malformed envelope", zap.Error(err))
			continue
		}

		// Ack before processing; the queue layer owns retries from here on.
		if env.EnvelopeID != "" {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(envelopeAck{EnvelopeID: env.EnvelopeID}); err != nil {
				return err
			}
		}

		if env.Type != "events_api" {
			continue
		}

		var event MessageEvent
		if err := json.Unmarshal(env.Payload, &event); err != nil {
			g.logger.Warn("discarding malformed event payload",
				zap.String("envelope_id", env.EnvelopeID),
				zap.Error(err))
			continue
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}

		select {
		case g.events <- event:
		default:
			g.logger.Warn("event buffer full, dropping event",
				zap.String("message_id", event.MessageID))
		}
	}
}

func (g *Gateway) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
