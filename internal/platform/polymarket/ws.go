package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polywhale/internal/domain"
)

// DefaultWSURL is the CLOB market channel endpoint.
const DefaultWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// PriceHandler receives every observed token price.
type PriceHandler func(PriceTick)

// WSClient streams last-trade and best-price updates for a set of outcome
// tokens from the CLOB market channel, reconnecting with exponential
// backoff until its context ends.
type WSClient struct {
	wsURL   string
	handler PriceHandler
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSClient creates a client for wsURL that reports prices to handler.
func NewWSClient(wsURL string, handler PriceHandler, logger *slog.Logger) *WSClient {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &WSClient{
		wsURL:   wsURL,
		handler: handler,
		logger:  logger.With(slog.String("component", "polymarket_ws")),
		now:     time.Now,
	}
}

// Run subscribes to assetIDs and streams until ctx is done or refresh
// elapses, whichever is first. A refresh of zero streams until ctx is done.
// Dropped connections are re-established with backoff.
func (w *WSClient) Run(ctx context.Context, assetIDs []string, refresh time.Duration) error {
	if len(assetIDs) == 0 {
		return nil
	}
	if refresh > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, refresh)
		defer cancel()
	}

	delay := reconnectDelay
	for {
		err := w.session(ctx, assetIDs)
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("price stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session runs one connection until it fails or ctx is done.
func (w *WSClient) session(ctx context.Context, assetIDs []string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	if err := w.send(WSCommand{Type: "market", Assets: assetIDs}); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	w.logger.Info("price stream subscribed", slog.Int("assets", len(assetIDs)))

	done := make(chan struct{})
	defer close(done)
	go w.pingLoop(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = w.close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("polymarket/ws: %w: %v", domain.ErrWSDisconnect, err)
		}
		w.handleMessage(message)
	}
}

func (w *WSClient) send(cmd WSCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return domain.ErrWSDisconnect
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WSClient) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	return w.conn.Close()
}

// pingLoop sends periodic pings until done is closed or a write fails.
func (w *WSClient) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			w.mu.Lock()
			conn := w.conn
			var err error
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			w.mu.Unlock()
			if conn == nil || err != nil {
				return
			}
		}
	}
}

// handleMessage routes a frame, which may be a single event or an array of
// events, to the price handler. Unparseable frames are dropped.
func (w *WSClient) handleMessage(raw []byte) {
	if len(raw) > 0 && raw[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return
		}
		for _, msg := range batch {
			w.handleMessage(msg)
		}
		return
	}

	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return
	}
	now := w.now()
	switch envelope.EventType {
	case "last_trade_price":
		var msg PriceMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		if tick, ok := msg.tick(now); ok {
			w.handler(tick)
		}
	case "price_change":
		var msg PriceChangeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		for _, tick := range msg.ticks(now) {
			w.handler(tick)
		}
	}
}
