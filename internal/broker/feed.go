package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vsharma2491/trading-algo/internal/contracts"
	"github.com/vsharma2491/trading-algo/pkg/logger"
)

const (
	reconnectDelay    = 5 * time.Second
	maxReconnectDelay = 5 * time.Minute

	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second

	feedBuffer = 256
)

// wsTickPayload is the wire shape of one tick message.
type wsTickPayload struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
	Seq       uint64  `json:"seq"`
}

// WSFeed is a live tick stream over a websocket connection. It
// reconnects with exponential backoff and keeps the connection alive
// with ping/pong. It satisfies the TickSource contract; downstream
// consumers cannot tell it from a replay.
type WSFeed struct {
	url   string
	token string
	log   *logger.Logger

	instruments map[string]contracts.Instrument // by routing key

	connMu sync.Mutex
	conn   *websocket.Conn

	out    chan contracts.Tick
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewWSFeed creates a feed for the given instruments. Start must be
// called before Next.
func NewWSFeed(url, token string, instruments []contracts.Instrument, log *logger.Logger) *WSFeed {
	byKey := make(map[string]contracts.Instrument, len(instruments))
	for _, ins := range instruments {
		byKey[ins.Key()] = ins
	}
	return &WSFeed{
		url:         url,
		token:       token,
		log:         log.WithComponent("ws-feed"),
		instruments: byKey,
		out:         make(chan contracts.Tick, feedBuffer),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start dials the feed and launches the read and ping loops.
func (f *WSFeed) Start(ctx context.Context) error {
	if err := f.connect(ctx); err != nil {
		return fmt.Errorf("initial connection failed: %w", err)
	}
	go f.readLoop(ctx)
	go f.pingLoop(ctx)
	return nil
}

// Next returns the next tick, blocking until one arrives, the feed is
// closed (io.EOF) or the context is cancelled.
func (f *WSFeed) Next(ctx context.Context) (contracts.Tick, error) {
	select {
	case <-ctx.Done():
		return contracts.Tick{}, ctx.Err()
	case tick, ok := <-f.out:
		if !ok {
			return contracts.Tick{}, io.EOF
		}
		return tick, nil
	}
}

// Close stops the feed and closes the connection.
func (f *WSFeed) Close() error {
	f.once.Do(func() {
		close(f.stopCh)
		f.connMu.Lock()
		if f.conn != nil {
			f.conn.Close()
		}
		f.connMu.Unlock()
		<-f.doneCh
		close(f.out)
	})
	return nil
}

// connect establishes the websocket connection and subscribes.
func (f *WSFeed) connect(ctx context.Context) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	f.log.WithField("url", f.url).Debug("Connecting to tick feed")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	f.conn = conn

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	symbols := make([]string, 0, len(f.instruments))
	for key := range f.instruments {
		symbols = append(symbols, key)
	}
	sub := map[string]interface{}{
		"action":  "subscribe",
		"token":   f.token,
		"symbols": symbols,
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	f.log.WithField("symbols", len(symbols)).Info("Tick feed connected")
	return nil
}

// readLoop reads tick messages, reconnecting on failure until stopped.
func (f *WSFeed) readLoop(ctx context.Context) {
	defer close(f.doneCh)

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		f.connMu.Lock()
		conn := f.conn
		f.connMu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			f.log.WithError(err).Warn("Feed read failed, reconnecting")
			if !f.reconnect(ctx) {
				return
			}
			continue
		}

		var payload wsTickPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			f.log.WithError(err).Warn("Malformed tick message dropped")
			continue
		}

		ins, ok := f.instruments[payload.Symbol]
		if !ok {
			continue
		}

		tick := contracts.Tick{
			Instrument: ins,
			LastPrice:  payload.LastPrice,
			Timestamp:  time.UnixMilli(payload.Timestamp).UTC(),
			Seq:        payload.Seq,
		}

		select {
		case f.out <- tick:
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconnect retries the connection with exponential backoff. Returns
// false if the feed was stopped while waiting.
func (f *WSFeed) reconnect(ctx context.Context) bool {
	delay := reconnectDelay
	for {
		select {
		case <-f.stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := f.connect(ctx); err == nil {
			return true
		} else {
			f.log.WithError(err).Warn("Reconnect attempt failed")
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// pingLoop keeps the connection alive.
func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			conn := f.conn
			if conn != nil {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					f.log.WithError(err).Debug("Ping failed")
				}
			}
			f.connMu.Unlock()
		}
	}
}
