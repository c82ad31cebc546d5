// Package feed streams mark prices from the venue's WebSocket ticker channel
// into the price cache the guardian polls. Pure plumbing: no indicators, no
// signal generation.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perpguard/perpbot/internal/domain"
	"github.com/perpguard/perpbot/internal/exchange"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before reconnecting.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the reconnect backoff.
	maxReconnectDelay = 60 * time.Second
)

// subscribeCommand is the venue's ticker subscription message.
type subscribeCommand struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

// tickerMessage is one streamed mark-price update. Timestamp is venue
// milliseconds; Mark is preferred over Last when both are present.
type tickerMessage struct {
	Channel   string `json:"channel"`
	Symbol    string `json:"symbol"`
	Mark      string `json:"mark"`
	Last      string `json:"last"`
	Timestamp int64  `json:"ts"`
}

// TickerFeed subscribes to mark prices for a fixed symbol set and writes each
// update into the price cache. It reconnects with capped exponential backoff
// and resubscribes after every reconnect.
type TickerFeed struct {
	wsURL   string
	symbols []string // perp convention; converted to wire form on subscribe
	prices  domain.PriceCache
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewTickerFeed creates a feed for the given perp symbols.
func NewTickerFeed(wsURL string, symbols []string, prices domain.PriceCache, logger *slog.Logger) *TickerFeed {
	return &TickerFeed{
		wsURL:   wsURL,
		symbols: symbols,
		prices:  prices,
		logger:  logger.With(slog.String("component", "ticker_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects and streams until ctx is cancelled or Close is called.
// Disconnects are logged and retried; the guardian's REST fallback covers the
// gap while the feed is down.
func (f *TickerFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to stream, feed idle")
		return nil
	}

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-f.done:
			return nil
		default:
		}

		f.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed after the current connection attempt.
func (f *TickerFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

// runConnection dials, subscribes, and pumps messages until the connection
// drops or ctx ends.
func (f *TickerFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}
	defer conn.Close()

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.logger.Info("feed subscribed", slog.Int("symbols", len(f.symbols)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Ping loop; also unblocks the reader by closing the conn when ctx ends.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-f.done:
				_ = conn.Close()
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, data)
	}
}

func (f *TickerFeed) subscribe(conn *websocket.Conn) error {
	wire := make([]string, 0, len(f.symbols))
	for _, symbol := range f.symbols {
		ws, err := exchange.WireSymbol(symbol)
		if err != nil {
			return fmt.Errorf("feed: subscribe: %w", err)
		}
		wire = append(wire, ws)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	cmd := subscribeCommand{Op: "subscribe", Channel: "ticker", Symbols: wire}
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

// handleMessage parses one ticker update and stores it. Malformed messages
// are dropped with a debug log; the stream must survive venue quirks.
func (f *TickerFeed) handleMessage(ctx context.Context, data []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("unparseable feed message", slog.Int("len", len(data)))
		return
	}
	if msg.Channel != "" && msg.Channel != "ticker" {
		return
	}

	symbol := f.matchSymbol(msg.Symbol)
	if symbol == "" {
		return
	}

	raw := msg.Mark
	if raw == "" {
		raw = msg.Last
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil || price <= 0 {
		return
	}

	ts := time.Now().UTC()
	if msg.Timestamp > 0 {
		ts = time.UnixMilli(msg.Timestamp).UTC()
	}

	if err := f.prices.SetPrice(ctx, symbol, price, ts); err != nil {
		f.logger.Warn("price not cached",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}
}

// matchSymbol maps a wire symbol from the stream back to the perp-convention
// symbol the rest of the engine uses.
func (f *TickerFeed) matchSymbol(wire string) string {
	for _, symbol := range f.symbols {
		if ws, err := exchange.WireSymbol(symbol); err == nil && ws == wire {
			return symbol
		}
	}
	return ""
}
