// Package quotefeed streams top-of-book updates from a websocket endpoint
// into the quote freshness gate.
package quotefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-engine/internal/domain"
	"order-engine/internal/observability"
)

// Config configures the feed connection.
type Config struct {
	Endpoint string
	Tokens   []string // sent in the subscribe message; empty subscribes to all

	// ReconnectDelay is the initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the doubling reconnect delay.
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns the default feed configuration.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      15 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Observer receives decoded quotes. quote.Gate satisfies it.
type Observer interface {
	Observe(ctx context.Context, q domain.Quote) (bool, error)
}

// Options for creating a Feed.
type Options struct {
	Config   Config
	Observer Observer
	Logger   *zap.SugaredLogger
}

// Feed is a reconnecting websocket quote stream.
type Feed struct {
	cfg      Config
	observer Observer
	logger   *zap.SugaredLogger

	received atomic.Int64
	dropped  atomic.Int64
}

// New creates a new Feed.
func New(opts Options) *Feed {
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Feed{
		cfg:      cfg,
		observer: opts.Observer,
		logger:   observability.OrNop(opts.Logger).Named("quotefeed"),
	}
}

// Stats returns how many messages were applied and how many were dropped as invalid.
func (f *Feed) Stats() (received, dropped int64) {
	return f.received.Load(), f.dropped.Load()
}

// message is the wire shape of one top-of-book update. Ts is unix milliseconds.
type message struct {
	Token   string          `json:"token"`
	Side    string          `json:"side"`
	BestBid decimal.Decimal `json:"best_bid"`
	BestAsk decimal.Decimal `json:"best_ask"`
	Ts      int64           `json:"ts"`
}

type subscribeRequest struct {
	Type   string   `json:"type"`
	Tokens []string `json:"tokens,omitempty"`
}

// Decode parses one feed message.
func Decode(data []byte) (domain.Quote, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	side := domain.Side(m.Side)
	if m.Token == "" || !side.IsValid() || m.Ts <= 0 {
		return domain.Quote{}, fmt.Errorf("decode quote: missing token, side or ts")
	}
	return domain.Quote{
		Token:      m.Token,
		Side:       side,
		BestBid:    m.BestBid,
		BestAsk:    m.BestAsk,
		ObservedAt: time.UnixMilli(m.Ts).UTC(),
	}, nil
}

// Run connects and streams until ctx is cancelled, reconnecting with a
// doubling delay after every failure. The delay resets once a message is read.
func (f *Feed) Run(ctx context.Context) error {
	delay := f.cfg.ReconnectDelay
	for {
		read, err := f.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if read > 0 {
			delay = f.cfg.ReconnectDelay
		}
		observability.RecordFeedReconnect()
		f.logger.Warnw("quote feed disconnected", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// session runs one connection and returns how many messages it read.
func (f *Feed) session(ctx context.Context) (int, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.cfg.Endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	if err := conn.WriteJSON(subscribeRequest{Type: "subscribe", Tokens: f.cfg.Tokens}); err != nil {
		return 0, fmt.Errorf("write subscribe: %w", err)
	}
	f.logger.Infow("quote feed connected", "endpoint", f.cfg.Endpoint, "tokens", len(f.cfg.Tokens))

	// Closing the connection unblocks ReadMessage on shutdown.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.keepAlive(sessionCtx, conn)

	read := 0
	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return read, errors.New("closed by server")
			}
			return read, fmt.Errorf("read: %w", err)
		}
		read++
		f.handle(ctx, data)
	}
}

func (f *Feed) handle(ctx context.Context, data []byte) {
	q, err := Decode(data)
	if err != nil {
		f.dropped.Add(1)
		f.logger.Debugw("dropping feed message", "error", err)
		return
	}
	if _, err := f.observer.Observe(ctx, q); err != nil {
		f.dropped.Add(1)
		f.logger.Warnw("observe quote", "token", q.Token, "side", q.Side, "error", err)
		return
	}
	f.received.Add(1)
}

// keepAlive pings until ctx ends, then closes the connection.
func (f *Feed) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(f.cfg.WriteTimeout))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(f.cfg.WriteTimeout)); err != nil {
				// The read side sees the broken connection.
				f.logger.Debugw("ping failed", "error", err)
			}
		}
	}
}
