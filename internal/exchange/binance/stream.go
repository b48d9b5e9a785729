package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"flipbot/internal/logger"
	"flipbot/internal/market"

	"github.com/gorilla/websocket"
)

const (
	// A kline stream that goes quiet for this long is considered dead and
	// reconnected. Binance pings well inside this window.
	streamIdleTimeout = 60 * time.Second

	// Fixed pause before redialing a dropped stream. Reconnection is
	// unbounded: only context cancellation stops it.
	reconnectBackoff = 5 * time.Second

	streamBuffer = 64
)

// Subscribe opens a kline stream for symbol+interval. The returned channel
// stays open across disconnects; it is closed only once ctx is cancelled.
func (g *Gateway) Subscribe(ctx context.Context, symbol, interval string) (<-chan market.CandleEvent, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval = strings.ToLower(strings.TrimSpace(interval))
	if symbol == "" || interval == "" {
		return nil, fmt.Errorf("symbol and interval are required")
	}
	s := &klineStream{
		url:      fmt.Sprintf("%s/ws/%s@kline_%s", g.cfg.wsBase(), strings.ToLower(symbol), interval),
		symbol:   symbol,
		interval: interval,
	}
	out := make(chan market.CandleEvent, streamBuffer)
	go func() {
		defer close(out)
		s.run(ctx, out)
	}()
	return out, nil
}

type klineStream struct {
	url      string
	symbol   string
	interval string
}

func (s *klineStream) run(ctx context.Context, out chan<- market.CandleEvent) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf("[stream] %s %s: dial failed: %v", s.symbol, s.interval, err)
			if !sleepWithContext(ctx, reconnectBackoff) {
				return
			}
			continue
		}
		logger.Infof("[stream] %s %s: connected", s.symbol, s.interval)

		err = s.consume(ctx, conn, out)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("[stream] %s %s: disconnected (%v), reconnecting", s.symbol, s.interval, err)
		if !sleepWithContext(ctx, reconnectBackoff) {
			return
		}
	}
}

// consume reads one established connection until it breaks or goes idle.
// The returned error describes why the connection ended; a cancelled ctx
// returns nil.
func (s *klineStream) consume(ctx context.Context, conn *websocket.Conn, out chan<- market.CandleEvent) error {
	// Unblock the pending read when the subscriber goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(streamIdleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(5*time.Second))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(streamIdleTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		ev, ok := parseKlineMessage(msg)
		if !ok {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

type wsKlineMessage struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

func parseKlineMessage(raw []byte) (market.CandleEvent, bool) {
	var msg wsKlineMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return market.CandleEvent{}, false
	}
	if msg.EventType != "kline" || msg.Symbol == "" {
		return market.CandleEvent{}, false
	}
	return market.CandleEvent{
		Symbol:   strings.ToUpper(msg.Symbol),
		Interval: strings.ToLower(msg.Kline.Interval),
		Closed:   msg.Kline.Closed,
		Candle: market.Candle{
			OpenTime:  msg.Kline.StartTime,
			CloseTime: msg.Kline.CloseTime,
			Open:      parseFloat(msg.Kline.Open),
			High:      parseFloat(msg.Kline.High),
			Low:       parseFloat(msg.Kline.Low),
			Close:     parseFloat(msg.Kline.Close),
			Volume:    parseFloat(msg.Kline.Volume),
		},
	}, true
}
