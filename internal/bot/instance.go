package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"flipbot/internal/exchange"
	"flipbot/internal/logger"
	"flipbot/internal/market"
	"flipbot/internal/store"
	"flipbot/internal/strategy"

	"github.com/google/uuid"
)

const (
	// Pause between closing the old side and opening the new one, so the
	// reduce-only close settles before the entry is sized.
	flipSettleDelay = time.Second

	defaultWindowSize = 50
)

// Instance is one tenant's bot: it owns a gateway connection, one candle
// window, and at most one open position, and drives position flips from the
// signal engine. Candle events are processed strictly sequentially; one
// event is fully handled (or abandoned on error) before the next is read.
type Instance struct {
	tenantID string
	gateway  exchange.Gateway
	ledger   store.TradeLedger
	engine   strategy.Engine
	settings Settings

	settingsJSON json.RawMessage
	settleDelay  time.Duration

	running atomic.Bool

	mu         sync.Mutex
	state      State
	symbol     string
	window     *market.Window
	pos        *position
	lastSignal strategy.Signal
	startedAt  time.Time
	cancel     context.CancelFunc
	done       chan struct{}

	qtyPrecision   int
	pricePrecision int
}

func NewInstance(tenantID string, gw exchange.Gateway, ledger store.TradeLedger, settings Settings) *Instance {
	if settings.WindowSize <= 0 {
		settings.WindowSize = defaultWindowSize
	}
	snap, _ := json.Marshal(settings)
	return &Instance{
		tenantID:     tenantID,
		gateway:      gw,
		ledger:       ledger,
		engine:       strategy.NewEngine(),
		settings:     settings,
		settingsJSON: snap,
		settleDelay:  flipSettleDelay,
		state:        StateIdle,
		window:       market.NewWindow(settings.WindowSize),
	}
}

// Start brings the instance from Idle to Streaming: gateway initialization,
// trading filters, leverage, historical seed window, then the stream
// consumer. Any failure resolves to Stopped and is returned typed so the
// caller can tell configuration problems from exchange trouble.
func (b *Instance) Start(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("symbol is required")
	}

	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.state = StateInitializing
	b.symbol = symbol
	b.startedAt = time.Now().UTC()
	b.mu.Unlock()

	if err := b.initialize(ctx); err != nil {
		b.mu.Lock()
		b.state = StateError
		b.mu.Unlock()
		b.gateway.Close()
		b.mu.Lock()
		b.state = StateStopped
		b.mu.Unlock()
		logger.Errorf("[bot %s] start %s failed: %v", b.tenantID, symbol, err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	b.mu.Lock()
	b.cancel = cancel
	b.done = done
	b.state = StateStreaming
	b.mu.Unlock()
	b.running.Store(true)

	go b.consumeStream(runCtx, done)

	logger.Infof("[bot %s] started on %s (%s)", b.tenantID, symbol, b.settings.Timeframe)
	return nil
}

func (b *Instance) initialize(ctx context.Context) error {
	if err := b.gateway.Initialize(ctx); err != nil {
		return err
	}

	filters, err := b.gateway.SymbolFilters(ctx, b.symbol)
	if err != nil {
		return err
	}
	b.qtyPrecision = exchange.PrecisionFromStep(filters.StepSize)
	b.pricePrecision = exchange.PrecisionFromStep(filters.TickSize)

	if err := b.gateway.SetLeverage(ctx, b.symbol, b.settings.Leverage); err != nil {
		return err
	}

	candles, err := b.gateway.HistoricalCandles(ctx, b.symbol, b.settings.Timeframe, b.settings.WindowSize)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return fmt.Errorf("%w: %s %s", exchange.ErrNoHistory, b.symbol, b.settings.Timeframe)
	}
	b.window.Fill(candles)
	return nil
}

func (b *Instance) consumeStream(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer b.running.Store(false)

	events, err := b.gateway.Subscribe(ctx, b.symbol, b.settings.Timeframe)
	if err != nil {
		logger.Errorf("[bot %s] subscribe %s failed: %v", b.tenantID, b.symbol, err)
		b.markFailed()
		return
	}

	for ev := range events {
		if !ev.Closed {
			continue
		}
		b.handleClosedCandle(ctx, ev.Candle)
	}

	// The stream channel closes only once ctx is done; anything else means
	// the consumer died without a stop request and the sweep should evict
	// this instance.
	if ctx.Err() == nil {
		b.markFailed()
	}
}

func (b *Instance) markFailed() {
	b.mu.Lock()
	if b.state == StateStreaming || b.state == StateInitializing {
		b.state = StateError
	}
	b.mu.Unlock()
}

// handleClosedCandle runs the per-candle pipeline: window update, position
// reconciliation, take-profit check, signal evaluation, flip. Errors
// abandon the event; the next candle re-evaluates from scratch.
func (b *Instance) handleClosedCandle(ctx context.Context, c market.Candle) {
	b.mu.Lock()
	b.window.Append(c)
	closes := b.window.Closes()
	pos := b.pos
	b.mu.Unlock()

	positions, err := b.gateway.OpenPositions(ctx, b.symbol)
	if err != nil {
		logger.Warnf("[bot %s] %s: position query failed, skipping candle: %v", b.tenantID, b.symbol, err)
		return
	}

	if pos != nil && len(positions) == 0 {
		// The exchange no longer has the position: the protective stop (or
		// a manual close) took it out. Record it, do not send a new close.
		logger.Infof("[bot %s] %s %s position closed externally", b.tenantID, b.symbol, pos.Side)
		b.logClosure(ctx, pos, CloseReasonExternal)
		b.clearPosition()
		pos = nil
	} else if pos != nil {
		if b.checkTakeProfit(ctx, pos, positions[0]) {
			pos = nil
		}
	}

	sig := b.engine.Evaluate(closes)
	b.mu.Lock()
	b.lastSignal = sig
	b.mu.Unlock()

	side := ""
	if pos != nil {
		side = pos.Side
	}
	if sig != strategy.SignalHold && string(sig) != side {
		b.flip(ctx, sig)
	}
}

// checkTakeProfit closes the position once unrealized profit reaches the
// configured target. Reports whether the position was closed.
func (b *Instance) checkTakeProfit(ctx context.Context, pos *position, reported exchange.Position) bool {
	price, err := b.gateway.MarketPrice(ctx, b.symbol)
	if err != nil || price <= 0 || pos.EntryPrice <= 0 {
		return false
	}

	var profitPct float64
	if pos.Side == string(strategy.SignalLong) {
		profitPct = (price - pos.EntryPrice) / pos.EntryPrice * 100
	} else {
		profitPct = (pos.EntryPrice - price) / pos.EntryPrice * 100
	}
	if profitPct < b.settings.TakeProfitPct {
		return false
	}

	logger.Infof("[bot %s] %s take profit hit: %.2f%% >= %.2f%%", b.tenantID, b.symbol, profitPct, b.settings.TakeProfitPct)

	if err := b.gateway.ClosePosition(ctx, b.symbol, reported.Amount, closeSideFor(reported.Amount)); err != nil {
		// Keep the position; the next candle tries again.
		logger.Errorf("[bot %s] %s take profit close failed: %v", b.tenantID, b.symbol, err)
		return false
	}
	b.logClosure(ctx, pos, CloseReasonTakeProfit)
	b.clearPosition()
	return true
}

// flip closes any open position, waits for the close to settle, then opens
// the new side behind a bracket order. The CLOSED record always lands
// before the new OPEN record.
func (b *Instance) flip(ctx context.Context, sig strategy.Signal) {
	positions, err := b.gateway.OpenPositions(ctx, b.symbol)
	if err != nil {
		logger.Warnf("[bot %s] %s: position query before flip failed: %v", b.tenantID, b.symbol, err)
		return
	}

	if len(positions) > 0 {
		reported := positions[0]
		b.mu.Lock()
		pos := b.pos
		b.mu.Unlock()

		if err := b.gateway.ClosePosition(ctx, b.symbol, reported.Amount, closeSideFor(reported.Amount)); err != nil {
			// The flip is abandoned but the position stays tracked, so the
			// next candle can still complete its record: a later external
			// close is detected, and a fresh cross retries the flip.
			logger.Errorf("[bot %s] %s: closing before flip failed: %v", b.tenantID, b.symbol, err)
			return
		}
		if pos != nil {
			b.logClosure(ctx, pos, CloseReasonFlip)
		}
		b.clearPosition()

		if !sleepWithContext(ctx, b.settleDelay) {
			return
		}
	}

	price, err := b.gateway.MarketPrice(ctx, b.symbol)
	if err != nil || price <= 0 {
		logger.Errorf("[bot %s] %s: market price for entry unavailable: %v", b.tenantID, b.symbol, err)
		return
	}

	qty := exchange.FloorToStep(b.settings.OrderNotional*float64(b.settings.Leverage)/price, b.qtyPrecision)
	if qty <= 0 {
		logger.Warnf("[bot %s] %s: computed quantity %.8f not tradable at %.4f, skipping entry", b.tenantID, b.symbol, qty, price)
		return
	}

	entrySide := "BUY"
	if sig == strategy.SignalShort {
		entrySide = "SELL"
	}

	order, err := b.gateway.PlaceBracket(ctx, exchange.BracketRequest{
		Symbol:         b.symbol,
		Side:           entrySide,
		Quantity:       qty,
		EntryPrice:     price,
		StopLossPct:    b.settings.StopLossPct,
		QtyPrecision:   b.qtyPrecision,
		PricePrecision: b.pricePrecision,
	})
	if err != nil {
		// No confirmed protective stop means no position is recorded.
		logger.Errorf("[bot %s] %s: bracket order failed: %v", b.tenantID, b.symbol, err)
		return
	}

	newPos := &position{
		Symbol:     b.symbol,
		Side:       string(sig),
		EntryPrice: price,
		EntryTime:  time.Now().UTC(),
		Quantity:   qty,
		TradeID:    uuid.NewString(),
	}
	b.mu.Lock()
	b.pos = newPos
	b.mu.Unlock()

	logger.Infof("[bot %s] %s: opened %s qty=%.8f entry=%.4f order=%d", b.tenantID, b.symbol, newPos.Side, qty, price, order.OrderID)
	b.logOpening(ctx, newPos)
}

func (b *Instance) logOpening(ctx context.Context, pos *position) {
	rec := store.TradeRecord{
		TradeID:          pos.TradeID,
		TenantID:         b.tenantID,
		Symbol:           pos.Symbol,
		Side:             pos.Side,
		EntryPrice:       pos.EntryPrice,
		Quantity:         pos.Quantity,
		Status:           store.TradeStatusOpen,
		EntryTime:        pos.EntryTime,
		SettingsSnapshot: b.settingsJSON,
	}
	if err := b.ledger.Append(ctx, rec); err != nil {
		logger.Warnf("[bot %s] %s: recording trade open failed: %v", b.tenantID, b.symbol, err)
	}
}

// logClosure completes the ledger record for pos. Realized PnL comes from
// the exchange's own trade history, never from a local recomputation.
func (b *Instance) logClosure(ctx context.Context, pos *position, reason CloseReason) {
	pnl, err := b.gateway.LastTradePnL(ctx, b.symbol)
	if err != nil {
		logger.Warnf("[bot %s] %s: realized pnl lookup failed: %v", b.tenantID, b.symbol, err)
		pnl = 0
	}
	exitPrice, err := b.gateway.MarketPrice(ctx, b.symbol)
	if err != nil {
		exitPrice = 0
	}

	tradeID := pos.TradeID
	if tradeID == "" {
		tradeID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec := store.TradeRecord{
		TradeID:          tradeID,
		TenantID:         b.tenantID,
		Symbol:           pos.Symbol,
		Side:             pos.Side,
		EntryPrice:       pos.EntryPrice,
		ExitPrice:        exitPrice,
		Quantity:         pos.Quantity,
		PnL:              pnl,
		Status:           store.TradeStatusClosed,
		EntryTime:        pos.EntryTime,
		ExitTime:         &now,
		CloseReason:      string(reason),
		SettingsSnapshot: b.settingsJSON,
	}
	if err := b.ledger.Append(ctx, rec); err != nil {
		logger.Warnf("[bot %s] %s: recording trade close failed: %v", b.tenantID, b.symbol, err)
	}
}

func (b *Instance) clearPosition() {
	b.mu.Lock()
	b.pos = nil
	b.mu.Unlock()
}

// Stop requests shutdown, waits for the stream consumer to finish, then
// releases the gateway. Idempotent; reports whether the instance was
// actually running. No order is placed after Stop returns.
func (b *Instance) Stop() bool {
	b.mu.Lock()
	switch b.state {
	case StateIdle, StateStopped, StateStopping:
		b.mu.Unlock()
		return false
	}
	b.state = StateStopping
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	b.gateway.Close()
	b.running.Store(false)

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()

	logger.Infof("[bot %s] stopped", b.tenantID)
	return true
}

// IsRunning reports whether the stream consumer is alive. It goes false on
// its own when the consumer dies without an explicit stop, which is what
// the registry sweep keys off.
func (b *Instance) IsRunning() bool {
	return b.running.Load()
}

func (b *Instance) TenantID() string { return b.tenantID }

// Status is a cheap concurrent-safe snapshot.
func (b *Instance) Status() Status {
	b.mu.Lock()
	state := b.state
	symbol := b.symbol
	sig := b.lastSignal
	startedAt := b.startedAt
	side := ""
	if b.pos != nil {
		side = b.pos.Side
	}
	b.mu.Unlock()

	running := b.running.Load()
	var uptime int64
	if running && !startedAt.IsZero() {
		uptime = int64(time.Since(startedAt).Seconds())
	}
	verb := "stopped"
	if running {
		verb = "running"
	}
	return Status{
		Running:       running,
		State:         state.String(),
		Symbol:        symbol,
		PositionSide:  side,
		LastSignal:    string(sig),
		UptimeSeconds: uptime,
		Message:       fmt.Sprintf("bot is %s for %s", verb, symbol),
	}
}

func closeSideFor(signedQty float64) string {
	if signedQty > 0 {
		return "SELL"
	}
	return "BUY"
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
