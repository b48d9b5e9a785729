package bot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"flipbot/internal/exchange"
	"flipbot/internal/market"
	"flipbot/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Initialize(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockGateway) SymbolFilters(ctx context.Context, symbol string) (exchange.SymbolFilters, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(exchange.SymbolFilters), args.Error(1)
}

func (m *mockGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return m.Called(ctx, symbol, leverage).Error(0)
}

func (m *mockGateway) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockGateway) HistoricalCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	args := m.Called(ctx, symbol, interval, limit)
	if c := args.Get(0); c != nil {
		return c.([]market.Candle), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) OpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	args := m.Called(ctx, symbol)
	if p := args.Get(0); p != nil {
		return p.([]exchange.Position), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) PlaceBracket(ctx context.Context, req exchange.BracketRequest) (*exchange.Order, error) {
	args := m.Called(ctx, req)
	if o := args.Get(0); o != nil {
		return o.(*exchange.Order), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) ClosePosition(ctx context.Context, symbol string, signedQty float64, side string) error {
	return m.Called(ctx, symbol, signedQty, side).Error(0)
}

func (m *mockGateway) LastTradePnL(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockGateway) Subscribe(ctx context.Context, symbol, interval string) (<-chan market.CandleEvent, error) {
	args := m.Called(ctx, symbol, interval)
	if ch := args.Get(0); ch != nil {
		return ch.(chan market.CandleEvent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) Close() error {
	return m.Called().Error(0)
}

type memoryLedger struct {
	mu      sync.Mutex
	records []store.TradeRecord
}

func (l *memoryLedger) Append(_ context.Context, rec store.TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *memoryLedger) RecentTrades(_ context.Context, tenantID string, limit int) ([]store.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]store.TradeRecord, len(l.records))
	copy(out, l.records)
	return out, nil
}

func (l *memoryLedger) all() []store.TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]store.TradeRecord, len(l.records))
	copy(out, l.records)
	return out
}

func testSettings() Settings {
	return Settings{
		OrderNotional: 25,
		Leverage:      10,
		StopLossPct:   4,
		TakeProfitPct: 8,
		Timeframe:     "15m",
		WindowSize:    50,
	}
}

func flatCandles(n int, close float64) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		out[i] = market.Candle{
			OpenTime:  int64(i) * 60_000,
			CloseTime: int64(i+1)*60_000 - 1,
			Open:      close,
			High:      close,
			Low:       close,
			Close:     close,
		}
	}
	return out
}

func candleAt(close float64) market.Candle {
	return market.Candle{Open: close, High: close, Low: close, Close: close}
}

// newTestInstance builds an instance primed for handleClosedCandle calls,
// bypassing Start.
func newTestInstance(gw *mockGateway, ledger store.TradeLedger) *Instance {
	inst := NewInstance("tenant-1", gw, ledger, testSettings())
	inst.symbol = "BTCUSDT"
	inst.qtyPrecision = 1
	inst.pricePrecision = 2
	inst.settleDelay = 0
	inst.state = StateStreaming
	return inst
}

func expectStartupCalls(gw *mockGateway, events chan market.CandleEvent) {
	gw.On("Initialize", mock.Anything).Return(nil)
	gw.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(exchange.SymbolFilters{StepSize: "0.1", TickSize: "0.01"}, nil)
	gw.On("SetLeverage", mock.Anything, "BTCUSDT", 10).Return(nil)
	gw.On("HistoricalCandles", mock.Anything, "BTCUSDT", "15m", 50).Return(flatCandles(50, 100), nil)
	gw.On("Subscribe", mock.Anything, "BTCUSDT", "15m").Return(events, nil).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		go func() {
			<-ctx.Done()
			close(events)
		}()
	})
	gw.On("Close").Return(nil)
}

func TestInstanceStartStop(t *testing.T) {
	t.Run("second start is rejected", func(t *testing.T) {
		gw := new(mockGateway)
		events := make(chan market.CandleEvent)
		expectStartupCalls(gw, events)

		inst := NewInstance("tenant-1", gw, &memoryLedger{}, testSettings())
		require.NoError(t, inst.Start(context.Background(), "btcusdt"))
		assert.True(t, inst.IsRunning())

		err := inst.Start(context.Background(), "BTCUSDT")
		assert.ErrorIs(t, err, ErrAlreadyRunning)

		assert.True(t, inst.Stop())
		assert.False(t, inst.IsRunning())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		gw := new(mockGateway)
		events := make(chan market.CandleEvent)
		expectStartupCalls(gw, events)

		inst := NewInstance("tenant-1", gw, &memoryLedger{}, testSettings())
		require.NoError(t, inst.Start(context.Background(), "BTCUSDT"))
		assert.True(t, inst.Stop())
		assert.False(t, inst.Stop())
	})

	t.Run("stop before start reports not running", func(t *testing.T) {
		inst := NewInstance("tenant-1", new(mockGateway), &memoryLedger{}, testSettings())
		assert.False(t, inst.Stop())
	})

	t.Run("unknown symbol fails start with typed error", func(t *testing.T) {
		gw := new(mockGateway)
		gw.On("Initialize", mock.Anything).Return(nil)
		gw.On("SymbolFilters", mock.Anything, "NOPEUSDT").Return(exchange.SymbolFilters{}, exchange.ErrSymbolNotFound)
		gw.On("Close").Return(nil)

		inst := NewInstance("tenant-1", gw, &memoryLedger{}, testSettings())
		err := inst.Start(context.Background(), "NOPEUSDT")
		assert.ErrorIs(t, err, exchange.ErrSymbolNotFound)
		assert.False(t, inst.IsRunning())
		gw.AssertCalled(t, "Close")
	})

	t.Run("empty history fails start", func(t *testing.T) {
		gw := new(mockGateway)
		gw.On("Initialize", mock.Anything).Return(nil)
		gw.On("SymbolFilters", mock.Anything, "BTCUSDT").Return(exchange.SymbolFilters{StepSize: "0.1", TickSize: "0.01"}, nil)
		gw.On("SetLeverage", mock.Anything, "BTCUSDT", 10).Return(nil)
		gw.On("HistoricalCandles", mock.Anything, "BTCUSDT", "15m", 50).Return([]market.Candle{}, nil)
		gw.On("Close").Return(nil)

		inst := NewInstance("tenant-1", gw, &memoryLedger{}, testSettings())
		err := inst.Start(context.Background(), "BTCUSDT")
		assert.ErrorIs(t, err, exchange.ErrNoHistory)
	})
}

func TestHandleClosedCandleOpensLong(t *testing.T) {
	gw := new(mockGateway)
	ledger := &memoryLedger{}
	inst := newTestInstance(gw, ledger)
	inst.window.Fill(flatCandles(21, 100))

	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{}, nil)
	gw.On("MarketPrice", mock.Anything, "BTCUSDT").Return(100.0, nil)

	var placed exchange.BracketRequest
	gw.On("PlaceBracket", mock.Anything, mock.Anything).Return(&exchange.Order{OrderID: 7}, nil).Run(func(args mock.Arguments) {
		placed = args.Get(1).(exchange.BracketRequest)
	})

	// 21 flat closes then a spike crosses the fast average over the slow one.
	inst.handleClosedCandle(context.Background(), candleAt(200))

	assert.Equal(t, "BUY", placed.Side)
	assert.InDelta(t, 2.5, placed.Quantity, 1e-9)
	assert.Equal(t, 4.0, placed.StopLossPct)

	records := ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, store.TradeStatusOpen, records[0].Status)
	assert.Equal(t, "LONG", records[0].Side)
	assert.InDelta(t, 2.5, records[0].Quantity, 1e-9)
	assert.NotEmpty(t, records[0].TradeID)

	status := inst.Status()
	assert.Equal(t, "LONG", status.PositionSide)
	assert.Equal(t, "LONG", status.LastSignal)
}

func TestHandleClosedCandleQuantityFlooring(t *testing.T) {
	t.Run("whole-unit step floors to integer", func(t *testing.T) {
		gw := new(mockGateway)
		inst := newTestInstance(gw, &memoryLedger{})
		inst.qtyPrecision = 0
		inst.window.Fill(flatCandles(21, 100))

		gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{}, nil)
		gw.On("MarketPrice", mock.Anything, "BTCUSDT").Return(100.0, nil)

		var placed exchange.BracketRequest
		gw.On("PlaceBracket", mock.Anything, mock.Anything).Return(&exchange.Order{OrderID: 1}, nil).Run(func(args mock.Arguments) {
			placed = args.Get(1).(exchange.BracketRequest)
		})

		inst.handleClosedCandle(context.Background(), candleAt(200))
		assert.InDelta(t, 2.0, placed.Quantity, 1e-9)
	})

	t.Run("zero quantity abandons entry", func(t *testing.T) {
		gw := new(mockGateway)
		ledger := &memoryLedger{}
		inst := newTestInstance(gw, ledger)
		inst.qtyPrecision = 0
		inst.settings.OrderNotional = 0.5
		inst.settings.Leverage = 1
		inst.window.Fill(flatCandles(21, 100))

		gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{}, nil)
		gw.On("MarketPrice", mock.Anything, "BTCUSDT").Return(100.0, nil)

		inst.handleClosedCandle(context.Background(), candleAt(200))

		gw.AssertNotCalled(t, "PlaceBracket", mock.Anything, mock.Anything)
		assert.Empty(t, ledger.all())
		assert.Empty(t, inst.Status().PositionSide)
	})
}

func TestHandleClosedCandleFlip(t *testing.T) {
	gw := new(mockGateway)
	ledger := &memoryLedger{}
	inst := newTestInstance(gw, ledger)
	inst.window.Fill(flatCandles(21, 100))
	inst.pos = &position{Symbol: "BTCUSDT", Side: "SHORT", EntryPrice: 105, Quantity: 2.5, TradeID: "trade-old"}

	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{{Symbol: "BTCUSDT", Amount: -2.5, EntryPrice: 105}}, nil)
	gw.On("MarketPrice", mock.Anything, "BTCUSDT").Return(100.0, nil)
	gw.On("ClosePosition", mock.Anything, "BTCUSDT", -2.5, "BUY").Return(nil)
	gw.On("LastTradePnL", mock.Anything, "BTCUSDT").Return(12.5, nil)
	gw.On("PlaceBracket", mock.Anything, mock.Anything).Return(&exchange.Order{OrderID: 2}, nil)

	inst.handleClosedCandle(context.Background(), candleAt(200))

	gw.AssertCalled(t, "ClosePosition", mock.Anything, "BTCUSDT", -2.5, "BUY")

	records := ledger.all()
	require.Len(t, records, 2)

	closed := records[0]
	assert.Equal(t, store.TradeStatusClosed, closed.Status)
	assert.Equal(t, "trade-old", closed.TradeID)
	assert.Equal(t, "SHORT", closed.Side)
	assert.Equal(t, string(CloseReasonFlip), closed.CloseReason)
	assert.InDelta(t, 12.5, closed.PnL, 1e-9)

	opened := records[1]
	assert.Equal(t, store.TradeStatusOpen, opened.Status)
	assert.Equal(t, "LONG", opened.Side)
	assert.NotEqual(t, closed.TradeID, opened.TradeID)
}

func TestHandleClosedCandleCloseFailureKeepsPosition(t *testing.T) {
	gw := new(mockGateway)
	ledger := &memoryLedger{}
	inst := newTestInstance(gw, ledger)
	inst.window.Fill(flatCandles(21, 100))
	inst.pos = &position{Symbol: "BTCUSDT", Side: "SHORT", EntryPrice: 105, Quantity: 2.5, TradeID: "trade-old"}

	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{{Symbol: "BTCUSDT", Amount: -2.5, EntryPrice: 105}}, nil)
	gw.On("MarketPrice", mock.Anything, "BTCUSDT").Return(100.0, nil)
	gw.On("ClosePosition", mock.Anything, "BTCUSDT", -2.5, "BUY").Return(&exchange.RejectionError{Code: -1001, Message: "internal error"}).Once()
	gw.On("ClosePosition", mock.Anything, "BTCUSDT", -2.5, "BUY").Return(nil)
	gw.On("LastTradePnL", mock.Anything, "BTCUSDT").Return(12.5, nil)
	gw.On("PlaceBracket", mock.Anything, mock.Anything).Return(&exchange.Order{OrderID: 9}, nil)

	// Cross up: the close leg is rejected, so nothing is recorded and the
	// position stays tracked.
	inst.handleClosedCandle(context.Background(), candleAt(200))
	assert.Empty(t, ledger.all())
	assert.Equal(t, "SHORT", inst.Status().PositionSide)

	// Cross back down: same side as the held position, no flip.
	inst.handleClosedCandle(context.Background(), candleAt(1))
	assert.Empty(t, ledger.all())

	// Cross up again: the retry closes the old trade before opening the
	// new one.
	inst.handleClosedCandle(context.Background(), candleAt(200))

	records := ledger.all()
	require.Len(t, records, 2)
	assert.Equal(t, store.TradeStatusClosed, records[0].Status)
	assert.Equal(t, "trade-old", records[0].TradeID)
	assert.Equal(t, string(CloseReasonFlip), records[0].CloseReason)
	assert.Equal(t, store.TradeStatusOpen, records[1].Status)
	assert.Equal(t, "LONG", records[1].Side)
}

func TestHandleClosedCandleCloseFailureThenStopOut(t *testing.T) {
	gw := new(mockGateway)
	ledger := &memoryLedger{}
	inst := newTestInstance(gw, ledger)
	inst.window.Fill(flatCandles(21, 100))
	inst.pos = &position{Symbol: "BTCUSDT", Side: "SHORT", EntryPrice: 105, Quantity: 2.5, TradeID: "trade-old"}

	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{{Symbol: "BTCUSDT", Amount: -2.5, EntryPrice: 105}}, nil).Twice()
	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{}, nil)
	gw.On("MarketPrice", mock.Anything, "BTCUSDT").Return(100.0, nil)
	gw.On("ClosePosition", mock.Anything, "BTCUSDT", -2.5, "BUY").Return(&exchange.RejectionError{Code: -1001, Message: "internal error"}).Once()
	gw.On("LastTradePnL", mock.Anything, "BTCUSDT").Return(-10.0, nil)

	inst.handleClosedCandle(context.Background(), candleAt(200))
	assert.Empty(t, ledger.all())
	assert.Equal(t, "SHORT", inst.Status().PositionSide)

	// The exchange takes the position out on its own; because the trade is
	// still tracked, its record is completed.
	inst.handleClosedCandle(context.Background(), candleAt(210))

	records := ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, "trade-old", records[0].TradeID)
	assert.Equal(t, string(CloseReasonExternal), records[0].CloseReason)
	assert.Empty(t, inst.Status().PositionSide)
}

func TestHandleClosedCandleExternalClose(t *testing.T) {
	gw := new(mockGateway)
	ledger := &memoryLedger{}
	inst := newTestInstance(gw, ledger)
	inst.window.Fill(flatCandles(30, 100))
	inst.pos = &position{Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 100, Quantity: 2.5, TradeID: "trade-sl"}

	// Exchange reports no position: the protective stop already fired.
	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{}, nil)
	gw.On("LastTradePnL", mock.Anything, "BTCUSDT").Return(-10.0, nil)
	gw.On("MarketPrice", mock.Anything, "BTCUSDT").Return(96.0, nil)

	inst.handleClosedCandle(context.Background(), candleAt(100))

	gw.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	records := ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, string(CloseReasonExternal), records[0].CloseReason)
	assert.InDelta(t, -10.0, records[0].PnL, 1e-9)
	assert.Empty(t, inst.Status().PositionSide)
}

func TestHandleClosedCandleTakeProfit(t *testing.T) {
	gw := new(mockGateway)
	ledger := &memoryLedger{}
	inst := newTestInstance(gw, ledger)
	inst.window.Fill(flatCandles(30, 100))
	inst.pos = &position{Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 100, Quantity: 2.5, TradeID: "trade-tp"}

	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{{Symbol: "BTCUSDT", Amount: 2.5, EntryPrice: 100}}, nil)
	gw.On("MarketPrice", mock.Anything, "BTCUSDT").Return(108.0, nil)
	gw.On("ClosePosition", mock.Anything, "BTCUSDT", 2.5, "SELL").Return(nil)
	gw.On("LastTradePnL", mock.Anything, "BTCUSDT").Return(20.0, nil)

	// Flat candle keeps the signal on hold, so only the profit target acts.
	inst.handleClosedCandle(context.Background(), candleAt(100))

	records := ledger.all()
	require.Len(t, records, 1)
	assert.Equal(t, store.TradeStatusClosed, records[0].Status)
	assert.Equal(t, string(CloseReasonTakeProfit), records[0].CloseReason)
	assert.InDelta(t, 20.0, records[0].PnL, 1e-9)
	assert.Empty(t, inst.Status().PositionSide)
}

func TestHandleClosedCandleTakeProfitBelowTarget(t *testing.T) {
	gw := new(mockGateway)
	ledger := &memoryLedger{}
	inst := newTestInstance(gw, ledger)
	inst.window.Fill(flatCandles(30, 100))
	inst.pos = &position{Symbol: "BTCUSDT", Side: "LONG", EntryPrice: 100, Quantity: 2.5, TradeID: "trade-hold"}

	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{{Symbol: "BTCUSDT", Amount: 2.5, EntryPrice: 100}}, nil)
	gw.On("MarketPrice", mock.Anything, "BTCUSDT").Return(107.0, nil)

	inst.handleClosedCandle(context.Background(), candleAt(100))

	gw.AssertNotCalled(t, "ClosePosition", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, ledger.all())
	assert.Equal(t, "LONG", inst.Status().PositionSide)
}

func TestHandleClosedCandleBracketFailureLeavesFlat(t *testing.T) {
	gw := new(mockGateway)
	ledger := &memoryLedger{}
	inst := newTestInstance(gw, ledger)
	inst.window.Fill(flatCandles(21, 100))

	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{}, nil)
	gw.On("MarketPrice", mock.Anything, "BTCUSDT").Return(100.0, nil)
	gw.On("PlaceBracket", mock.Anything, mock.Anything).Return(nil, &exchange.RejectionError{Code: -2019, Message: "margin is insufficient"})

	inst.handleClosedCandle(context.Background(), candleAt(200))

	assert.Empty(t, ledger.all())
	assert.Empty(t, inst.Status().PositionSide)
}

func TestHandleClosedCandlePositionQueryFailure(t *testing.T) {
	gw := new(mockGateway)
	ledger := &memoryLedger{}
	inst := newTestInstance(gw, ledger)
	inst.window.Fill(flatCandles(21, 100))

	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return(nil, errors.New("timeout")).Once()

	inst.handleClosedCandle(context.Background(), candleAt(200))

	gw.AssertNotCalled(t, "PlaceBracket", mock.Anything, mock.Anything)
	assert.Empty(t, ledger.all())

	// The spike candle was consumed while the query was failing, so the
	// next tradable event is a fresh cross the other way.
	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{}, nil)
	gw.On("MarketPrice", mock.Anything, "BTCUSDT").Return(100.0, nil)

	var placed exchange.BracketRequest
	gw.On("PlaceBracket", mock.Anything, mock.Anything).Return(&exchange.Order{OrderID: 3}, nil).Run(func(args mock.Arguments) {
		placed = args.Get(1).(exchange.BracketRequest)
	})

	inst.handleClosedCandle(context.Background(), candleAt(1))
	require.Len(t, ledger.all(), 1)
	assert.Equal(t, "SELL", placed.Side)
}

func TestHandleClosedCandleHoldDoesNothing(t *testing.T) {
	gw := new(mockGateway)
	ledger := &memoryLedger{}
	inst := newTestInstance(gw, ledger)
	inst.window.Fill(flatCandles(30, 100))

	gw.On("OpenPositions", mock.Anything, "BTCUSDT").Return([]exchange.Position{}, nil)

	inst.handleClosedCandle(context.Background(), candleAt(100))

	gw.AssertNotCalled(t, "MarketPrice", mock.Anything, mock.Anything)
	gw.AssertNotCalled(t, "PlaceBracket", mock.Anything, mock.Anything)
	assert.Empty(t, ledger.all())
	assert.Equal(t, "HOLD", inst.Status().LastSignal)
}

func TestStatusDefaults(t *testing.T) {
	inst := NewInstance("tenant-1", new(mockGateway), &memoryLedger{}, testSettings())
	status := inst.Status()
	assert.False(t, status.Running)
	assert.Equal(t, StateIdle.String(), status.State)
	assert.Zero(t, status.UptimeSeconds)
}
