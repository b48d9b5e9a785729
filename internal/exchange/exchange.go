package exchange

import (
	"context"
	"errors"
	"fmt"

	"flipbot/internal/market"
)

// Typed startup failures. Callers match with errors.Is; the wrapped message
// keeps the exchange detail for display.
var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrUnavailable    = errors.New("exchange unavailable")
	ErrPermission     = errors.New("insufficient api permission")
	ErrNoHistory      = errors.New("no historical data")
)

// RejectionError is an order the exchange refused (insufficient balance,
// bad signature, filter violation). It aborts the operation in progress but
// is not fatal to the instance.
type RejectionError struct {
	Code    int64
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected by exchange (code %d): %s", e.Code, e.Message)
}

// SymbolFilters carries the lot-size step and price tick for a symbol as
// decimal strings, exactly as the exchange reports them.
type SymbolFilters struct {
	StepSize string
	TickSize string
}

// Position is an open futures position. Amount is signed: positive for
// long, negative for short.
type Position struct {
	Symbol        string
	Amount        float64
	EntryPrice    float64
	UnrealizedPnL float64
}

// Order is the confirmed entry leg of a placed order.
type Order struct {
	OrderID  int64
	Symbol   string
	Side     string
	Quantity float64
	Status   string
}

// BracketRequest asks for a market entry plus a protective stop sized to
// flatten the resulting position at EntryPrice*(1∓StopLossPct/100).
type BracketRequest struct {
	Symbol         string
	Side           string // "BUY" or "SELL"
	Quantity       float64
	EntryPrice     float64
	StopLossPct    float64
	QtyPrecision   int
	PricePrecision int
}

// Gateway is the per-tenant exchange connection. A Gateway instance is
// owned by exactly one bot for its lifetime and must not be shared.
type Gateway interface {
	// Initialize establishes connectivity and caches trading metadata.
	// Idempotent.
	Initialize(ctx context.Context) error

	SymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	MarketPrice(ctx context.Context, symbol string) (float64, error)
	HistoricalCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error)

	// OpenPositions returns only positions with a non-zero signed amount.
	OpenPositions(ctx context.Context, symbol string) ([]Position, error)

	// PlaceBracket either places both legs or cleans up after itself: it
	// never leaves a filled position without its protective stop.
	PlaceBracket(ctx context.Context, req BracketRequest) (*Order, error)

	// ClosePosition cancels resting orders, then submits a reduce-only
	// market order for abs(signedQty).
	ClosePosition(ctx context.Context, symbol string, signedQty float64, side string) error

	// LastTradePnL sums realized PnL across the most recent fills sharing
	// the latest order id, aggregating partial fills of one logical close.
	LastTradePnL(ctx context.Context, symbol string) (float64, error)

	// Subscribe yields kline events for symbol+interval. The stream
	// reconnects on its own until ctx is cancelled, after which the channel
	// is closed.
	Subscribe(ctx context.Context, symbol, interval string) (<-chan market.CandleEvent, error)

	// Close releases the connection. The Gateway must not be used after.
	Close() error
}
