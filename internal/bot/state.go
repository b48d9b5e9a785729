package bot

import (
	"errors"
	"time"
)

// State is the bot instance lifecycle.
//
//	Idle -> Initializing -> Streaming -> Stopping -> Stopped
//
// Error is reachable from Initializing or Streaming and always resolves to
// Stopped after cleanup.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateStreaming
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var ErrAlreadyRunning = errors.New("bot already running")

// CloseReason records why a position was closed.
type CloseReason string

const (
	// CloseReasonFlip: the signal flipped and the position was closed to
	// open the opposite side.
	CloseReasonFlip CloseReason = "FLIP"
	// CloseReasonTakeProfit: the configured profit target was reached.
	CloseReasonTakeProfit CloseReason = "TAKE_PROFIT_HIT"
	// CloseReasonExternal: the exchange no longer reports the position;
	// it was closed outside the bot, typically by the protective stop.
	CloseReasonExternal CloseReason = "CLOSED_EXTERNALLY"
)

// Settings is the immutable per-run configuration snapshot. Edits to stored
// settings affect only future starts, never a running instance.
type Settings struct {
	OrderNotional float64 `json:"order_notional"`
	Leverage      int     `json:"leverage"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	Timeframe     string  `json:"timeframe"`
	WindowSize    int     `json:"window_size"`
}

// Status is a point-in-time descriptor of one instance, safe to read while
// the instance runs.
type Status struct {
	Running       bool   `json:"running"`
	State         string `json:"state"`
	Symbol        string `json:"symbol,omitempty"`
	PositionSide  string `json:"position_side,omitempty"`
	LastSignal    string `json:"last_signal,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Message       string `json:"message"`
}

// position is the instance's view of its open position. At most one
// non-nil position exists per instance at any time.
type position struct {
	Symbol     string
	Side       string // "LONG" or "SHORT"
	EntryPrice float64
	EntryTime  time.Time
	Quantity   float64
	TradeID    string
}
