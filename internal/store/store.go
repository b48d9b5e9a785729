package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrUserNotFound = errors.New("user not found")

type BotStatus string

const (
	BotStatusStopped BotStatus = "stopped"
	BotStatusRunning BotStatus = "running"
)

type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "OPEN"
	TradeStatusClosed TradeStatus = "CLOSED"
)

// User is one tenant's stored record: credentials at rest (encrypted),
// bot configuration, current bot status, and aggregate trade statistics.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time

	EncryptedAPIKey    string
	EncryptedAPISecret string
	Testnet            bool

	BotStatus     BotStatus
	CurrentSymbol string
	BotStartedAt  *time.Time

	OrderNotional float64
	Leverage      int
	StopLossPct   float64
	TakeProfitPct float64
	Timeframe     string

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
}

// TradeRecord is one trade lifecycle event. A record is created with status
// OPEN and completed exactly once with status CLOSED; a CLOSED record is
// never mutated again.
type TradeRecord struct {
	TradeID  string
	TenantID string
	Symbol   string
	Side     string

	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64

	Status      TradeStatus
	EntryTime   time.Time
	ExitTime    *time.Time
	CloseReason string

	// Settings snapshot the trade ran under, for audit.
	SettingsSnapshot json.RawMessage
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (*User, error)

	// UpdateBotStatus persists the tenant's bot lifecycle status. symbol
	// and startedAt are cleared when the status is stopped.
	UpdateBotStatus(ctx context.Context, id string, status BotStatus, symbol string, startedAt *time.Time) error
}

// TradeLedger is the append-only trade event record. Aggregate tenant
// statistics move only when a CLOSED record lands.
type TradeLedger interface {
	Append(ctx context.Context, rec TradeRecord) error
	RecentTrades(ctx context.Context, tenantID string, limit int) ([]TradeRecord, error)
}
