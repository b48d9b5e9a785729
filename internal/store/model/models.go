package model

import (
	"time"

	"gorm.io/datatypes"
)

// UserModel is the persisted tenant row.
type UserModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Email     string `gorm:"uniqueIndex;size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time

	EncryptedAPIKey    string `gorm:"column:encrypted_api_key"`
	EncryptedAPISecret string `gorm:"column:encrypted_api_secret"`
	Testnet            bool

	BotStatus     string `gorm:"index;size:16;default:stopped"`
	CurrentSymbol string `gorm:"size:32"`
	BotStartedAt  *time.Time

	OrderNotional float64
	Leverage      int
	StopLossPct   float64
	TakeProfitPct float64
	Timeframe     string `gorm:"size:8"`

	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
}

func (UserModel) TableName() string { return "users" }

// TradeModel is one trade lifecycle row, keyed by the logical trade id.
type TradeModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	TradeID   string `gorm:"uniqueIndex;size:64"`
	UserID    string `gorm:"index;size:64"`
	Symbol    string `gorm:"size:32"`
	Side      string `gorm:"size:8"`
	CreatedAt time.Time
	UpdatedAt time.Time

	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	PnL        float64

	Status      string `gorm:"index;size:8"`
	EntryTime   time.Time
	ExitTime    *time.Time
	CloseReason string `gorm:"size:32"`

	Settings datatypes.JSON
}

func (TradeModel) TableName() string { return "trades" }
