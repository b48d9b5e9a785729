package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flipbot/internal/store"
	"flipbot/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store implements the user settings store and the trade ledger on
// GORM + SQLite.
type Store struct {
	db *gorm.DB
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path is required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&model.UserModel{}, &model.TradeModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: bots write rarely, keep contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var (
	_ store.UserStore   = (*Store)(nil)
	_ store.TradeLedger = (*Store)(nil)
)

// SaveUser inserts or fully replaces a tenant record.
func (s *Store) SaveUser(ctx context.Context, u *store.User) error {
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("gorm store: user id is required")
	}
	row := userToModel(u)
	return s.db.WithContext(ctx).Save(row).Error
}

func (s *Store) GetUser(ctx context.Context, id string) (*store.User, error) {
	var row model.UserModel
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return userFromModel(&row), nil
}

func (s *Store) UpdateBotStatus(ctx context.Context, id string, status store.BotStatus, symbol string, startedAt *time.Time) error {
	updates := map[string]any{
		"bot_status":     string(status),
		"current_symbol": symbol,
		"bot_started_at": startedAt,
	}
	if status == store.BotStatusStopped {
		updates["current_symbol"] = ""
		updates["bot_started_at"] = nil
	}
	res := s.db.WithContext(ctx).Model(&model.UserModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", store.ErrUserNotFound, id)
	}
	return nil
}

// Append records a trade lifecycle event. An OPEN record inserts a new row;
// a CLOSED record completes the matching OPEN row (or inserts a standalone
// CLOSED row when none exists) and rolls the tenant's aggregate statistics
// forward exactly once. A row already CLOSED is left untouched.
func (s *Store) Append(ctx context.Context, rec store.TradeRecord) error {
	if strings.TrimSpace(rec.TradeID) == "" {
		return fmt.Errorf("gorm store: trade id is required")
	}
	switch rec.Status {
	case store.TradeStatusOpen:
		return s.db.WithContext(ctx).Create(tradeToModel(&rec)).Error
	case store.TradeStatusClosed:
		return s.appendClosed(ctx, rec)
	default:
		return fmt.Errorf("gorm store: unknown trade status %q", rec.Status)
	}
}

func (s *Store) appendClosed(ctx context.Context, rec store.TradeRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.TradeModel
		err := tx.First(&existing, "trade_id = ?", rec.TradeID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(tradeToModel(&rec)).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case existing.Status == string(store.TradeStatusClosed):
			// CLOSED rows are immutable; a duplicate close is dropped.
			return nil
		default:
			updates := map[string]any{
				"status":       string(store.TradeStatusClosed),
				"exit_price":   rec.ExitPrice,
				"exit_time":    rec.ExitTime,
				"pn_l":         rec.PnL,
				"close_reason": rec.CloseReason,
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return err
			}
		}
		return applyStats(tx, rec)
	})
}

// applyStats rolls the tenant aggregates forward for one CLOSED trade.
func applyStats(tx *gorm.DB, rec store.TradeRecord) error {
	updates := map[string]any{
		"total_trades": gorm.Expr("total_trades + 1"),
		"total_pn_l":   gorm.Expr("total_pn_l + ?", rec.PnL),
	}
	if rec.PnL > 0 {
		updates["winning_trades"] = gorm.Expr("winning_trades + 1")
	} else {
		updates["losing_trades"] = gorm.Expr("losing_trades + 1")
	}
	return tx.Model(&model.UserModel{}).Where("id = ?", rec.TenantID).Updates(updates).Error
}

func (s *Store) RecentTrades(ctx context.Context, tenantID string, limit int) ([]store.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []model.TradeModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", tenantID).
		Order("entry_time DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.TradeRecord, 0, len(rows))
	for i := range rows {
		out = append(out, *tradeFromModel(&rows[i]))
	}
	return out, nil
}

func userToModel(u *store.User) *model.UserModel {
	return &model.UserModel{
		ID:                 u.ID,
		Email:              u.Email,
		EncryptedAPIKey:    u.EncryptedAPIKey,
		EncryptedAPISecret: u.EncryptedAPISecret,
		Testnet:            u.Testnet,
		BotStatus:          string(u.BotStatus),
		CurrentSymbol:      u.CurrentSymbol,
		BotStartedAt:       u.BotStartedAt,
		OrderNotional:      u.OrderNotional,
		Leverage:           u.Leverage,
		StopLossPct:        u.StopLossPct,
		TakeProfitPct:      u.TakeProfitPct,
		Timeframe:          u.Timeframe,
		TotalTrades:        u.TotalTrades,
		WinningTrades:      u.WinningTrades,
		LosingTrades:       u.LosingTrades,
		TotalPnL:           u.TotalPnL,
	}
}

func userFromModel(row *model.UserModel) *store.User {
	return &store.User{
		ID:                 row.ID,
		Email:              row.Email,
		CreatedAt:          row.CreatedAt,
		EncryptedAPIKey:    row.EncryptedAPIKey,
		EncryptedAPISecret: row.EncryptedAPISecret,
		Testnet:            row.Testnet,
		BotStatus:          store.BotStatus(row.BotStatus),
		CurrentSymbol:      row.CurrentSymbol,
		BotStartedAt:       row.BotStartedAt,
		OrderNotional:      row.OrderNotional,
		Leverage:           row.Leverage,
		StopLossPct:        row.StopLossPct,
		TakeProfitPct:      row.TakeProfitPct,
		Timeframe:          row.Timeframe,
		TotalTrades:        row.TotalTrades,
		WinningTrades:      row.WinningTrades,
		LosingTrades:       row.LosingTrades,
		TotalPnL:           row.TotalPnL,
	}
}

func tradeToModel(rec *store.TradeRecord) *model.TradeModel {
	return &model.TradeModel{
		TradeID:     rec.TradeID,
		UserID:      rec.TenantID,
		Symbol:      rec.Symbol,
		Side:        rec.Side,
		EntryPrice:  rec.EntryPrice,
		ExitPrice:   rec.ExitPrice,
		Quantity:    rec.Quantity,
		PnL:         rec.PnL,
		Status:      string(rec.Status),
		EntryTime:   rec.EntryTime,
		ExitTime:    rec.ExitTime,
		CloseReason: rec.CloseReason,
		Settings:    datatypes.JSON(rec.SettingsSnapshot),
	}
}

func tradeFromModel(row *model.TradeModel) *store.TradeRecord {
	return &store.TradeRecord{
		TradeID:          row.TradeID,
		TenantID:         row.UserID,
		Symbol:           row.Symbol,
		Side:             row.Side,
		EntryPrice:       row.EntryPrice,
		ExitPrice:        row.ExitPrice,
		Quantity:         row.Quantity,
		PnL:              row.PnL,
		Status:           store.TradeStatus(row.Status),
		EntryTime:        row.EntryTime,
		ExitTime:         row.ExitTime,
		CloseReason:      row.CloseReason,
		SettingsSnapshot: []byte(row.Settings),
	}
}
