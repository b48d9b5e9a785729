package bothttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flipbot/internal/bot"
	"flipbot/internal/exchange"
	"flipbot/internal/logger"
	"flipbot/internal/store"

	"github.com/gin-gonic/gin"
)

const tenantHeader = "X-Tenant-ID"

// BotService is the slice of the registry the HTTP layer needs.
type BotService interface {
	StartForUser(ctx context.Context, tenantID, symbol string) error
	StopForUser(ctx context.Context, tenantID string) error
	StatusForUser(tenantID string) bot.Status
}

// Router exposes per-tenant bot control and trade history.
type Router struct {
	bots   BotService
	users  store.UserStore
	trades store.TradeLedger
}

func NewRouter(bots BotService, users store.UserStore, trades store.TradeLedger) *Router {
	return &Router{bots: bots, users: users, trades: trades}
}

// Register mounts the bot routes on the given group.
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/bot/start", r.handleStart)
	group.POST("/bot/stop", r.handleStop)
	group.GET("/bot/status", r.handleStatus)
	group.GET("/bot/stats", r.handleStats)
	group.GET("/trades", r.handleTrades)
}

type startRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

func (r *Router) handleStart(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	if err := r.bots.StartForUser(c.Request.Context(), tenantID, req.Symbol); err != nil {
		logger.Warnf("[api] start for %s failed: %v", tenantID, err)
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started", "symbol": strings.ToUpper(strings.TrimSpace(req.Symbol))})
}

func (r *Router) handleStop(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	if err := r.bots.StopForUser(c.Request.Context(), tenantID); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (r *Router) handleStatus(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, r.bots.StatusForUser(tenantID))
}

type statsResponse struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	TotalPnL      float64 `json:"total_pnl"`
	WinRate       float64 `json:"win_rate"`
}

func (r *Router) handleStats(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	user, err := r.users.GetUser(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	resp := statsResponse{
		TotalTrades:   user.TotalTrades,
		WinningTrades: user.WinningTrades,
		LosingTrades:  user.LosingTrades,
		TotalPnL:      user.TotalPnL,
	}
	if user.TotalTrades > 0 {
		resp.WinRate = float64(user.WinningTrades) / float64(user.TotalTrades) * 100
	}
	c.JSON(http.StatusOK, resp)
}

type tradeResponse struct {
	TradeID     string  `json:"trade_id"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	EntryPrice  float64 `json:"entry_price"`
	ExitPrice   float64 `json:"exit_price,omitempty"`
	Quantity    float64 `json:"quantity"`
	PnL         float64 `json:"pnl"`
	Status      string  `json:"status"`
	EntryTime   string  `json:"entry_time"`
	ExitTime    string  `json:"exit_time,omitempty"`
	CloseReason string  `json:"close_reason,omitempty"`
}

func (r *Router) handleTrades(c *gin.Context) {
	tenantID, ok := tenantFrom(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	records, err := r.trades.RecentTrades(c.Request.Context(), tenantID, limit)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	out := make([]tradeResponse, 0, len(records))
	for _, rec := range records {
		tr := tradeResponse{
			TradeID:     rec.TradeID,
			Symbol:      rec.Symbol,
			Side:        rec.Side,
			EntryPrice:  rec.EntryPrice,
			ExitPrice:   rec.ExitPrice,
			Quantity:    rec.Quantity,
			PnL:         rec.PnL,
			Status:      string(rec.Status),
			EntryTime:   rec.EntryTime.UTC().Format(time.RFC3339),
			CloseReason: rec.CloseReason,
		}
		if rec.ExitTime != nil {
			tr.ExitTime = rec.ExitTime.UTC().Format(time.RFC3339)
		}
		out = append(out, tr)
	}
	c.JSON(http.StatusOK, gin.H{"trades": out})
}

func tenantFrom(c *gin.Context) (string, bool) {
	tenantID := strings.TrimSpace(c.GetHeader(tenantHeader))
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": tenantHeader + " header is required"})
		return "", false
	}
	return tenantID, true
}

func statusForError(err error) int {
	var rejection *exchange.RejectionError
	switch {
	case errors.Is(err, bot.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, store.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrSymbolNotFound):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrNoHistory):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrUnavailable), errors.As(err, &rejection):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
