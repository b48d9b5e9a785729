package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"flipbot/internal/exchange"
	"flipbot/internal/logger"
	"flipbot/internal/market"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	defaultHTTPTimeout = 15 * time.Second

	// Delay between the entry leg and the stop leg of a bracket so the
	// entry has settled on the exchange side.
	bracketSettleDelay = 500 * time.Millisecond

	// Resting orders are cancelled before a reduce-only close; give the
	// cancel a moment to propagate.
	cancelSettleDelay = 100 * time.Millisecond

	// How many recent account trades to scan when aggregating the realized
	// PnL of the last logical close across partial fills.
	pnlTradeLookback = 5
)

// Config describes one tenant's connection. Credentials are supplied
// already decrypted and never stored beyond the gateway's lifetime.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool

	RESTBaseURL        string
	TestnetRESTBaseURL string
	WSBaseURL          string
	TestnetWSBaseURL   string

	HTTPTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.RESTBaseURL) == "" {
		c.RESTBaseURL = "https://fapi.binance.com"
	}
	if strings.TrimSpace(c.TestnetRESTBaseURL) == "" {
		c.TestnetRESTBaseURL = "https://testnet.binancefuture.com"
	}
	if strings.TrimSpace(c.WSBaseURL) == "" {
		c.WSBaseURL = "wss://fstream.binance.com"
	}
	if strings.TrimSpace(c.TestnetWSBaseURL) == "" {
		c.TestnetWSBaseURL = "wss://stream.binancefuture.com"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	return c
}

func (c Config) restBase() string {
	if c.Testnet {
		return c.TestnetRESTBaseURL
	}
	return c.RESTBaseURL
}

func (c Config) wsBase() string {
	if c.Testnet {
		return c.TestnetWSBaseURL
	}
	return c.WSBaseURL
}

// Gateway implements exchange.Gateway on the Binance USDⓈ-M futures API.
type Gateway struct {
	cfg    Config
	client *futures.Client

	mu   sync.Mutex
	info *futures.ExchangeInfo
}

func New(cfg Config) *Gateway {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.restBase()
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Gateway{cfg: final, client: client}
}

// Initialize fetches and caches exchange trading metadata. Safe to call
// more than once; only the first call hits the network.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.info != nil {
		return nil
	}
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return connectivityError(err)
	}
	g.info = info
	return nil
}

func (g *Gateway) symbolInfo(symbol string) (*futures.Symbol, error) {
	g.mu.Lock()
	info := g.info
	g.mu.Unlock()
	if info == nil {
		return nil, fmt.Errorf("%w: gateway not initialized", exchange.ErrUnavailable)
	}
	for i := range info.Symbols {
		if info.Symbols[i].Symbol == symbol {
			return &info.Symbols[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", exchange.ErrSymbolNotFound, symbol)
}

func (g *Gateway) SymbolFilters(ctx context.Context, symbol string) (exchange.SymbolFilters, error) {
	s, err := g.symbolInfo(symbol)
	if err != nil {
		return exchange.SymbolFilters{}, err
	}
	var filters exchange.SymbolFilters
	if lot := s.LotSizeFilter(); lot != nil {
		filters.StepSize = lot.StepSize
	}
	if pf := s.PriceFilter(); pf != nil {
		filters.TickSize = pf.TickSize
	}
	if filters.StepSize == "" || filters.TickSize == "" {
		return exchange.SymbolFilters{}, fmt.Errorf("%w: %s has incomplete trading filters", exchange.ErrSymbolNotFound, symbol)
	}
	return filters, nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := g.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return permissionError(err)
	}
	return nil
}

func (g *Gateway) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := g.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, connectivityError(err)
	}
	for _, p := range prices {
		if p.Symbol == symbol {
			return parseFloat(p.Price), nil
		}
	}
	return 0, fmt.Errorf("%w: no price for %s", exchange.ErrSymbolNotFound, symbol)
}

func (g *Gateway) HistoricalCandles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	kls, err := g.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, connectivityError(err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s %s", exchange.ErrNoHistory, symbol, interval)
	}
	return out, nil
}

func (g *Gateway) OpenPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	risks, err := g.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, connectivityError(err)
	}
	var out []exchange.Position
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		out = append(out, exchange.Position{
			Symbol:        r.Symbol,
			Amount:        amt,
			EntryPrice:    parseFloat(r.EntryPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
		})
	}
	return out, nil
}

// PlaceBracket submits the market entry, then the protective STOP_MARKET
// leg with closePosition semantics. If the stop leg fails, dangling orders
// are cancelled and the position is flattened best-effort before reporting
// failure: a filled entry without its stop is never left behind.
func (g *Gateway) PlaceBracket(ctx context.Context, req exchange.BracketRequest) (*exchange.Order, error) {
	qty := exchange.FormatStep(req.Quantity, req.QtyPrecision)
	entry, err := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		Do(ctx)
	if err != nil {
		return nil, orderError(err)
	}

	sleepWithContext(ctx, bracketSettleDelay)

	stopPrice := req.EntryPrice * (1 - req.StopLossPct/100)
	stopSide := futures.SideTypeSell
	if req.Side == "SELL" {
		stopPrice = req.EntryPrice * (1 + req.StopLossPct/100)
		stopSide = futures.SideTypeBuy
	}

	_, err = g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(stopSide).
		Type(futures.OrderTypeStopMarket).
		StopPrice(exchange.FormatStep(stopPrice, req.PricePrecision)).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		g.abortBracket(ctx, req, string(stopSide))
		return nil, fmt.Errorf("protective stop placement failed: %w", orderError(err))
	}

	return &exchange.Order{
		OrderID:  entry.OrderID,
		Symbol:   entry.Symbol,
		Side:     string(entry.Side),
		Quantity: req.Quantity,
		Status:   string(entry.Status),
	}, nil
}

// abortBracket unwinds a bracket whose stop leg failed: cancel whatever is
// resting, then flatten the entry with a reduce-only market order.
func (g *Gateway) abortBracket(ctx context.Context, req exchange.BracketRequest, closeSide string) {
	if err := g.client.NewCancelAllOpenOrdersService().Symbol(req.Symbol).Do(ctx); err != nil {
		logger.Warnf("[binance] %s: cancel after failed stop leg: %v", req.Symbol, err)
	}
	_, err := g.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(closeSide)).
		Type(futures.OrderTypeMarket).
		Quantity(exchange.FormatStep(req.Quantity, req.QtyPrecision)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		logger.Errorf("[binance] %s: flatten after failed stop leg: %v", req.Symbol, err)
	}
}

func (g *Gateway) ClosePosition(ctx context.Context, symbol string, signedQty float64, side string) error {
	if err := g.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx); err != nil {
		logger.Warnf("[binance] %s: cancel open orders before close: %v", symbol, err)
	}
	sleepWithContext(ctx, cancelSettleDelay)

	qty := math.Abs(signedQty)
	_, err := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(qty, 'f', -1, 64)).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return orderError(err)
	}
	return nil
}

// LastTradePnL walks the most recent account trades backwards and sums the
// realized PnL of every fill sharing the latest order id, so a close split
// into partial fills is counted once, in full.
func (g *Gateway) LastTradePnL(ctx context.Context, symbol string) (float64, error) {
	trades, err := g.client.NewListAccountTradeService().
		Symbol(symbol).
		Limit(pnlTradeLookback).
		Do(ctx)
	if err != nil {
		return 0, connectivityError(err)
	}
	if len(trades) == 0 {
		return 0, nil
	}
	lastOrderID := trades[len(trades)-1].OrderID
	var pnl float64
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].OrderID != lastOrderID {
			break
		}
		pnl += parseFloat(trades[i].RealizedPnl)
	}
	return pnl, nil
}

func (g *Gateway) Close() error {
	// The futures client is plain HTTP; streams hold their own
	// connections and shut down with their context.
	return nil
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

// connectivityError classifies read-path failures: a Binance API error about
// the symbol stays typed, anything else counts as the exchange being
// unreachable.
func connectivityError(err error) error {
	var api *common.APIError
	if errors.As(err, &api) {
		switch api.Code {
		case -1121: // invalid symbol
			return fmt.Errorf("%w: %s", exchange.ErrSymbolNotFound, api.Message)
		case -2014, -2015, -1022:
			return fmt.Errorf("%w: %s", exchange.ErrPermission, api.Message)
		}
		return fmt.Errorf("%w: %s", exchange.ErrUnavailable, api.Message)
	}
	return fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
}

// permissionError classifies failures on privileged endpoints, where a
// rejected request usually means key or permission trouble.
func permissionError(err error) error {
	var api *common.APIError
	if errors.As(err, &api) {
		return fmt.Errorf("%w: %s", exchange.ErrPermission, api.Message)
	}
	return fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
}

// orderError classifies order-path failures: API rejections become typed
// RejectionErrors, transport failures stay ErrUnavailable.
func orderError(err error) error {
	var api *common.APIError
	if errors.As(err, &api) {
		return &exchange.RejectionError{Code: api.Code, Message: api.Message}
	}
	return fmt.Errorf("%w: %v", exchange.ErrUnavailable, err)
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
