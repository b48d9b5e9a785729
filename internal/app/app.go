package app

import (
	"context"
	"fmt"
	"time"

	"flipbot/internal/bot"
	"flipbot/internal/config"
	"flipbot/internal/exchange"
	"flipbot/internal/exchange/binance"
	"flipbot/internal/logger"
	"flipbot/internal/secrets"
	"flipbot/internal/store/gormstore"
	bothttp "flipbot/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App wires the store, registry and HTTP server together and owns their
// lifecycle.
type App struct {
	cfg      *config.Config
	store    *gormstore.Store
	registry *bot.Registry
	server   *bothttp.Server
}

func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	st, err := gormstore.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	box, err := secrets.NewBoxFromBase64(cfg.Secrets.EncryptionKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("loading encryption key: %w", err)
	}

	factory := func(creds bot.Credentials) exchange.Gateway {
		return binance.New(binance.Config{
			APIKey:             creds.APIKey,
			APISecret:          creds.APISecret,
			Testnet:            creds.Testnet,
			RESTBaseURL:        cfg.Binance.RESTBaseURL,
			TestnetRESTBaseURL: cfg.Binance.TestnetRESTBaseURL,
			WSBaseURL:          cfg.Binance.WSBaseURL,
			TestnetWSBaseURL:   cfg.Binance.TestnetWSBaseURL,
			HTTPTimeout:        time.Duration(cfg.Binance.HTTPTimeoutSeconds) * time.Second,
		})
	}

	defaults := bot.Settings{
		OrderNotional: cfg.Bot.OrderNotional,
		Leverage:      cfg.Bot.Leverage,
		StopLossPct:   cfg.Bot.StopLossPct,
		TakeProfitPct: cfg.Bot.TakeProfitPct,
		Timeframe:     cfg.Bot.Timeframe,
		WindowSize:    cfg.Bot.WindowSize,
	}
	registry := bot.NewRegistry(st, st, box, factory, defaults)
	registry.SetSweepTiming(
		time.Duration(cfg.Sweep.IntervalSeconds)*time.Second,
		time.Duration(cfg.Sweep.ErrorBackoffSeconds)*time.Second,
	)

	server, err := bothttp.NewServer(bothttp.ServerConfig{
		Addr:   cfg.App.HTTPAddr,
		Bots:   registry,
		Users:  st,
		Trades: st,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &App{cfg: cfg, store: st, registry: registry, server: server}, nil
}

// Run serves until ctx is cancelled, then stops every bot and closes the
// store.
func (a *App) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.server.Run(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		a.registry.RunSweep(ctx)
		return nil
	})

	err := group.Wait()

	shCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.registry.StopAll(shCtx)

	if closeErr := a.store.Close(); closeErr != nil {
		logger.Warnf("closing store failed: %v", closeErr)
	}
	return err
}
