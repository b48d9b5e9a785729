package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flipbot/internal/exchange"
	"flipbot/internal/logger"
	"flipbot/internal/store"

	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultSweepBackoff  = time.Minute
)

// Credentials are the decrypted per-tenant exchange credentials handed to
// the gateway factory.
type Credentials struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// GatewayFactory builds a fresh gateway for one tenant. Each instance owns
// its gateway exclusively; nothing is shared between tenants.
type GatewayFactory func(creds Credentials) exchange.Gateway

// Decrypter recovers plaintext credentials from their stored form.
type Decrypter interface {
	Decrypt(token string) (string, error)
}

// Registry enforces at most one live instance per tenant and keeps the
// persisted bot status in step with reality. A periodic sweep evicts
// instances whose consumers have died.
type Registry struct {
	users      store.UserStore
	ledger     store.TradeLedger
	secrets    Decrypter
	newGateway GatewayFactory
	defaults   Settings

	sweepInterval time.Duration
	sweepBackoff  time.Duration

	mu   sync.Mutex
	bots map[string]*Instance
}

func NewRegistry(users store.UserStore, ledger store.TradeLedger, secrets Decrypter, factory GatewayFactory, defaults Settings) *Registry {
	return &Registry{
		users:         users,
		ledger:        ledger,
		secrets:       secrets,
		newGateway:    factory,
		defaults:      defaults,
		sweepInterval: defaultSweepInterval,
		sweepBackoff:  defaultSweepBackoff,
		bots:          make(map[string]*Instance),
	}
}

// SetSweepTiming overrides the sweep cadence. Zero or negative values keep
// the current setting.
func (r *Registry) SetSweepTiming(interval, errorBackoff time.Duration) {
	if interval > 0 {
		r.sweepInterval = interval
	}
	if errorBackoff > 0 {
		r.sweepBackoff = errorBackoff
	}
}

// StartForUser creates and starts an instance for the tenant. A dead
// instance still occupying the slot is evicted first; a live one makes the
// call fail with ErrAlreadyRunning.
func (r *Registry) StartForUser(ctx context.Context, tenantID, symbol string) error {
	r.mu.Lock()
	existing, occupied := r.bots[tenantID]
	if occupied {
		if existing.IsRunning() {
			r.mu.Unlock()
			return ErrAlreadyRunning
		}
		delete(r.bots, tenantID)
	}
	r.mu.Unlock()
	if occupied {
		// A dead instance still holds its gateway; release it before the
		// slot is reused.
		existing.Stop()
	}

	user, err := r.users.GetUser(ctx, tenantID)
	if err != nil {
		return err
	}

	apiKey, err := r.secrets.Decrypt(user.EncryptedAPIKey)
	if err != nil {
		return fmt.Errorf("decrypting api key: %w", err)
	}
	apiSecret, err := r.secrets.Decrypt(user.EncryptedAPISecret)
	if err != nil {
		return fmt.Errorf("decrypting api secret: %w", err)
	}

	gw := r.newGateway(Credentials{APIKey: apiKey, APISecret: apiSecret, Testnet: user.Testnet})
	inst := NewInstance(tenantID, gw, r.ledger, r.settingsFor(user))

	if err := inst.Start(ctx, symbol); err != nil {
		return err
	}

	r.mu.Lock()
	if existing, ok := r.bots[tenantID]; ok && existing.IsRunning() {
		r.mu.Unlock()
		inst.Stop()
		return ErrAlreadyRunning
	}
	r.bots[tenantID] = inst
	r.mu.Unlock()

	now := time.Now().UTC()
	if err := r.users.UpdateBotStatus(ctx, tenantID, store.BotStatusRunning, symbol, &now); err != nil {
		logger.Warnf("[registry] persisting running status for %s failed: %v", tenantID, err)
	}
	return nil
}

// StopForUser stops and removes the tenant's instance. Stopping an absent
// instance is a no-op.
func (r *Registry) StopForUser(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	inst, ok := r.bots[tenantID]
	if ok {
		delete(r.bots, tenantID)
	}
	r.mu.Unlock()

	if !ok {
		logger.Warnf("[registry] stop requested for %s but no instance is registered", tenantID)
		return nil
	}

	inst.Stop()
	if err := r.users.UpdateBotStatus(ctx, tenantID, store.BotStatusStopped, "", nil); err != nil {
		logger.Warnf("[registry] persisting stopped status for %s failed: %v", tenantID, err)
	}
	return nil
}

// StopAll shuts every instance down in parallel. Used on process shutdown;
// individual failures are logged, not propagated.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.bots))
	for id := range r.bots {
		instances = append(instances, r.bots[id])
	}
	r.bots = make(map[string]*Instance)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			inst.Stop()
			if err := r.users.UpdateBotStatus(ctx, inst.TenantID(), store.BotStatusStopped, "", nil); err != nil {
				logger.Warnf("[registry] persisting stopped status for %s failed: %v", inst.TenantID(), err)
			}
			return nil
		})
	}
	g.Wait()
	logger.Infof("[registry] all %d instances stopped", len(instances))
}

// StatusForUser never errors: tenants without an instance get a stopped
// descriptor.
func (r *Registry) StatusForUser(tenantID string) Status {
	r.mu.Lock()
	inst, ok := r.bots[tenantID]
	r.mu.Unlock()

	if !ok {
		return Status{Running: false, State: StateStopped.String(), Message: "bot is not running"}
	}
	return inst.Status()
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bots)
}

// RunSweep blocks, evicting dead instances on a fixed interval until ctx
// is cancelled. Sweep errors back off and never terminate the loop.
func (r *Registry) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweepOnce(ctx); err != nil {
				logger.Errorf("[registry] sweep failed: %v", err)
				if !sleepWithContext(ctx, r.sweepBackoff) {
					return
				}
			}
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sweep panic: %v", rec)
		}
	}()

	r.mu.Lock()
	dead := make([]*Instance, 0)
	for _, inst := range r.bots {
		if !inst.IsRunning() {
			dead = append(dead, inst)
		}
	}
	r.mu.Unlock()

	for _, inst := range dead {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("[registry] evicting %s panicked: %v", inst.TenantID(), rec)
				}
			}()

			r.mu.Lock()
			current, ok := r.bots[inst.TenantID()]
			if !ok || current != inst {
				// Replaced or removed since the scan; leave it alone.
				r.mu.Unlock()
				return
			}
			delete(r.bots, inst.TenantID())
			r.mu.Unlock()

			inst.Stop()
			logger.Infof("[registry] evicted dead instance for %s", inst.TenantID())
			if err := r.users.UpdateBotStatus(ctx, inst.TenantID(), store.BotStatusStopped, "", nil); err != nil {
				logger.Warnf("[registry] persisting stopped status for %s failed: %v", inst.TenantID(), err)
			}
		}()
	}
	return nil
}

func (r *Registry) settingsFor(user *store.User) Settings {
	s := r.defaults
	if user.OrderNotional > 0 {
		s.OrderNotional = user.OrderNotional
	}
	if user.Leverage > 0 {
		s.Leverage = user.Leverage
	}
	if user.StopLossPct > 0 {
		s.StopLossPct = user.StopLossPct
	}
	if user.TakeProfitPct > 0 {
		s.TakeProfitPct = user.TakeProfitPct
	}
	if user.Timeframe != "" {
		s.Timeframe = user.Timeframe
	}
	if s.WindowSize <= 0 {
		s.WindowSize = defaultWindowSize
	}
	return s
}
