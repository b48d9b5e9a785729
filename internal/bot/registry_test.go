package bot

import (
	"context"
	"testing"
	"time"

	"flipbot/internal/exchange"
	"flipbot/internal/market"
	"flipbot/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockUserStore struct {
	mock.Mock
}

func (m *mockUserStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	args := m.Called(ctx, id)
	if u := args.Get(0); u != nil {
		return u.(*store.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUserStore) UpdateBotStatus(ctx context.Context, id string, status store.BotStatus, symbol string, startedAt *time.Time) error {
	return m.Called(ctx, id, status, symbol, startedAt).Error(0)
}

type passthroughDecrypter struct{}

func (passthroughDecrypter) Decrypt(token string) (string, error) { return token, nil }

func testUser(id string) *store.User {
	return &store.User{
		ID:                 id,
		Email:              id + "@example.com",
		EncryptedAPIKey:    "api-key",
		EncryptedAPISecret: "api-secret",
		Testnet:            true,
		BotStatus:          store.BotStatusStopped,
	}
}

func newTestRegistry(users *mockUserStore, factory GatewayFactory) *Registry {
	return NewRegistry(users, &memoryLedger{}, passthroughDecrypter{}, factory, testSettings())
}

func TestRegistryStartStop(t *testing.T) {
	t.Run("start then duplicate start then stop", func(t *testing.T) {
		gw := new(mockGateway)
		events := make(chan market.CandleEvent)
		expectStartupCalls(gw, events)

		users := new(mockUserStore)
		users.On("GetUser", mock.Anything, "tenant-1").Return(testUser("tenant-1"), nil)
		users.On("UpdateBotStatus", mock.Anything, "tenant-1", store.BotStatusRunning, "BTCUSDT", mock.Anything).Return(nil)
		users.On("UpdateBotStatus", mock.Anything, "tenant-1", store.BotStatusStopped, "", mock.Anything).Return(nil)

		var creds Credentials
		reg := newTestRegistry(users, func(c Credentials) exchange.Gateway {
			creds = c
			return gw
		})

		require.NoError(t, reg.StartForUser(context.Background(), "tenant-1", "BTCUSDT"))
		assert.Equal(t, 1, reg.ActiveCount())
		assert.Equal(t, Credentials{APIKey: "api-key", APISecret: "api-secret", Testnet: true}, creds)

		err := reg.StartForUser(context.Background(), "tenant-1", "ETHUSDT")
		assert.ErrorIs(t, err, ErrAlreadyRunning)
		assert.Equal(t, 1, reg.ActiveCount())

		require.NoError(t, reg.StopForUser(context.Background(), "tenant-1"))
		assert.Equal(t, 0, reg.ActiveCount())
		users.AssertCalled(t, "UpdateBotStatus", mock.Anything, "tenant-1", store.BotStatusStopped, "", mock.Anything)
	})

	t.Run("stop without instance is a no-op", func(t *testing.T) {
		users := new(mockUserStore)
		reg := newTestRegistry(users, func(Credentials) exchange.Gateway { return new(mockGateway) })

		assert.NoError(t, reg.StopForUser(context.Background(), "ghost"))
		users.AssertNotCalled(t, "UpdateBotStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unknown tenant fails start", func(t *testing.T) {
		users := new(mockUserStore)
		users.On("GetUser", mock.Anything, "ghost").Return(nil, store.ErrUserNotFound)
		reg := newTestRegistry(users, func(Credentials) exchange.Gateway { return new(mockGateway) })

		err := reg.StartForUser(context.Background(), "ghost", "BTCUSDT")
		assert.ErrorIs(t, err, store.ErrUserNotFound)
		assert.Equal(t, 0, reg.ActiveCount())
	})

	t.Run("dead instance slot is reclaimed on start", func(t *testing.T) {
		gw := new(mockGateway)
		events := make(chan market.CandleEvent)
		expectStartupCalls(gw, events)

		users := new(mockUserStore)
		users.On("GetUser", mock.Anything, "tenant-1").Return(testUser("tenant-1"), nil)
		users.On("UpdateBotStatus", mock.Anything, "tenant-1", store.BotStatusRunning, "BTCUSDT", mock.Anything).Return(nil)
		users.On("UpdateBotStatus", mock.Anything, "tenant-1", store.BotStatusStopped, "", mock.Anything).Return(nil)

		reg := newTestRegistry(users, func(Credentials) exchange.Gateway { return gw })

		deadGw := new(mockGateway)
		deadGw.On("Close").Return(nil)
		dead := NewInstance("tenant-1", deadGw, &memoryLedger{}, testSettings())
		dead.state = StateError
		done := make(chan struct{})
		close(done)
		dead.done = done

		reg.mu.Lock()
		reg.bots["tenant-1"] = dead
		reg.mu.Unlock()

		require.NoError(t, reg.StartForUser(context.Background(), "tenant-1", "BTCUSDT"))
		assert.Equal(t, 1, reg.ActiveCount())

		// The dead instance was stopped on eviction, releasing its gateway.
		deadGw.AssertCalled(t, "Close")
		assert.False(t, dead.Stop())

		reg.mu.Lock()
		assert.NotSame(t, dead, reg.bots["tenant-1"])
		reg.mu.Unlock()

		require.NoError(t, reg.StopForUser(context.Background(), "tenant-1"))
	})
}

func TestRegistrySweep(t *testing.T) {
	t.Run("evicts dead instances and persists status once", func(t *testing.T) {
		users := new(mockUserStore)
		users.On("UpdateBotStatus", mock.Anything, "dead-tenant", store.BotStatusStopped, "", mock.Anything).Return(nil).Once()

		reg := newTestRegistry(users, func(Credentials) exchange.Gateway { return new(mockGateway) })

		dead := NewInstance("dead-tenant", new(mockGateway), &memoryLedger{}, testSettings())
		alive := NewInstance("live-tenant", new(mockGateway), &memoryLedger{}, testSettings())
		alive.running.Store(true)

		reg.mu.Lock()
		reg.bots["dead-tenant"] = dead
		reg.bots["live-tenant"] = alive
		reg.mu.Unlock()

		require.NoError(t, reg.sweepOnce(context.Background()))
		assert.Equal(t, 1, reg.ActiveCount())

		// A second sweep finds nothing to evict.
		require.NoError(t, reg.sweepOnce(context.Background()))
		users.AssertNumberOfCalls(t, "UpdateBotStatus", 1)
	})

	t.Run("sweep with no instances is harmless", func(t *testing.T) {
		reg := newTestRegistry(new(mockUserStore), func(Credentials) exchange.Gateway { return new(mockGateway) })
		assert.NoError(t, reg.sweepOnce(context.Background()))
	})
}

func TestRegistryStatus(t *testing.T) {
	reg := newTestRegistry(new(mockUserStore), func(Credentials) exchange.Gateway { return new(mockGateway) })

	status := reg.StatusForUser("tenant-1")
	assert.False(t, status.Running)
	assert.Equal(t, StateStopped.String(), status.State)
	assert.Equal(t, "bot is not running", status.Message)
}

func TestRegistrySettingsFallback(t *testing.T) {
	reg := newTestRegistry(new(mockUserStore), func(Credentials) exchange.Gateway { return new(mockGateway) })

	user := testUser("tenant-1")
	user.OrderNotional = 100
	user.Timeframe = "1h"

	s := reg.settingsFor(user)
	assert.Equal(t, 100.0, s.OrderNotional)
	assert.Equal(t, "1h", s.Timeframe)
	assert.Equal(t, 10, s.Leverage)
	assert.Equal(t, 8.0, s.TakeProfitPct)
	assert.Equal(t, 50, s.WindowSize)
}
