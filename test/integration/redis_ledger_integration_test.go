package integration

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"discount-engine/internal/identity"
	"discount-engine/internal/ledger"
	"discount-engine/internal/model"
	"discount-engine/internal/repository"
	"discount-engine/internal/service"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	require.NoError(t, client.Ping(ctx).Err())

	t.Cleanup(func() {
		_ = client.Close()
		_ = container.Terminate(ctx)
	})
	return client
}

// Codes live in postgres while usage is tracked in redis, as when
// LEDGER_BACKEND=redis.
func TestRedisLedgerWithPostgresCodes_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	testDB := SetupTestDB(t)
	client := setupRedis(t)
	SeedProducts(t, testDB.Pool)

	ctx := context.Background()
	logger := zerolog.Nop()
	start := time.Now()
	clock := &atomic.Pointer[time.Time]{}
	clock.Store(&start)
	now := func() time.Time { return *clock.Load() }

	productRepo := repository.NewProductRepository(testDB.Pool, logger)
	codeRepo := repository.NewCodeRepository(testDB.Pool, logger)
	usage := ledger.NewRedisLedger(client, ledger.Options{ReservationTTL: 15 * time.Minute, Committed: codeRepo}, logger)

	codes := service.NewCodeService(codeRepo, usage, productRepo, identity.NewResolver(productRepo), logger, service.WithClock(now))
	redemptions := service.NewRedemptionService(codeRepo, usage, productRepo, logger, service.WithClock(now))

	one := 1
	code, err := codes.Create(ctx, "seller-1", "P001", &model.CreateCodeRequest{
		Code:          "REDIS1",
		DiscountType:  model.DiscountTypeFixed,
		DiscountValue: decimal.NewFromInt(10),
		MaxUses:       &one,
	})
	require.NoError(t, err)

	price := decimal.NewFromInt(40)

	var reserved atomic.Int32
	var winner atomic.Pointer[model.Reservation]
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := redemptions.AttemptRedeem(ctx, "redis1", "P001", price, now())
			if !assert.NoError(t, err) {
				return
			}
			if outcome.Reserved() {
				reserved.Add(1)
				winner.Store(outcome.Reservation)
			} else {
				assert.Equal(t, model.OutcomeExhausted, outcome.Status)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), reserved.Load())

	// The checkout never finalizes; after the TTL the sweeper frees the use.
	later := start.Add(16 * time.Minute)
	clock.Store(&later)

	reclaimed, err := usage.SweepExpired(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	err = redemptions.FinalizeRedeem(ctx, winner.Load(), true)
	assert.ErrorIs(t, err, model.ErrReservationExpired)

	outcome, err := redemptions.AttemptRedeem(ctx, "REDIS1", "P001", price, later)
	require.NoError(t, err)
	require.True(t, outcome.Reserved())
	require.NoError(t, redemptions.FinalizeRedeem(ctx, outcome.Reservation, true))

	got, err := codes.Get(ctx, code.ID, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentUses)
	assert.Equal(t, 0, got.ReservedUses)

	var stored int
	require.NoError(t, testDB.Pool.QueryRow(ctx, `SELECT current_uses FROM discount_codes WHERE id = $1`, code.ID).Scan(&stored))
	assert.Equal(t, 1, stored, "commits are written through to postgres")

	// Losing the redis state must not hand the committed use out again.
	require.NoError(t, client.FlushDB(ctx).Err())
	outcome, err = redemptions.AttemptRedeem(ctx, "REDIS1", "P001", price, later)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeExhausted, outcome.Status)

	require.NoError(t, codes.Delete(ctx, code.ID, "seller-1"))
	_, err = usage.Usage(ctx, code.ID)
	assert.ErrorIs(t, err, model.ErrDiscountNotFound)
}
