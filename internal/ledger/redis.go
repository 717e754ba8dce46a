package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"discount-engine/internal/model"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// codeIndexKey tracks codes with state in redis so the sweeper can find them.
	codeIndexKey = "discount:ledger:codes"

	// sweepConcurrency bounds how many codes are swept at once.
	sweepConcurrency = 8
)

// KEYS[1]: counters hash, KEYS[2]: pending zset scored by expiry ms, KEYS[3]: settled hash
// ARGV[1]: max uses (-1 = unlimited), ARGV[2]: now ms, ARGV[3]: reservation id,
// ARGV[4]: expiry ms, ARGV[5]: committed uses to seed, ARGV[6]: settled retention seconds
// Returns 1 reserved, 0 exhausted, -1 deleted.
var reserveScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'deleted') == '1' then
    return -1
end
redis.call('HSETNX', KEYS[1], 'current', ARGV[5])
redis.call('HSETNX', KEYS[1], 'reserved', 0)

local lapsed = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(lapsed) do
    redis.call('ZREM', KEYS[2], id)
    redis.call('HSET', KEYS[3], id, 'released')
    redis.call('HINCRBY', KEYS[1], 'reserved', -1)
end
if #lapsed > 0 then
    redis.call('EXPIRE', KEYS[3], ARGV[6])
end

local max = tonumber(ARGV[1])
local current = tonumber(redis.call('HGET', KEYS[1], 'current'))
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved'))
if max >= 0 and current + reserved >= max then
    return 0
end

redis.call('HINCRBY', KEYS[1], 'reserved', 1)
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
return 1
`)

// ARGV[1]: reservation id, ARGV[2]: now ms, ARGV[3]: settled retention seconds
// Returns 1 committed, 2 released or lapsed, 3 unknown, 4 already committed.
var commitScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'deleted') == '1' then
    return 3
end

local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
if not score then
    local state = redis.call('HGET', KEYS[3], ARGV[1])
    if state == 'committed' then
        return 4
    end
    if state == 'released' then
        return 2
    end
    return 3
end

redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[1], 'reserved', -1)

if tonumber(score) <= tonumber(ARGV[2]) then
    redis.call('HSET', KEYS[3], ARGV[1], 'released')
    redis.call('EXPIRE', KEYS[3], ARGV[3])
    return 2
end

redis.call('HINCRBY', KEYS[1], 'current', 1)
redis.call('HSET', KEYS[3], ARGV[1], 'committed')
redis.call('EXPIRE', KEYS[3], ARGV[3])
return 1
`)

// ARGV[1]: reservation id, ARGV[2]: settled retention seconds
// Returns 1 released, 2 already committed, 0 nothing held.
var releaseScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
    redis.call('HINCRBY', KEYS[1], 'reserved', -1)
    redis.call('HSET', KEYS[3], ARGV[1], 'released')
    redis.call('EXPIRE', KEYS[3], ARGV[2])
    return 1
end
if redis.call('HGET', KEYS[3], ARGV[1]) == 'committed' then
    return 2
end
return 0
`)

// ARGV[1]: now ms, ARGV[2]: settled retention seconds
// Returns {reclaimed, still pending}.
var reclaimScript = redis.NewScript(`
local lapsed = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(lapsed) do
    redis.call('ZREM', KEYS[2], id)
    redis.call('HSET', KEYS[3], id, 'released')
    redis.call('HINCRBY', KEYS[1], 'reserved', -1)
end
if #lapsed > 0 then
    redis.call('EXPIRE', KEYS[3], ARGV[2])
end
return {#lapsed, redis.call('ZCARD', KEYS[2])}
`)

// ARGV[1]: tombstone retention seconds
// Returns the number of pending reservations dropped.
var forgetScript = redis.NewScript(`
local pending = redis.call('ZCARD', KEYS[2])
redis.call('DEL', KEYS[2], KEYS[3])
redis.call('HSET', KEYS[1], 'deleted', 1, 'reserved', 0)
redis.call('EXPIRE', KEYS[1], ARGV[1])
return pending
`)

// RedisLedger keeps counters in redis so several service instances share them.
// Each code's keys share a hash tag and every mutation is one Lua script.
type RedisLedger struct {
	client redis.UniversalClient
	opts   Options
	logger zerolog.Logger
}

// NewRedisLedger creates a redis-backed ledger.
func NewRedisLedger(client redis.UniversalClient, opts Options, logger zerolog.Logger) *RedisLedger {
	return &RedisLedger{
		client: client,
		opts:   opts,
		logger: logger.With().Str("ledger", "redis").Logger(),
	}
}

func codeKeys(codeID uuid.UUID) []string {
	tag := "{" + codeID.String() + "}"
	return []string{
		"discount:" + tag + ":counters",
		"discount:" + tag + ":pending",
		"discount:" + tag + ":settled",
	}
}

func retentionSeconds() int64 {
	return int64(settledRetention / time.Second)
}

// Reserve implements Ledger.
func (l *RedisLedger) Reserve(ctx context.Context, code *model.DiscountCode, now time.Time) (*model.Reservation, error) {
	maxUses := -1
	if code.MaxUses != nil {
		maxUses = *code.MaxUses
	}

	res := NewReservation(code.ID, now, l.opts.TTL())
	result, err := reserveScript.Run(ctx, l.client, codeKeys(code.ID),
		maxUses,
		now.UnixMilli(),
		res.ID.String(),
		res.ExpiresAt.UnixMilli(),
		code.CurrentUses,
		retentionSeconds(),
	).Int()
	if err != nil {
		l.logger.Error().Err(err).Str("code_id", code.ID.String()).Msg("failed to run reserve script")
		return nil, fmt.Errorf("failed to reserve: %w", err)
	}

	switch result {
	case 1:
		// A sweep may have untracked the code while the hold was being placed.
		if err := l.track(ctx, code.ID.String()); err != nil {
			l.logger.Error().Err(err).Str("code_id", code.ID.String()).Msg("failed to index code")
			if relErr := l.Release(ctx, res); relErr != nil {
				l.logger.Error().Err(relErr).Str("reservation_id", res.ID.String()).Msg("failed to release untracked reservation")
			}
			return nil, fmt.Errorf("failed to index code: %w", err)
		}
		return res, nil
	case 0:
		return nil, model.ErrDiscountExhausted
	case -1:
		return nil, model.ErrDiscountNotFound
	default:
		return nil, fmt.Errorf("unknown result from reserve script: %d", result)
	}
}

// Commit implements Ledger. With a CommitStore configured the use is
// recorded there first and taken back when the script does not commit, so
// the stored count never trails the committed uses.
func (l *RedisLedger) Commit(ctx context.Context, reservation *model.Reservation, now time.Time) error {
	keys := codeKeys(reservation.CodeID)

	store := l.opts.Committed
	if store != nil {
		state, err := l.client.HGet(ctx, keys[2], reservation.ID.String()).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read reservation state: %w", err)
		}
		if state == string(model.ReservationCommitted) {
			reservation.Status = model.ReservationCommitted
			return nil
		}

		if err := store.AddCommitted(ctx, reservation.CodeID, 1); err != nil {
			if errors.Is(err, model.ErrDiscountNotFound) {
				return model.ErrReservationNotFound
			}
			l.logger.Error().Err(err).Str("reservation_id", reservation.ID.String()).Msg("failed to record committed use")
			return fmt.Errorf("failed to record committed use: %w", err)
		}
	}

	result, err := commitScript.Run(ctx, l.client, keys,
		reservation.ID.String(),
		now.UnixMilli(),
		retentionSeconds(),
	).Int()
	if err != nil {
		l.undoCommitted(ctx, reservation)
		l.logger.Error().Err(err).Str("reservation_id", reservation.ID.String()).Msg("failed to run commit script")
		return fmt.Errorf("failed to commit reservation: %w", err)
	}

	switch result {
	case 1:
		reservation.Status = model.ReservationCommitted
		return nil
	case 4:
		l.undoCommitted(ctx, reservation)
		reservation.Status = model.ReservationCommitted
		return nil
	case 2:
		l.undoCommitted(ctx, reservation)
		reservation.Status = model.ReservationReleased
		return model.ErrReservationExpired
	case 3:
		l.undoCommitted(ctx, reservation)
		return model.ErrReservationNotFound
	default:
		return fmt.Errorf("unknown result from commit script: %d", result)
	}
}

func (l *RedisLedger) undoCommitted(ctx context.Context, reservation *model.Reservation) {
	store := l.opts.Committed
	if store == nil {
		return
	}
	if err := store.AddCommitted(context.WithoutCancel(ctx), reservation.CodeID, -1); err != nil && !errors.Is(err, model.ErrDiscountNotFound) {
		l.logger.Error().Err(err).
			Str("reservation_id", reservation.ID.String()).
			Msg("failed to take back recorded use")
	}
}

// Release implements Ledger.
func (l *RedisLedger) Release(ctx context.Context, reservation *model.Reservation) error {
	result, err := releaseScript.Run(ctx, l.client, codeKeys(reservation.CodeID),
		reservation.ID.String(),
		retentionSeconds(),
	).Int()
	if err != nil {
		l.logger.Error().Err(err).Str("reservation_id", reservation.ID.String()).Msg("failed to run release script")
		return fmt.Errorf("failed to release reservation: %w", err)
	}

	reservation.Status = model.ReservationReleased
	if result == 2 {
		reservation.Status = model.ReservationCommitted
	}
	return nil
}

// SweepExpired implements Ledger. A failure on one code is logged and the
// rest are still swept; the code is retried on the next sweep.
func (l *RedisLedger) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := l.client.SMembers(ctx, codeIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list tracked codes: %w", err)
	}

	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for _, raw := range ids {
		codeID, err := uuid.Parse(raw)
		if err != nil {
			l.client.SRem(ctx, codeIndexKey, raw)
			continue
		}

		raw := raw
		g.Go(func() error {
			counts, err := reclaimScript.Run(gctx, l.client, codeKeys(codeID),
				now.UnixMilli(),
				retentionSeconds(),
			).Int64Slice()
			if err != nil {
				l.logger.Error().Err(err).Str("code_id", raw).Msg("failed to sweep code")
				return nil
			}
			if len(counts) != 2 {
				l.logger.Error().Str("code_id", raw).Msg("unexpected sweep script result")
				return nil
			}

			total.Add(counts[0])
			if counts[1] == 0 {
				if err := l.untrackIdle(gctx, codeID); err != nil {
					l.logger.Warn().Err(err).Str("code_id", raw).Msg("failed to untrack idle code")
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(total.Load()), err
	}
	return int(total.Load()), ctx.Err()
}

// Usage implements Ledger.
func (l *RedisLedger) Usage(ctx context.Context, codeID uuid.UUID) (model.Usage, error) {
	values, err := l.client.HMGet(ctx, codeKeys(codeID)[0], "current", "reserved", "deleted").Result()
	if err != nil {
		return model.Usage{}, fmt.Errorf("failed to read usage: %w", err)
	}

	if values[0] == nil || values[2] != nil {
		return model.Usage{}, model.ErrDiscountNotFound
	}

	current, err := parseCounter(values[0])
	if err != nil {
		return model.Usage{}, err
	}
	reserved, err := parseCounter(values[1])
	if err != nil {
		return model.Usage{}, err
	}

	return model.Usage{CurrentUses: current, ReservedUses: reserved}, nil
}

// Forget implements Ledger.
func (l *RedisLedger) Forget(ctx context.Context, codeID uuid.UUID) error {
	released, err := forgetScript.Run(ctx, l.client, codeKeys(codeID), retentionSeconds()).Int()
	if err != nil {
		l.logger.Error().Err(err).Str("code_id", codeID.String()).Msg("failed to forget code")
		return fmt.Errorf("failed to forget code: %w", err)
	}

	if err := l.client.SRem(ctx, codeIndexKey, codeID.String()).Err(); err != nil {
		l.logger.Warn().Err(err).Str("code_id", codeID.String()).Msg("failed to untrack deleted code")
	}

	l.logger.Info().
		Str("code_id", codeID.String()).
		Int("released", released).
		Msg("released reservations of deleted code")
	return nil
}

func (l *RedisLedger) track(ctx context.Context, codeID string) error {
	return l.client.SAdd(ctx, codeIndexKey, codeID).Err()
}

// untrackIdle drops a code without pending holds from the sweep index. A hold
// placed between the sweep and the removal puts the code back.
func (l *RedisLedger) untrackIdle(ctx context.Context, codeID uuid.UUID) error {
	raw := codeID.String()
	if err := l.client.SRem(ctx, codeIndexKey, raw).Err(); err != nil {
		return err
	}

	pending, err := l.client.ZCard(ctx, codeKeys(codeID)[1]).Result()
	if err != nil {
		if trackErr := l.track(ctx, raw); trackErr != nil {
			return trackErr
		}
		return err
	}
	if pending > 0 {
		return l.track(ctx, raw)
	}
	return nil
}

func parseCounter(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected counter type %T", v)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid counter %q: %w", s, err)
	}
	return n, nil
}

// Ping checks the redis connection.
func (l *RedisLedger) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}

var _ Ledger = (*RedisLedger)(nil)
