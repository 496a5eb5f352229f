// Package ratelimit has two jobs: deriving the store's per-second
// sliding-window thresholds for the active protection level, and
// running an optional Redis-backed token bucket as a cross-node soft
// limit on top of the per-process counters in internal/fortress/store.
package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Egida/fortress/internal/fortress/config"
	"github.com/Egida/fortress/internal/fortress/model"
	"github.com/Egida/fortress/internal/fortress/store"
)

// LimitsForLevel converts the settings-level per-10s RateLimitConfig
// into the store's per-second RateLimitConfig, flooring at 1 to avoid
// a zero limit. L4 has no settings entry — it uses hardcoded emergency
// values, restrictive but not fully closed.
func LimitsForLevel(level model.ProtectionLevel, levels config.RateLimitLevels) store.RateLimitConfig {
	switch level {
	case model.L0:
		return perSecond(levels.Level0)
	case model.L1:
		return perSecond(levels.Level1)
	case model.L2:
		return perSecond(levels.Level2)
	case model.L3:
		return perSecond(levels.Level3)
	default: // L4
		return store.RateLimitConfig{
			IPPerSecond:      5,
			SubnetPerSecond:  20,
			ASNPerSecond:     100,
			CountryPerSecond: 500,
		}
	}
}

func perSecond(cfg config.RateLimitConfig) store.RateLimitConfig {
	return store.RateLimitConfig{
		IPPerSecond:      floor1(cfg.IPPer10s / 10),
		SubnetPerSecond:  floor1(cfg.SubnetPer10s / 10),
		ASNPerSecond:     floor1(cfg.ASNPer10s / 10),
		CountryPerSecond: floor1(cfg.CountryPer10s / 10),
	}
}

func floor1(v uint64) uint64 {
	if v < 1 {
		return 1
	}
	return v
}

//go:embed limiter.lua
var limiterLua string

var tokenBucketScript = redis.NewScript(limiterLua)

// GlobalLimiter is an optional cross-node backstop: every fortress
// instance shares the same Redis token bucket per key, catching
// floods that stay under any single instance's per-process threshold
// only because traffic is spread across instances. It is never the
// sole basis for a block decision — see DESIGN.md.
type GlobalLimiter struct {
	rdb   *redis.Client
	clock func() time.Time
}

func NewGlobalLimiter(cfg config.RedisConfig) *GlobalLimiter {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return &GlobalLimiter{rdb: rdb, clock: time.Now}
}

func (g *GlobalLimiter) Close() error { return g.rdb.Close() }

// Allow consumes cost tokens from key at rps with the given burst
// capacity, returning whether the request is allowed and how long to
// wait before retrying if not.
func (g *GlobalLimiter) Allow(ctx context.Context, key string, rps float64, burst, cost int64) (allowed bool, retryAfter time.Duration, err error) {
	if rps <= 0 || burst <= 0 || cost <= 0 {
		return false, 0, errors.New("ratelimit: invalid parameters")
	}
	nowMs := g.clock().UnixMilli()
	res, err := tokenBucketScript.Run(ctx, g.rdb, []string{key}, nowMs, rps, burst, cost).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 4 {
		return false, 0, errors.New("ratelimit: unexpected script return")
	}
	allowedN, _ := arr[0].(int64)
	retryMs, _ := arr[2].(int64)
	return allowedN == 1, time.Duration(retryMs) * time.Millisecond, nil
}
