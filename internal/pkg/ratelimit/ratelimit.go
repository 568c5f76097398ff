// Package ratelimit 为每个来源提供请求令牌桶。
//
// 配置了 Redis 时多个进程（API 服务与 CLI）共享同一个桶，否则各进程独立限流。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"goodsdeck/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrRateLimitTimeout 表示 ctx 在拿到令牌前结束。
var ErrRateLimitTimeout = errors.New("rate limit wait timeout")

const keyPrefix = "goodsdeck:ratelimit:"

// Limiter 是抓取请求发出前需要获取的令牌。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// New 按来源创建限流器：rdb 非空时使用 Redis 令牌桶，否则使用进程内令牌桶。
//
// 参数:
//
//	rdb: Redis 客户端，可以为 nil
//	logger: 日志记录器
//	name: 来源名，决定 Redis 键
//	ratePerSec: 每秒补充的令牌数，<=0 表示不限流
//	burst: 桶容量
func New(rdb *redis.Client, logger *slog.Logger, name string, ratePerSec float64, burst float64) Limiter {
	if rdb != nil {
		return NewRedisRateLimiter(rdb, logger, keyPrefix+name, ratePerSec, burst)
	}
	return NewLocalRateLimiter(ratePerSec, burst)
}

// tokenBucket 按毫秒时间戳补充令牌，返回 {是否拿到, 需要等待的毫秒数}。
// 键在约两个满桶周期内无访问即过期。
var tokenBucket = redis.NewScript(`
local rate, burst, now = tonumber(ARGV[1]), tonumber(ARGV[2]), tonumber(ARGV[3])
local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local last = tonumber(state[2]) or now

tokens = math.min(burst, tokens + math.max(0, now - last) * rate / 1000.0)

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil((1 - tokens) * 1000.0 / rate)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(burst / rate * 2000))
if wait == 0 then
  return {1, 0}
end
return {0, wait}
`)

// RateLimiter 是状态保存在 Redis hash 中的令牌桶。
//
// Redis 出错时退回到进程内令牌桶，Redis 恢复后自动切回，
// 一次 Redis 抖动不会让来源的翻页以错误结束。
type RateLimiter struct {
	rdb      *redis.Client
	key      string
	rate     float64
	burst    float64
	logger   *slog.Logger
	fallback *LocalLimiter
	degraded atomic.Bool
}

// NewRedisRateLimiter 创建 Redis 令牌桶，key 为空时使用默认键。
func NewRedisRateLimiter(rdb *redis.Client, logger *slog.Logger, key string, ratePerSec float64, burst float64) *RateLimiter {
	if key == "" {
		key = keyPrefix + "default"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &RateLimiter{
		rdb:      rdb,
		key:      key,
		rate:     ratePerSec,
		burst:    burst,
		logger:   logger,
		fallback: NewLocalRateLimiter(ratePerSec, burst),
	}
}

// Acquire 阻塞直到获取令牌，ctx 结束时返回 ErrRateLimitTimeout。
func (r *RateLimiter) Acquire(ctx context.Context) error {
	if r.rate <= 0 || r.burst <= 0 {
		return nil
	}

	start := time.Now()
	for {
		wait, err := r.reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.timedOut(start)
			}
			if r.degraded.CompareAndSwap(false, true) {
				r.logger.Warn("ratelimit redis unavailable, using local bucket",
					slog.String("key", r.key),
					slog.String("error", err.Error()))
			}
			return r.fallback.Acquire(ctx)
		}
		if r.degraded.CompareAndSwap(true, false) {
			r.logger.Info("ratelimit redis recovered", slog.String("key", r.key))
		}
		if wait == 0 {
			metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
			return nil
		}

		// 抖动让同时醒来的 worker 错开
		wait += time.Duration(rand.Int64N(int64(10 * time.Millisecond)))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return r.timedOut(start)
		case <-timer.C:
		}
	}
}

// reserve 尝试取一个令牌，返回还需等待的时间，0 表示已拿到。
func (r *RateLimiter) reserve(ctx context.Context) (time.Duration, error) {
	vals, err := tokenBucket.Run(ctx, r.rdb, []string{r.key}, r.rate, r.burst, time.Now().UnixMilli()).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("ratelimit eval: %w", err)
	}
	if len(vals) != 2 {
		return 0, fmt.Errorf("ratelimit eval: unexpected reply %v", vals)
	}
	if vals[0] == 1 {
		return 0, nil
	}
	return max(time.Duration(vals[1])*time.Millisecond, 10*time.Millisecond), nil
}

func (r *RateLimiter) timedOut(start time.Time) error {
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	metrics.RateLimitTimeoutTotal.Inc()
	return ErrRateLimitTimeout
}

// LocalLimiter 是进程内令牌桶。
type LocalLimiter struct {
	lim *rate.Limiter
}

// NewLocalRateLimiter 创建进程内限流器，rate 或 burst 非正时不限流。
func NewLocalRateLimiter(ratePerSec float64, burst float64) *LocalLimiter {
	if ratePerSec <= 0 || burst <= 0 {
		return &LocalLimiter{}
	}
	return &LocalLimiter{lim: rate.NewLimiter(rate.Limit(ratePerSec), max(int(burst), 1))}
}

// Acquire 等待一个令牌。
func (l *LocalLimiter) Acquire(ctx context.Context) error {
	if l == nil || l.lim == nil {
		return nil
	}
	start := time.Now()
	err := l.lim.Wait(ctx)
	metrics.RateLimitWaitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RateLimitTimeoutTotal.Inc()
		return ErrRateLimitTimeout
	}
	return nil
}
