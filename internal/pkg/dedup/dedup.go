// Package dedup 提供基于 Redis 的触发防抖窗口。
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "goodsdeck:trigger:"

// Debouncer 在窗口期内只接受同一个 key 的第一次触发。
//
// rdb 为空时不做防抖，每次 Claim 都成功。
type Debouncer struct {
	rdb    *redis.Client
	window time.Duration
}

// NewDebouncer 创建防抖器，window 非正时使用 30 秒。
func NewDebouncer(rdb *redis.Client, window time.Duration) *Debouncer {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Debouncer{rdb: rdb, window: window}
}

// Claim 尝试占用 key。
//
// 返回值:
//
//	claimed: 本次触发是否被接受
//	retryAfter: 未被接受时窗口的剩余时间
func (d *Debouncer) Claim(ctx context.Context, key string) (claimed bool, retryAfter time.Duration, err error) {
	if d == nil || d.rdb == nil || key == "" {
		return true, 0, nil
	}
	full := keyPrefix + key
	ok, err := d.rdb.SetNX(ctx, full, time.Now().Unix(), d.window).Result()
	if err != nil {
		return false, 0, fmt.Errorf("debounce claim %s: %w", key, err)
	}
	if ok {
		return true, 0, nil
	}
	ttl, err := d.rdb.PTTL(ctx, full).Result()
	if err != nil || ttl < 0 {
		// 剩余时间未知时按整个窗口返回
		return false, d.window, nil
	}
	return false, ttl, nil
}

// Release 提前结束 key 的窗口，入队失败或关键词被删除时调用。
func (d *Debouncer) Release(ctx context.Context, key string) error {
	if d == nil || d.rdb == nil || key == "" {
		return nil
	}
	if err := d.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("debounce release %s: %w", key, err)
	}
	return nil
}

// KeywordKey 返回单关键词抓取的防抖 key。
func KeywordKey(keywordID uint) string {
	return "keyword:" + strconv.FormatUint(uint64(keywordID), 10)
}
