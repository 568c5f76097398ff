// Package enrich 为已收藏的商品补全详情（描述、图片、售出状态）。
//
// 队列空闲时没有常驻 goroutine；入队时由 supervisor 按需拉起唯一的消费者，
// 消费者串行处理并在条目之间等待，避免对来源站点造成压力。
package enrich

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"goodsdeck/internal/model"
	"goodsdeck/internal/pkg/metrics"
	"goodsdeck/internal/source"
)

const (
	DefaultDelay    = 500 * time.Millisecond
	DefaultCapacity = 1000
)

// Store 是详情补全依赖的持久化能力。
type Store interface {
	GetItem(ctx context.Context, id uint) (*model.Item, error)
	UpdateItemDetails(ctx context.Context, itemID uint, d *source.Detail) error
	ItemsNeedingDetails(ctx context.Context, limit int) ([]model.Item, error)
	UpsertCategoryPath(ctx context.Context, kind model.SourceKind, path []source.CategoryNode) error
}

// Options 是 Worker 的运行参数，零值使用默认值。
type Options struct {
	Delay    time.Duration // 相邻两条之间的等待
	Capacity int           // 队列容量
}

// Worker 是单消费者的详情补全队列。
type Worker struct {
	store    Store
	registry source.Registry
	logger   *slog.Logger
	delay    time.Duration

	ch      chan uint
	mu      sync.Mutex
	pending map[uint]struct{} // 排队中或处理中的 ID

	alive  atomic.Bool
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 创建详情补全 Worker。创建后不会启动任何 goroutine。
//
// 参数:
//
//	st: 商品存储
//	registry: 来源适配器，按商品的 source 分发详情抓取
//	opts: 间隔与容量
//	logger: 日志记录器
func New(st Store, registry source.Registry, opts Options, logger *slog.Logger) *Worker {
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		store:    st,
		registry: registry,
		logger:   logger,
		delay:    opts.Delay,
		ch:       make(chan uint, opts.Capacity),
		pending:  make(map[uint]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue 把商品 ID 放入队列，返回实际入队的数量。
// 已在排队或处理中的 ID 会被跳过；队列满时丢弃并记录日志。
func (w *Worker) Enqueue(ids ...uint) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	// closed 与 wg.Add 都在 mu 下，Close 之后不会再启动消费者
	if w.closed.Load() {
		return 0
	}

	added := 0
	for _, id := range ids {
		if _, ok := w.pending[id]; ok {
			continue
		}
		select {
		case w.ch <- id:
			w.pending[id] = struct{}{}
			added++
		default:
			w.logger.Warn("enrich queue full, drop item",
				slog.Uint64("item_id", uint64(id)),
				slog.Int("capacity", cap(w.ch)))
		}
	}
	metrics.EnrichQueueDepth.Set(float64(len(w.ch)))

	if added > 0 {
		w.ensureRunning()
	}
	return added
}

// EnqueueMissing 把缺少描述或图片的收藏商品加入队列，返回入队数量。
func (w *Worker) EnqueueMissing(ctx context.Context, limit int) (int, error) {
	items, err := w.store.ItemsNeedingDetails(ctx, limit)
	if err != nil {
		return 0, err
	}
	ids := make([]uint, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	return w.Enqueue(ids...), nil
}

// Pending 返回排队中与处理中的条目数。
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Alive 报告消费者 goroutine 是否在运行。
func (w *Worker) Alive() bool {
	return w.alive.Load()
}

// Flush 等待队列处理完毕或 ctx 结束。
func (w *Worker) Flush(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if w.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 停止接收新条目，中断当前处理并等待消费者退出。
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.closed.CompareAndSwap(false, true) {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.logger.Info("enrich worker closed", slog.Int("dropped", w.Pending()))
}

// ensureRunning 在没有存活的消费者时启动一个，调用方需持有 mu。
func (w *Worker) ensureRunning() {
	if w.alive.CompareAndSwap(false, true) {
		w.wg.Add(1)
		go w.drain()
	}
}

func (w *Worker) drain() {
	defer w.wg.Done()
	metrics.EnrichWorkerAlive.Set(1)
	w.logger.Debug("enrich worker started")

	for {
		w.runUntilEmpty()
		w.alive.Store(false)
		metrics.EnrichWorkerAlive.Set(0)

		// 清除标志后再检查一次：入队方可能在我们看到空队列之后、清除标志之前放入了新条目
		if w.ctx.Err() != nil || len(w.ch) == 0 || !w.alive.CompareAndSwap(false, true) {
			w.logger.Debug("enrich worker idle")
			return
		}
		metrics.EnrichWorkerAlive.Set(1)
	}
}

func (w *Worker) runUntilEmpty() {
	processed := 0
	for {
		if w.ctx.Err() != nil {
			return
		}
		var id uint
		select {
		case id = <-w.ch:
		default:
			return
		}
		metrics.EnrichQueueDepth.Set(float64(len(w.ch)))

		if processed > 0 && w.delay > 0 {
			timer := time.NewTimer(w.delay)
			select {
			case <-w.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		w.process(id)
		processed++

		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}
}

func (w *Worker) process(id uint) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EnrichProcessedTotal.WithLabelValues("panic").Inc()
			w.logger.Error("enrich panic recovered",
				slog.Uint64("item_id", uint64(id)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	status, err := w.enrich(w.ctx, id)
	metrics.EnrichProcessedTotal.WithLabelValues(status).Inc()
	if err != nil {
		w.logger.Warn("enrich item failed",
			slog.Uint64("item_id", uint64(id)),
			slog.String("status", status),
			slog.String("error", err.Error()))
		return
	}
	w.logger.Debug("enrich item done",
		slog.Uint64("item_id", uint64(id)),
		slog.String("status", status))
}

// enrich 抓取一条商品的详情并写回，返回用于指标的结果分类。
func (w *Worker) enrich(ctx context.Context, id uint) (string, error) {
	item, err := w.store.GetItem(ctx, id)
	if err != nil {
		return "missing", err
	}
	detailer, err := w.registry.Detailer(item.Source)
	if err != nil {
		return "unsupported", err
	}

	ref := source.ItemRef{Source: item.Source, SourceID: item.SourceID, URL: item.URL}
	if item.CategoryID != nil {
		ref.CategoryID = *item.CategoryID
	}
	detail, err := detailer.FetchDetail(ctx, ref)
	if err != nil {
		return "failed", fmt.Errorf("fetch detail: %w", err)
	}

	if len(detail.CategoryPath) > 0 {
		if err := w.store.UpsertCategoryPath(ctx, item.Source, detail.CategoryPath); err != nil {
			w.logger.Warn("cache category path failed",
				slog.Uint64("item_id", uint64(id)),
				slog.String("error", err.Error()))
		}
	}

	if !detail.HasContent() {
		return "empty", nil
	}
	if err := w.store.UpdateItemDetails(ctx, id, detail); err != nil {
		return "failed", fmt.Errorf("save detail: %w", err)
	}
	return "updated", nil
}
