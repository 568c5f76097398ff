package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"goodsdeck/internal/pkg/metrics"
)

// ErrClosed 表示队列已经关闭。
var ErrClosed = errors.New("queue closed")

// Job 是一个带名字的后台任务（如 "scrape:keyword:3"），名字只用于日志和指标。
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// ErrorHandler 在任务返回错误时被调用，panic 不会触发它。
type ErrorHandler func(err error, job Job)

// Queue 是内存任务队列与固定 worker 池。
//
// HTTP 触发的抓取通过它在后台执行，入队立即返回。
// 入队与关闭之间由 mu 互斥，关闭后的入队只会被拒绝，不会写入已关闭的 channel。
type Queue struct {
	logger  *slog.Logger
	workers int
	onError ErrorHandler

	mu     sync.RWMutex
	closed bool
	jobs   chan Job

	wg      sync.WaitGroup
	running atomic.Int64
	stats   counters
}

type counters struct {
	enqueued, succeeded, failed, dropped, panics atomic.Int64
}

// QueueStats 队列统计信息快照。
type QueueStats struct {
	Pending        int   // 排队中
	Running        int64 // 执行中
	TotalEnqueued  int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalDropped   int64 // 队列满或已关闭被拒绝
	TotalPanics    int64
}

// NewQueue 创建一个新的任务队列。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1）
//   - capacity: 队列容量（至少为 1）
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	return &Queue{
		logger:  logger,
		workers: max(workers, 1),
		jobs:    make(chan Job, max(capacity, 1)),
	}
}

// SetErrorHandler 设置错误处理回调函数，需在 Start 之前调用。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.onError = handler
}

// Start 启动 worker 池。ctx 会传给每个任务，取消后 worker 不再取新任务。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			metrics.JobQueueDepth.Set(float64(len(q.jobs)))
			q.execute(ctx, job, id)
		}
	}
}

func (q *Queue) execute(ctx context.Context, job Job, workerID int) {
	q.running.Add(1)
	metrics.JobsRunning.Inc()
	start := time.Now()
	defer func() {
		q.running.Add(-1)
		metrics.JobsRunning.Dec()
		metrics.JobDuration.WithLabelValues(jobKind(job.Name)).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			q.stats.panics.Add(1)
			metrics.JobsTotal.WithLabelValues("panic").Inc()
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.String("job", job.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	if err := job.Run(ctx); err != nil {
		q.stats.failed.Add(1)
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		q.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("job", job.Name),
			slog.String("error", err.Error()))
		if q.onError != nil {
			q.onError(err, job)
		}
		return
	}
	q.stats.succeeded.Add(1)
	metrics.JobsTotal.WithLabelValues("succeeded").Inc()
	q.logger.Debug("job done",
		slog.String("job", job.Name),
		slog.String("elapsed", time.Since(start).String()))
}

// Enqueue 非阻塞入队。队列已满、已关闭或 job 没有 Run 时返回 false。
func (q *Queue) Enqueue(job Job) bool {
	if job.Run == nil {
		return false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.stats.dropped.Add(1)
		q.logger.Warn("queue is closed, reject job", slog.String("job", job.Name))
		return false
	}

	select {
	case q.jobs <- job:
		q.stats.enqueued.Add(1)
		metrics.JobQueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		q.stats.dropped.Add(1)
		metrics.JobsTotal.WithLabelValues("dropped").Inc()
		q.logger.Warn("queue full, drop job",
			slog.String("job", job.Name),
			slog.Int("capacity", cap(q.jobs)))
		return false
	}
}

// Shutdown 拒绝新任务，等待已入队的任务执行完毕，或直到 ctx 结束。
//
// ctx 结束时返回其错误，进行中的任务仍在运行，调用方可以取消 Start 的 ctx 让它们退出。
// 重复调用返回 ErrClosed。
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.logger.Info("queue shutdown initiated", slog.Int("pending", len(q.jobs)))
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue shutdown completed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

// Stats 获取队列统计信息的快照。
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Pending:        len(q.jobs),
		Running:        q.running.Load(),
		TotalEnqueued:  q.stats.enqueued.Load(),
		TotalSucceeded: q.stats.succeeded.Load(),
		TotalFailed:    q.stats.failed.Load(),
		TotalDropped:   q.stats.dropped.Load(),
		TotalPanics:    q.stats.panics.Load(),
	}
}

// Len 返回当前待处理的任务数量。
func (q *Queue) Len() int {
	return len(q.jobs)
}

// jobKind 去掉名字末尾的数字 ID，避免指标标签随关键词数量膨胀。
func jobKind(name string) string {
	i := strings.LastIndexByte(name, ':')
	if i < 0 || i == len(name)-1 {
		return name
	}
	for _, r := range name[i+1:] {
		if r < '0' || r > '9' {
			return name
		}
	}
	return name[:i]
}
