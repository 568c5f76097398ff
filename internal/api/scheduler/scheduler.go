package scheduler

import (
	"context"
	"log/slog"
	"time"

	"goodsdeck/internal/pkg/queue"
	"goodsdeck/internal/scraper"
)

// Runner 执行一次已占用协调器的全量抓取。
type Runner interface {
	RunClaimed(ctx context.Context, coord *scraper.Coordinator, maxItemsPerSource int) (scraper.AllResult, error)
}

// Scheduler 按固定间隔触发全量抓取。
//
// 触发时若已有全量抓取在进行（手动触发或上一轮未结束），本次直接跳过，不排队。
type Scheduler struct {
	runner   Runner
	coord    *scraper.Coordinator
	queue    *queue.Queue
	logger   *slog.Logger
	interval time.Duration
	maxItems int
}

// NewScheduler 创建一个新的调度器实例。
//
// 参数:
//
//	runner: 抓取服务
//	coord: 全量抓取协调器，与 HTTP 触发共用
//	q: 后台任务队列
//	logger: 日志记录器
//	interval: 调度间隔，<=0 表示关闭定时抓取
//	maxItems: 每个来源最多收集的新商品数
//
// 返回值:
//
//	*Scheduler: 调度器实例
func NewScheduler(runner Runner, coord *scraper.Coordinator, q *queue.Queue, logger *slog.Logger, interval time.Duration, maxItems int) *Scheduler {
	return &Scheduler{
		runner:   runner,
		coord:    coord,
		queue:    q,
		logger:   logger,
		interval: interval,
		maxItems: maxItems,
	}
}

// Run 阻塞运行调度循环直到 ctx 结束。
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("scheduled scrape disabled")
		return
	}
	s.logger.Info("scheduler started", slog.String("interval", s.interval.String()))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// 定期打印队列统计（每分钟）
	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Trigger()
		case <-statsTicker.C:
			s.printQueueStats()
		}
	}
}

// Trigger 尝试立即启动一次全量抓取，返回是否成功入队。
func (s *Scheduler) Trigger() bool {
	if !s.coord.TryBegin("scheduled") {
		s.logger.Info("scheduled scrape skipped, previous run still active",
			slog.String("status", s.coord.Status().Message))
		return false
	}
	ok := s.queue.Enqueue(queue.Job{
		Name: "scrape:scheduled",
		Run: func(ctx context.Context) error {
			_, err := s.runner.RunClaimed(ctx, s.coord, s.maxItems)
			return err
		},
	})
	if !ok {
		s.coord.Finish("rejected: job queue full", nil)
		return false
	}
	return true
}

func (s *Scheduler) printQueueStats() {
	st := s.queue.Stats()
	s.logger.Info("job queue stats",
		slog.Int("pending", st.Pending),
		slog.Int64("running", st.Running),
		slog.Int64("enqueued", st.TotalEnqueued),
		slog.Int64("succeeded", st.TotalSucceeded),
		slog.Int64("failed", st.TotalFailed),
		slog.Int64("dropped", st.TotalDropped),
		slog.Int64("panics", st.TotalPanics))
}
