package scraper

import (
	"sync"
	"time"

	"goodsdeck/internal/pkg/metrics"
)

// Status 是全量抓取状态的只读快照。
type Status struct {
	Running    bool       `json:"running"`
	Message    string     `json:"message"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	LastResult *AllResult `json:"last_result,omitempty"`
}

// Coordinator 保证同一时刻最多只有一个全量抓取在运行，并对外暴露进度。
type Coordinator struct {
	mu  sync.Mutex
	st  Status
	now func() time.Time
}

// NewCoordinator 创建空闲状态的协调器。
func NewCoordinator() *Coordinator {
	return &Coordinator{st: Status{Message: "idle"}, now: time.Now}
}

// TryBegin 在空闲时把状态置为运行中并返回 true，否则返回 false。
func (c *Coordinator) TryBegin(msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.st.Running {
		return false
	}
	started := c.now()
	c.st.Running = true
	c.st.Message = msg
	c.st.StartedAt = &started
	c.st.FinishedAt = nil
	metrics.ScrapeRunning.Set(1)
	return true
}

// SetStatus 更新进度描述。
func (c *Coordinator) SetStatus(msg string) {
	c.mu.Lock()
	c.st.Message = msg
	c.mu.Unlock()
}

// Finish 结束本次运行并记录结果，result 为 nil 时保留上一次结果。
func (c *Coordinator) Finish(msg string, result *AllResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	finished := c.now()
	c.st.Running = false
	c.st.Message = msg
	c.st.FinishedAt = &finished
	if result != nil {
		r := *result
		c.st.LastResult = &r
	}
	metrics.ScrapeRunning.Set(0)
}

// Status 返回当前状态的副本。
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.st
	if st.LastResult != nil {
		r := *st.LastResult
		st.LastResult = &r
	}
	return st
}
