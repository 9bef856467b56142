package services

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/gobroker/internal/metrics"
	"github.com/betbot/gobroker/pkg/syncgroup"
)

var schedLog = logrus.WithField("component", "scheduler")

// PollTask 一类轮询任务
// Jitter 大于零时每轮间隔追加 [0, Jitter) 的随机量，错开整点拥挤。
type PollTask struct {
	Name     string
	Interval time.Duration
	Jitter   time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler 轮询调度器
//
// 每类任务一条 goroutine，循环结构天然保证同类任务最多一个在途：
// 上一轮还没回来就不会发起下一轮，慢响应时自动退化为背靠背而非堆积。
// 任务失败只记日志和计数，循环本身永不退出（致命错误的停机由
// Connector 通过取消 ctx 触发）。
type Scheduler struct {
	group  *syncgroup.SyncGroup
	cancel context.CancelFunc
	tasks  []PollTask
}

// NewScheduler 创建调度器
func NewScheduler() *Scheduler {
	return &Scheduler{group: syncgroup.NewSyncGroup()}
}

// Register 注册轮询任务（Start 之前调用）
func (s *Scheduler) Register(task PollTask) {
	s.tasks = append(s.tasks, task)
}

// Start 启动全部轮询循环
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	for _, task := range s.tasks {
		t := task
		s.group.Add(func() {
			s.loop(ctx, t)
		})
	}
	s.group.Run()
	schedLog.Infof("🔄 [调度] 已启动 %d 个轮询循环", len(s.tasks))
}

// Stop 停止调度并等待在途轮询结束
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.group.Wait()
	schedLog.Info("🛑 [调度] 全部轮询循环已退出")
}

func (s *Scheduler) loop(ctx context.Context, task PollTask) {
	// 启动即跑一轮，不等首个周期
	s.runOnce(ctx, task)

	timer := time.NewTimer(nextDelay(task))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.runOnce(ctx, task)
		timer.Reset(nextDelay(task))
	}
}

func (s *Scheduler) runOnce(ctx context.Context, task PollTask) {
	if ctx.Err() != nil {
		return
	}
	metrics.PollRuns.Add(1)
	if err := task.Run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.PollErrors.Add(1)
		schedLog.Warnf("⚠️ [调度] 轮询失败: task=%s err=%v", task.Name, err)
	}
}

func nextDelay(task PollTask) time.Duration {
	d := task.Interval
	if task.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(task.Jitter)))
	}
	return d
}
