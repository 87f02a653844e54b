// Package run 负责启动任务、把任务输出接入运行通道，并保证每个运行的通道
// 都以唯一的结局条目和结束标记收尾。
package run

import (
	"context"
	"sync"
	"time"

	"PhoneAgent-Web/internal/runconfig"
	"PhoneAgent-Web/internal/stream"
)

// Executor 执行一次任务。进度输出写入 capture.Stdout(ctx) / capture.Stderr(ctx)，
// 返回值作为运行结果。
type Executor interface {
	Execute(ctx context.Context, task string, params runconfig.Params) (string, error)
}

// ExecutorFunc 允许使用函数实现 Executor。
type ExecutorFunc func(ctx context.Context, task string, params runconfig.Params) (string, error)

// Execute 调用函数本身。
func (f ExecutorFunc) Execute(ctx context.Context, task string, params runconfig.Params) (string, error) {
	return f(ctx, task, params)
}

// Observer 接收运行生命周期的统计回调。
type Observer interface {
	RunStarted()
	RunFinished(status Status, elapsed time.Duration, chunks, dropped int)
}

// Run 是一次已启动的运行。通道只由监督者及其安装的输出捕获写入。
type Run struct {
	ID        string
	Task      string
	Params    runconfig.Params
	StartedAt time.Time

	ch   *stream.Channel
	done chan struct{}

	mu     sync.Mutex
	status Status
}

// Channel 返回运行的输出通道。
func (r *Run) Channel() *stream.Channel { return r.ch }

// Done 在执行协程完全退出后关闭。
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait 等待执行协程退出或 ctx 结束。
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status 返回运行当前状态。
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) setStatus(status Status) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}
