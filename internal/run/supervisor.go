package run

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"PhoneAgent-Web/internal/capture"
	xerrors "PhoneAgent-Web/internal/errors"
	"PhoneAgent-Web/internal/notify"
	"PhoneAgent-Web/internal/runconfig"
	"PhoneAgent-Web/internal/sse"
	"PhoneAgent-Web/internal/stream"
	"PhoneAgent-Web/pkg/logger"
)

const (
	defaultNotifyTimeout = 5 * time.Second
	fallbackErrorMessage = "任务执行失败，未提供错误信息"
)

// Supervisor 管理运行的启动与收尾。
type Supervisor struct {
	executor      Executor
	store         Store
	notifier      notify.Publisher
	observer      Observer
	log           *slog.Logger
	original      capture.Sink
	maxPending    int
	maxDuration   time.Duration
	notifyTimeout time.Duration
	newID         func() string
	now           func() time.Time

	wg     sync.WaitGroup
	active atomic.Int64
}

// Option 定义监督者的可选配置。
type Option func(*Supervisor)

// WithStore 指定运行历史存储。
func WithStore(store Store) Option {
	return func(s *Supervisor) {
		if store != nil {
			s.store = store
		}
	}
}

// WithNotifier 指定运行结束通知器。
func WithNotifier(p notify.Publisher) Option {
	return func(s *Supervisor) {
		if p != nil {
			s.notifier = p
		}
	}
}

// WithObserver 注册生命周期统计回调。
func WithObserver(o Observer) Option {
	return func(s *Supervisor) {
		s.observer = o
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// WithOriginalSink 指定任务输出同时写入的诊断目标，默认为进程的标准输出。
func WithOriginalSink(sink capture.Sink) Option {
	return func(s *Supervisor) {
		s.original = sink
	}
}

// WithMaxPending 限制每个运行未读取的输出块数量。
func WithMaxPending(n int) Option {
	return func(s *Supervisor) {
		s.maxPending = n
	}
}

// WithMaxDuration 为每个运行设置最长执行时间，0 表示不限制。
func WithMaxDuration(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.maxDuration = d
		}
	}
}

// NewSupervisor 创建监督者。
func NewSupervisor(executor Executor, opts ...Option) (*Supervisor, error) {
	if executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务执行器未配置")
	}
	s := &Supervisor{
		executor:      executor,
		store:         NewMemoryStore(0),
		notifier:      notify.Nop{},
		log:           logger.Named("run"),
		original:      capture.Process(),
		notifyTimeout: defaultNotifyTimeout,
		newID:         uuid.NewString,
		now:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Store 返回运行历史存储。
func (s *Supervisor) Store() Store { return s.store }

// Active 返回尚未结束的运行数量。
func (s *Supervisor) Active() int { return int(s.active.Load()) }

// Start 校验任务并在后台启动运行，立即返回运行句柄。
// 执行上下文只继承 ctx 中的值，请求结束不会取消任务。
func (s *Supervisor) Start(ctx context.Context, task string, params runconfig.Params) (*Run, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务描述不能为空")
	}

	r := &Run{
		ID:        s.newID(),
		Task:      task,
		Params:    params,
		StartedAt: s.now(),
		ch:        stream.NewChannel(stream.WithMaxPending(s.maxPending)),
		done:      make(chan struct{}),
		status:    StatusRunning,
	}
	record := Record{
		ID:        r.ID,
		Task:      task,
		Status:    StatusRunning,
		Model:     params.Model,
		DeviceID:  params.DeviceID,
		CreatedAt: r.StartedAt,
	}
	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if s.maxDuration > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, s.maxDuration)
	}

	s.active.Add(1)
	s.wg.Add(1)
	if s.observer != nil {
		s.observer.RunStarted()
	}
	logger.Audit().Info("运行已受理",
		slog.String("run_id", r.ID),
		slog.String("task", task),
		slog.String("model", params.Model),
		slog.String("device_id", params.DeviceID),
	)

	go s.execute(runCtx, cancel, r)
	return r, nil
}

// Execute 是同步版本：启动运行并读取全部输出。
// ctx 结束时停止等待，但运行本身会继续直到完成。
func (s *Supervisor) Execute(ctx context.Context, task string, params runconfig.Params) (sse.Outcome, []string, error) {
	r, err := s.Start(ctx, task, params)
	if err != nil {
		return sse.Outcome{}, nil, err
	}
	return sse.Collect(ctx, r.Channel())
}

// Wait 等待所有运行结束或 ctx 结束。
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) execute(ctx context.Context, cancel context.CancelFunc, r *Run) {
	defer s.wg.Done()
	defer s.active.Add(-1)
	defer close(r.done)

	outcome := stream.Error(fallbackErrorMessage)
	defer func() {
		cancel()
		// 记录写入存储之后才推入 End，读到 done 的客户端查询记录时状态已经是终态。
		var c completion
		func() {
			defer r.ch.Push(stream.End())
			c = s.record(ctx, r, outcome)
		}()
		s.publish(ctx, r, c)
	}()

	outcome = s.invoke(ctx, r)
	r.ch.Push(outcome)
}

// invoke 返回时输出捕获已经解除，之后推入的结局条目一定位于所有输出块之后。
func (s *Supervisor) invoke(ctx context.Context, r *Run) (outcome stream.Item) {
	runCtx, restore := capture.Install(ctx, r.ch, s.original)
	defer restore()
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("任务执行发生 panic",
				slog.String("run_id", r.ID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			outcome = stream.Error(fmt.Sprintf("任务异常终止: %v", rec))
		}
	}()

	value, err := s.executor.Execute(runCtx, r.Task, r.Params)
	if err != nil {
		return stream.Error(s.describe(ctx, err))
	}
	return stream.Result(value)
}

func (s *Supervisor) describe(ctx context.Context, err error) string {
	if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) && s.maxDuration > 0 {
		return fmt.Sprintf("运行超过最长时长 %s: %s", s.maxDuration, messageOf(err))
	}
	return messageOf(err)
}

func messageOf(err error) string {
	msg := strings.TrimSpace(xerrors.MessageOf(err))
	if msg == "" {
		return fallbackErrorMessage
	}
	return msg
}

// completion 是运行结束时写入记录的结果。
type completion struct {
	outcome    stream.Item
	status     Status
	finishedAt time.Time
	chunks     int
	dropped    int
}

func (s *Supervisor) record(ctx context.Context, r *Run, outcome stream.Item) completion {
	c := completion{outcome: outcome, status: StatusSucceeded}
	if outcome.Kind != stream.KindResult {
		c.status = StatusFailed
	}
	r.setStatus(c.status)
	c.finishedAt = s.now()
	c.chunks, c.dropped = r.ch.Chunks(), r.ch.Dropped()

	err := s.store.Update(context.WithoutCancel(ctx), r.ID, func(rec *Record) {
		rec.Status = c.status
		rec.Chunks = c.chunks
		rec.Dropped = c.dropped
		rec.FinishedAt = c.finishedAt
		if c.status == StatusSucceeded {
			rec.Result = outcome.Text
		} else {
			rec.Error = outcome.Text
		}
	})
	if err != nil {
		s.log.Warn("更新运行记录失败", slog.String("run_id", r.ID), slog.Any("error", err))
	}
	return c
}

// publish 上报指标并发送运行通知，在 End 之后执行。
func (s *Supervisor) publish(ctx context.Context, r *Run, c completion) {
	elapsed := c.finishedAt.Sub(r.StartedAt)
	if s.observer != nil {
		s.observer.RunFinished(c.status, elapsed, c.chunks, c.dropped)
	}

	event := notify.Event{
		RunID:      r.ID,
		Task:       r.Task,
		Status:     string(c.status),
		DeviceID:   r.Params.DeviceID,
		Chunks:     c.chunks,
		Dropped:    c.dropped,
		StartedAt:  r.StartedAt,
		FinishedAt: c.finishedAt,
	}
	if c.status == StatusSucceeded {
		event.Result = c.outcome.Text
	} else {
		event.Error = c.outcome.Text
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()
	if err := s.notifier.Publish(notifyCtx, event); err != nil {
		s.log.Warn("发布运行通知失败", slog.String("run_id", r.ID), slog.Any("error", err))
	}

	logger.Audit().Info("运行已结束",
		slog.String("run_id", r.ID),
		slog.String("status", string(c.status)),
		slog.Int("chunks", c.chunks),
		slog.Int("dropped", c.dropped),
		slog.Duration("elapsed", elapsed),
	)
}
