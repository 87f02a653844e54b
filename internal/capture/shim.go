// Package capture 将运行期间的输出同时写入进程原有的诊断输出与运行的输出通道。
//
// 输出目标绑定在 context.Context 上而不是替换 os.Stdout/os.Stderr，因此并发的
// 多个运行互不干扰。任务代码通过 Stdout(ctx) / Stderr(ctx) 获取当前输出目标。
// 直接写 os.Stdout 的代码不会被捕获。
package capture

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"PhoneAgent-Web/internal/stream"
	"PhoneAgent-Web/pkg/logger"
)

// Sink 是一对输出目标。
type Sink struct {
	Out io.Writer
	Err io.Writer
}

// Process 返回进程级的诊断输出。
func Process() Sink {
	return Sink{Out: os.Stdout, Err: os.Stderr}
}

// Discard 返回丢弃所有内容的输出目标。
func Discard() Sink {
	return Sink{Out: io.Discard, Err: io.Discard}
}

type sinkKey struct{}

// Stdout 返回 ctx 绑定的标准输出目标，未绑定时返回 os.Stdout。
func Stdout(ctx context.Context) io.Writer {
	if s, ok := ctx.Value(sinkKey{}).(*shim); ok {
		return s.out
	}
	return os.Stdout
}

// Stderr 返回 ctx 绑定的错误输出目标，未绑定时返回 os.Stderr。
func Stderr(ctx context.Context) io.Writer {
	if s, ok := ctx.Value(sinkKey{}).(*shim); ok {
		return s.err
	}
	return os.Stderr
}

// Install 在返回的 ctx 上绑定新的输出目标：每次写入都会转发给 original
// 并复制一份推入 ch。返回的 restore 函数解除与 ch 的关联，可重复调用。
func Install(ctx context.Context, ch *stream.Channel, original Sink) (context.Context, func()) {
	if original.Out == nil {
		original.Out = io.Discard
	}
	if original.Err == nil {
		original.Err = io.Discard
	}
	s := &shim{ch: ch, log: logger.Named("capture")}
	s.out = &writer{shim: s, original: original.Out, source: stream.SourceOut}
	s.err = &writer{shim: s, original: original.Err, source: stream.SourceErr}
	return context.WithValue(ctx, sinkKey{}, s), s.restore
}

type shim struct {
	mu       sync.Mutex
	ch       *stream.Channel
	restored bool
	log      *slog.Logger
	out      *writer
	err      *writer
}

func (s *shim) restore() {
	s.mu.Lock()
	s.restored = true
	s.mu.Unlock()
}

type writer struct {
	shim     *shim
	original io.Writer
	source   stream.Source
}

// Write 永远报告完整写入：两个目标各自尽力而为，互不影响。
func (w *writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s := w.shim
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := w.original.Write(p); err != nil {
		s.log.Warn("写入原始输出失败", slog.Any("error", err))
	}
	if !s.restored {
		s.ch.Push(stream.Chunk(string(p), w.source))
	}
	return len(p), nil
}
